package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/neilbrown/mdctl-go/internal/createbuild"
	"github.com/neilbrown/mdctl-go/internal/mdtypes"
)

var createOpts struct {
	level      string
	layout     int
	chunkKiB   int
	sizeKiB    int
	raidDisks  int
	spareDisks int
	forceRun   bool
}

var createCmd = &cobra.Command{
	Use:   "create <md-device> <member-device>...",
	Short: "Create a new array with fresh superblocks on its members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mdDevice := args[0]
		devices := args[1:]

		level, levelSet, err := parseLevelFlag(createOpts.level)
		if err != nil {
			return err
		}
		layoutSet := cmd.Flags().Changed("layout")

		handle, mdFile, err := openArrayDevice(mdDevice)
		if err != nil {
			return err
		}
		defer handle.Close()
		defer mdFile.Close()

		runStop := mdtypes.RunStopAuto
		if createOpts.forceRun {
			runStop = mdtypes.RunStopForceRun
		}

		err = createbuild.Create(ctx, handle, mdFile, createbuild.CreateOptions{
			Level:      level,
			LevelSet:   levelSet,
			Layout:     createOpts.layout,
			LayoutSet:  layoutSet,
			ChunkKiB:   createOpts.chunkKiB,
			SizeKiB:    createOpts.sizeKiB,
			RaidDisks:  createOpts.raidDisks,
			SpareDisks: createOpts.spareDisks,
			Devices:    devices,
			RunStop:    runStop,
		})
		if err != nil {
			return err
		}

		log.Info().Str("device", mdDevice).Str("level", level.String()).Int("raid_disks", createOpts.raidDisks).Msg("array created")
		fmt.Printf("mdctl: array %s created\n", mdDevice)
		return nil
	},
}

var buildOpts struct {
	level     string
	chunkKiB  int
	raidDisks int
}

var buildCmd = &cobra.Command{
	Use:   "build <md-device> <member-device>...",
	Short: "Build a superblock-less linear or raid0 array",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mdDevice := args[0]
		devices := args[1:]

		level, _, err := parseLevelFlag(buildOpts.level)
		if err != nil {
			return err
		}

		handle, mdFile, err := openArrayDevice(mdDevice)
		if err != nil {
			return err
		}
		defer handle.Close()
		defer mdFile.Close()

		err = createbuild.Build(ctx, handle, mdFile, createbuild.BuildOptions{
			Level:     level,
			ChunkKiB:  buildOpts.chunkKiB,
			RaidDisks: buildOpts.raidDisks,
			Devices:   devices,
		})
		if err != nil {
			return err
		}

		log.Info().Str("device", mdDevice).Str("level", level.String()).Msg("array built")
		fmt.Printf("mdctl: array %s built\n", mdDevice)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createOpts.level, "level", "", "RAID level (required)")
	createCmd.Flags().IntVar(&createOpts.layout, "layout", 0, "parity layout for raid4/raid5")
	createCmd.Flags().IntVar(&createOpts.chunkKiB, "chunk", 0, "chunk size in KiB (default 64)")
	createCmd.Flags().IntVar(&createOpts.sizeKiB, "size", 0, "per-device size in KiB (default: smallest member)")
	createCmd.Flags().IntVar(&createOpts.raidDisks, "raid-disks", 0, "number of active array slots (required)")
	createCmd.Flags().IntVar(&createOpts.spareDisks, "spare-disks", 0, "number of spare array slots")
	createCmd.Flags().BoolVarP(&createOpts.forceRun, "run", "R", false, "run the array immediately, even if short of members")

	buildCmd.Flags().StringVar(&buildOpts.level, "level", "linear", "linear or raid0")
	buildCmd.Flags().IntVar(&buildOpts.chunkKiB, "chunk", 0, "chunk size in KiB (default 64, raid0 only)")
	buildCmd.Flags().IntVar(&buildOpts.raidDisks, "raid-disks", 0, "number of member devices (required)")
}
