package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/neilbrown/mdctl-go/internal/assemble"
	"github.com/neilbrown/mdctl-go/internal/config"
	"github.com/neilbrown/mdctl-go/internal/mdtypes"
	"github.com/neilbrown/mdctl-go/internal/scanner"
)

var assembleOpts struct {
	uuid       string
	minor      int
	level      string
	raidDisks  int
	names      []string
	devices    []string
	force      bool
	readOnly   bool
	noRun      bool
	configFile string
}

var assembleCmd = &cobra.Command{
	Use:   "assemble <md-device>",
	Short: "Assemble a previously created array from its member devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mdDevice := args[0]

		id, err := parseIdentity(assembleOpts.uuid, assembleOpts.minor, assembleOpts.level, assembleOpts.raidDisks, assembleOpts.names)
		if err != nil {
			return err
		}

		candidates := assembleOpts.devices
		if len(candidates) == 0 {
			cfg, err := config.Load(assembleOpts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !id.HasDiscriminator() {
				if entry, ok := lookupArrayEntry(cfg, mdDevice); ok {
					id = entry.Identity
				}
			}
			candidates, err = scanner.Expand(cfg.DeviceGlobs)
			if err != nil {
				return fmt.Errorf("scan devices: %w", err)
			}
		}

		handle, mdFile, err := openArrayDevice(mdDevice)
		if err != nil {
			return err
		}
		defer handle.Close()
		defer mdFile.Close()

		runStop := mdtypes.RunStopAuto
		if assembleOpts.noRun {
			runStop = mdtypes.RunStopForceAssembleNoRun
		}

		result, err := assemble.Assemble(ctx, assemble.Options{
			MDDevicePath:   mdDevice,
			Identity:       id,
			CandidatePaths: candidates,
			ReadOnly:       assembleOpts.readOnly,
			RunStop:        runStop,
			Force:          assembleOpts.force,
		}, handle, mdFile)
		if err != nil {
			return err
		}

		log.Info().Str("device", mdDevice).Str("chosen", result.ChosenDevice).
			Int("active", result.ActiveCount).Int("spare", result.SpareCount).
			Bool("started", result.Started).Msg("assembly complete")
		fmt.Printf("mdctl: %s has been assembled with %d active and %d spare devices\n",
			mdDevice, result.ActiveCount, result.SpareCount)
		return nil
	},
}

func lookupArrayEntry(cfg *config.Config, device string) (config.ArrayEntry, bool) {
	for _, a := range cfg.Arrays {
		if a.Device == device {
			return a, true
		}
	}
	return config.ArrayEntry{}, false
}

func init() {
	assembleCmd.Flags().StringVar(&assembleOpts.uuid, "uuid", "", "match members by array UUID")
	assembleCmd.Flags().IntVar(&assembleOpts.minor, "super-minor", -1, "match members by preferred minor number")
	assembleCmd.Flags().StringVar(&assembleOpts.level, "level", "", "match members by RAID level")
	assembleCmd.Flags().IntVar(&assembleOpts.raidDisks, "raid-disks", 0, "match members by raid-disks count")
	assembleCmd.Flags().StringSliceVar(&assembleOpts.names, "name-pattern", nil, "match members by device name glob")
	assembleCmd.Flags().StringSliceVar(&assembleOpts.devices, "devices", nil, "explicit candidate device list (skips config scan)")
	assembleCmd.Flags().BoolVarP(&assembleOpts.force, "force", "f", false, "force-promote a stale member and clear faulty flags when necessary")
	assembleCmd.Flags().BoolVar(&assembleOpts.readOnly, "readonly", false, "start the array read-only")
	assembleCmd.Flags().BoolVar(&assembleOpts.noRun, "no-run", false, "assemble but leave the array stopped")
	assembleCmd.Flags().StringVarP(&assembleOpts.configFile, "config", "c", "", "path to the configuration file")
}
