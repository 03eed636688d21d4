package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/neilbrown/mdctl-go/internal/manage"
)

var manageCmd = &cobra.Command{
	Use:   "manage",
	Short: "Run/stop an array, toggle read-only, or add/remove/fault member devices",
}

var readonlyCmd = &cobra.Command{
	Use:   "readonly <md-device>",
	Short: "Stop the array and mark it read-only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadOnly(args[0], 1)
	},
}

var writableCmd = &cobra.Command{
	Use:   "writable <md-device>",
	Short: "Restart a read-only array read-write",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadOnly(args[0], -1)
	},
}

func runReadOnly(mdDevice string, readonly int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, mdFile, err := openArrayDevice(mdDevice)
	if err != nil {
		return err
	}
	defer handle.Close()
	defer mdFile.Close()

	if err := manage.SetReadOnly(ctx, handle, mdFile, readonly); err != nil {
		return err
	}
	log.Info().Str("device", mdDevice).Int("readonly", readonly).Msg("array read-only state changed")
	fmt.Printf("mdctl: %s updated\n", mdDevice)
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run <md-device>",
	Short: "Run a previously assembled/created array",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRunStop(args[0], 1)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <md-device>",
	Short: "Stop a running array",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRunStop(args[0], -1)
	},
}

func runRunStop(mdDevice string, runstop int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, mdFile, err := openArrayDevice(mdDevice)
	if err != nil {
		return err
	}
	defer handle.Close()
	defer mdFile.Close()

	if err := manage.RunStop(ctx, handle, mdFile, runstop); err != nil {
		return err
	}
	log.Info().Str("device", mdDevice).Int("runstop", runstop).Msg("array run state changed")
	fmt.Printf("mdctl: %s updated\n", mdDevice)
	return nil
}

var (
	addCmd = &cobra.Command{
		Use:   "add <md-device> <member-device>...",
		Short: "Hot-add one or more member devices",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubdevs(args[0], args[1:], manage.SubdevAdd)
		},
	}
	removeCmd = &cobra.Command{
		Use:   "remove <md-device> <member-device>...",
		Short: "Hot-remove one or more member devices",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubdevs(args[0], args[1:], manage.SubdevRemove)
		},
	}
	faultCmd = &cobra.Command{
		Use:   "fault <md-device> <member-device>...",
		Short: "Mark one or more member devices faulty",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubdevs(args[0], args[1:], manage.SubdevFault)
		},
	}
)

func runSubdevs(mdDevice string, members []string, op manage.SubdevOp) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, mdFile, err := openArrayDevice(mdDevice)
	if err != nil {
		return err
	}
	defer handle.Close()
	defer mdFile.Close()

	requests := make([]manage.SubdevRequest, len(members))
	for i, m := range members {
		requests[i] = manage.SubdevRequest{Path: m, Op: op}
	}

	if err := manage.Subdevs(ctx, handle, requests); err != nil {
		return err
	}
	log.Info().Str("device", mdDevice).Str("op", op.String()).Strs("members", members).Msg("subdevice operation complete")
	fmt.Printf("mdctl: %s updated\n", mdDevice)
	return nil
}

func init() {
	manageCmd.AddCommand(readonlyCmd, writableCmd, runCmd, stopCmd, addCmd, removeCmd, faultCmd)
}
