package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/neilbrown/mdctl-go/internal/config"
	"github.com/neilbrown/mdctl-go/internal/monitor"
)

var monitorOpts struct {
	configFile  string
	devices     []string
	periodSecs  int
	alertCmd    string
	mailAddr    string
	metricsAddr string
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll configured or named arrays for state changes and raise alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		targets, err := monitorTargets()
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return fmt.Errorf("mdctl: no arrays to monitor (pass --devices or configure ARRAY lines)")
		}

		log.Info().Int("targets", len(targets)).Dur("period", time.Duration(monitorOpts.periodSecs)*time.Second).
			Msg("starting monitor")

		m := monitor.New(targets)
		err = m.Run(ctx, monitor.Options{
			Targets:     targets,
			Period:      time.Duration(monitorOpts.periodSecs) * time.Second,
			AlertCmd:    monitorOpts.alertCmd,
			MailAddr:    monitorOpts.mailAddr,
			MetricsAddr: monitorOpts.metricsAddr,
		})
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func monitorTargets() ([]monitor.Target, error) {
	if len(monitorOpts.devices) > 0 {
		targets := make([]monitor.Target, len(monitorOpts.devices))
		for i, d := range monitorOpts.devices {
			targets[i] = monitor.Target{Device: d}
		}
		return targets, nil
	}
	cfg, err := config.Load(monitorOpts.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	targets := make([]monitor.Target, len(cfg.Arrays))
	for i, a := range cfg.Arrays {
		targets[i] = monitor.Target{Device: a.Device, SpareGroup: a.SpareGroup}
	}
	return targets, nil
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorOpts.configFile, "config", "c", "", "path to the configuration file")
	monitorCmd.Flags().StringSliceVar(&monitorOpts.devices, "devices", nil, "explicit array device list (skips config)")
	monitorCmd.Flags().IntVar(&monitorOpts.periodSecs, "period", int(monitor.DefaultPeriod/time.Second), "seconds between polls")
	monitorCmd.Flags().StringVar(&monitorOpts.alertCmd, "alert-cmd", "", "program to exec on each detected event")
	monitorCmd.Flags().StringVar(&monitorOpts.mailAddr, "mail", "", "address to mail on Fail/FailSpare events")
	monitorCmd.Flags().StringVar(&monitorOpts.metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9649)")
}
