// Command mdctl administers Linux software-RAID md arrays: assembling them
// from scattered member devices, creating or building new ones, watching
// them for state changes, and toggling run state. It is a thin cobra
// surface over internal/assemble, internal/createbuild, internal/monitor
// and internal/manage — it owns no reconciliation logic of its own.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:     "mdctl",
	Short:   "mdctl - Linux software-RAID array administration",
	Long:    `mdctl assembles, creates, builds, monitors and manages Linux md RAID arrays directly against the kernel ioctl interface.`,
	Version: Version,
	// diagnose() already prints and logs every RunE failure (the
	// "mdctl: ..." convention scripts grep for); cobra's own usage/error
	// dump on top of that would just be noise.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "raise the minimum log level to debug")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(manageCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mdctl %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		diagnose("mdctl", err)
		os.Exit(exitCode(err))
	}
}
