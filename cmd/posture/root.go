package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	configPath string
	regionFlag string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "posture",
		Short: "Cloud compliance posture scanner",
		Long: `Posture - Cloud compliance posture scanner

Posture discovers AWS resources, evaluates them against a fixed set of
CIS benchmark rules and keeps the current inventory plus an append-only
history of check results.

Run a single scan with "posture scan", or keep scanning on an interval
with the HTTP API and metrics endpoints using "posture serve".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// errScanFailed makes the process exit non-zero after a FAILED scan.
var errScanFailed = errors.New("scan failed")

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errScanFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Posture {{.Version}} - Cloud compliance posture scanner
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to posture.yaml")
	rootCmd.PersistentFlags().StringVar(&regionFlag, "region", "", "AWS region (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
}
