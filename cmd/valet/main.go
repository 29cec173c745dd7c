package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	// build time date
	buildDate = "unknown"
)

// errUsage marks invalid CLI usage, which exits 2 instead of 1.
var errUsage = errors.New("invalid usage")

func main() {
	var (
		configPath string
		prettyLog  bool
	)

	rootCmd := &cobra.Command{
		Use:   "valet",
		Short: "Valet loopback tool adapter",
		Long: `Valet is a locally-run HTTP adapter that lets a remote agent read and write
files under a single root directory and run an allow-list of commands, behind
layered authentication, rate limiting, and an audit log.`,
		Version:       fmt.Sprintf("%s (built: %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("%w: --config is required", errUsage)
			}
			return runServe(configPath, prettyLog)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to the valet config file (required)")
	rootCmd.Flags().BoolVar(&prettyLog, "pretty", false, "Use pretty-printed logs instead of JSON")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
