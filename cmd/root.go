// Package cmd provides the sentinel command-line interface.
package cmd

import (
	"context"
	"os"
	"time"

	"sentinel/bootstrap"
	"sentinel/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	outputJSON bool
	noColor    bool
)

const defaultTimeout = 30 * time.Second

// NewRootCmd creates the sentinel command. Without a subcommand it runs the
// service.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Security event correlation and threat response engine",
		Long: `Sentinel ingests security events, correlates them per IP and user over
sliding windows, and blocks, flags or quarantines offending actors.

Run without a subcommand to start the service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: config.yaml in . or ./config)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRulesCmd())
	rootCmd.AddCommand(newComplianceCmd())

	return rootCmd
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration for offline subcommands. Secrets are
// not resolved since no backend is contacted.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadConfigFile(configFile)
	}
	return config.LoadConfig()
}

// cliLogger logs warnings and errors only so command output stays readable
func cliLogger() *zap.SugaredLogger {
	_, sugar, err := bootstrap.InitLogger("warn")
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return sugar
}
