package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kurtbell87/master-kit/internal/config"
	"github.com/kurtbell87/master-kit/internal/ledger"
	"github.com/kurtbell87/master-kit/internal/logging"
)

var version = "0.3.0"

var (
	// Global flags
	verbose bool
	output  string
	cfgFile string
	runRoot string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mk",
	Short: "Master-kit multi-pipeline run coordination CLI",
	Long: `mk coordinates phase runs across agent pipelines.

Phases hand off through frozen capsules and manifests instead of raw
transcripts; every privileged operation inside a managed run passes
through the hook dispatcher; cross-pipeline work moves through a
file-based request queue with atomic claims.

Core Commands:
  start-run    Execute one pipeline phase under run management
  hook         Screen one tool call (pre-tool-use entry point)
  request      Submit and process cross-pipeline requests
  runs         Inspect the run registry
  validate     Check capsule and manifest files
  version      Show version information`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
		syncConfigFlagToEnv()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .masterkit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&runRoot, "run-root", "", "Coordination data directory (default: .masterkit)")
}

// GetVerbose returns the verbose flag value for use by subcommands.
func GetVerbose() bool {
	return verbose
}

// GetOutput returns the output format for use by subcommands, falling back
// to the resolved config default when the flag is unset.
func GetOutput(cfg *config.Config) string {
	if output != "" {
		return output
	}
	return cfg.Output
}

// GetConfigFile returns the config file path for use by subcommands.
func GetConfigFile() string {
	return cfgFile
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(GetConfigFile())
	if path == "" {
		return
	}
	_ = os.Setenv(config.EnvConfig, path)
}

// loadConfig resolves configuration with root-command flags layered on top
// of env, project, and home config.
func loadConfig() (*config.Config, error) {
	overrides := &config.Config{
		RunRoot: runRoot,
		Output:  output,
		Verbose: verbose,
	}
	return config.Load(overrides)
}

// openLedger opens the event ledger under the resolved run root.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	return ledger.Open(cfg.LedgerPath())
}
