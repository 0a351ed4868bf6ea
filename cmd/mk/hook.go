package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kurtbell87/master-kit/internal/config"
	"github.com/kurtbell87/master-kit/internal/dispatch"
	"github.com/kurtbell87/master-kit/internal/ledger"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Screen one tool call against run policy",
	Long: `Screen the tool call described by the harness environment.

The agent harness invokes this as its pre-tool-use hook. The call
context comes from MASTERKIT_* variables exported by the run manager
plus CLAUDE_TOOL_NAME and CLAUDE_TOOL_INPUT from the harness.

Exit codes:
  0  operation allowed (or process not under run management)
  1  operational failure (malformed context, unreadable config)
  2  operation blocked; stderr carries "BLOCKED: <reason>"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := dispatch.FromEnvironment()
		if !ctx.Managed() {
			return nil
		}
		if err := ctx.Validate(); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		led, err := openLedger(cfg)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}

		dec := screenCall(cfg, led, ctx)
		if !dec.Allow {
			fmt.Fprintf(os.Stderr, "BLOCKED: %s\n", dec.Reason)
			os.Exit(2)
		}
		return nil
	},
}

// screenCall runs one call context through a dispatcher built from the
// resolved config.
func screenCall(cfg *config.Config, led *ledger.Ledger, ctx dispatch.CallContext) dispatch.Decision {
	d := dispatch.New(cfg, cfg.RuleTable(), led)
	return d.Screen(ctx)
}

func init() {
	rootCmd.AddCommand(hookCmd)
}
