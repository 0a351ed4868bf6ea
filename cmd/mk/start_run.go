package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kurtbell87/master-kit/internal/config"
	"github.com/kurtbell87/master-kit/internal/runmgr"
)

var (
	startRunTimeout  time.Duration
	startRunEcho     bool
	startRunMustRead []string
)

var startRunCmd = &cobra.Command{
	Use:   "start-run <pipeline> <phase> [-- command args...]",
	Short: "Execute one pipeline phase under run management",
	Long: `Execute one phase of a pipeline as a managed run.

The phase command runs with the coordination environment exported
(MASTERKIT_RUN_ID, MASTERKIT_RUN_ROOT, budget limits, must-read list).
When it exits, the capsule and manifest are frozen in the run's
registry directory regardless of outcome; a phase that emits no valid
capsule gets a synthetic one.

Examples:
  mk start-run tdd red -- claude -p "write the failing test"
  mk start-run research explore --timeout 30m -- ./explore.sh
  mk start-run math prove -o json -- lake build`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, phase := args[0], args[1]
		command := args[2:]
		if at := cmd.ArgsLenAtDash(); at >= 0 {
			if at != 2 {
				return fmt.Errorf("expected <pipeline> <phase> before --, got %d args", at)
			}
			command = args[at:]
		}
		if len(command) == 0 {
			return fmt.Errorf("no phase command given (append -- command args...)")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		led, err := openLedger(cfg)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}

		mgr := runmgr.New(cfg, led)
		res, err := mgr.Execute(cmd.Context(), runmgr.RunSpec{
			Pipeline: pipeline,
			Phase:    phase,
			Command:  command,
			MustRead: startRunMustRead,
			Timeout:  startRunTimeout,
			Echo:     startRunEcho,
		})
		if err != nil {
			return err
		}
		return outputRunResult(cfg, res)
	},
}

func outputRunResult(cfg *config.Config, res *runmgr.Result) error {
	if GetOutput(cfg) == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "run_id\t%s\n", res.State.RunID)
	fmt.Fprintf(w, "pipeline\t%s/%s\n", res.State.Pipeline, res.State.Phase)
	fmt.Fprintf(w, "status\t%s\n", res.State.Status)
	fmt.Fprintf(w, "exit_code\t%d\n", res.ExitCode)
	fmt.Fprintf(w, "capsule\t%s%s\n", res.CapsulePath, syntheticNote(res.Synthetic))
	fmt.Fprintf(w, "manifest\t%s\n", res.ManifestPath)
	fmt.Fprintf(w, "output_log\t%s\n", res.OutputLog)
	if res.SpawnError != "" {
		fmt.Fprintf(w, "spawn_error\t%s\n", res.SpawnError)
	}
	if res.CapsuleError != "" {
		fmt.Fprintf(w, "capsule_error\t%s\n", res.CapsuleError)
	}
	return w.Flush()
}

func syntheticNote(synthetic bool) string {
	if synthetic {
		return " (synthetic)"
	}
	return ""
}

func init() {
	startRunCmd.Flags().DurationVar(&startRunTimeout, "timeout", 0, "Kill the phase after this duration (0 = no limit)")
	startRunCmd.Flags().BoolVar(&startRunEcho, "echo", false, "Mirror phase output to the terminal")
	startRunCmd.Flags().StringSliceVar(&startRunMustRead, "must-read", nil, "Handoff paths exported on the phase's must-read list")
	rootCmd.AddCommand(startRunCmd)
}
