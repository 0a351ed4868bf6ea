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

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run registry",
	Long: `Read-only inspection of the per-run registry directories.

Examples:
  mk runs list
  mk runs list -o json
  mk runs show 20260830T141503-a1b2c3`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		mgr := runmgr.New(cfg, nil)
		states, err := mgr.List()
		if err != nil {
			return err
		}
		return outputRunList(cfg, states)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		mgr := runmgr.New(cfg, nil)
		state, err := mgr.Load(args[0])
		if err != nil {
			return err
		}
		return outputRunState(cfg, mgr, state)
	},
}

func outputRunList(cfg *config.Config, states []runmgr.RunState) error {
	if GetOutput(cfg) == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPIPELINE\tPHASE\tSTATUS\tUPDATED")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.RunID, s.Pipeline, s.Phase, s.Status, s.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func outputRunState(cfg *config.Config, mgr *runmgr.Manager, state *runmgr.RunState) error {
	if GetOutput(cfg) == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "run_id\t%s\n", state.RunID)
	fmt.Fprintf(w, "pipeline\t%s/%s\n", state.Pipeline, state.Phase)
	fmt.Fprintf(w, "status\t%s\n", state.Status)
	if state.Delegated {
		fmt.Fprintf(w, "delegated\tyes (parent %s)\n", state.ParentRun)
	}
	fmt.Fprintf(w, "created\t%s\n", state.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "updated\t%s\n", state.UpdatedAt.Local().Format(time.RFC3339))
	if state.ExitCode != nil {
		fmt.Fprintf(w, "exit_code\t%d\n", *state.ExitCode)
	}
	if state.CapsulePath != "" {
		fmt.Fprintf(w, "capsule\t%s\n", state.CapsulePath)
	}
	if state.ManifestPath != "" {
		fmt.Fprintf(w, "manifest\t%s\n", state.ManifestPath)
	}
	if hb := mgr.Heartbeat(state.RunID); !hb.IsZero() {
		fmt.Fprintf(w, "heartbeat\t%s\n", hb.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func init() {
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
