package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kurtbell87/master-kit/internal/config"
	"github.com/kurtbell87/master-kit/internal/interop"
	"github.com/kurtbell87/master-kit/internal/ledger"
	"github.com/kurtbell87/master-kit/internal/runmgr"
)

var (
	requestWorkers int
	requestTimeout time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit and process cross-pipeline requests",
	Long: `Move work between pipelines through the file-based request queue.

A pipeline that needs another pipeline's capability files a request;
a consumer claims it atomically, executes the requested phase as a
bounded delegated run, and files exactly one response.

Examples:
  mk request submit ask-math.json
  mk request process
  mk request process --workers 4
  mk request process 2f9c1d8a-77b1-4b6e-9a52-0c3d6f1e4a90`,
}

var requestSubmitCmd = &cobra.Command{
	Use:   "submit <file.json>",
	Short: "Enqueue a request from a JSON file",
	Long: `Validate and enqueue the request described by the given JSON file.

The request id is assigned on enqueue and printed on success; pass it
to "mk request process" or poll the responses directory for it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read request file: %w", err)
		}
		var req interop.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("parse request file: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		led, err := openLedger(cfg)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}

		q := interop.NewQueue(cfg.InteropDir(), led)
		if err := q.Enqueue(&req); err != nil {
			return err
		}
		fmt.Println(req.ID)
		return nil
	},
}

var requestProcessCmd = &cobra.Command{
	Use:   "process [request_id]",
	Short: "Claim and serve pending requests",
	Long: `Serve requests by executing the requested pipeline phase as a
delegated child run.

With a request id, claims and serves exactly that request. Without
one, drains every claimable request, fanning out across --workers
concurrent runs. Each response distinguishes a phase blocked by
policy from a phase that failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		led, err := openLedger(cfg)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}

		q := interop.NewQueue(cfg.InteropDir(), led)
		consumer := interop.NewConsumer(q, serveRequestFunc(cfg, led), "")

		if len(args) == 1 {
			resp, err := consumer.ProcessByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return outputResponse(cfg, resp)
		}

		if requestWorkers > 1 {
			served, err := consumer.ProcessAll(cmd.Context(), requestWorkers)
			if err != nil {
				return err
			}
			fmt.Printf("served %d request(s)\n", served)
			return nil
		}

		resp, err := consumer.ProcessOne(cmd.Context())
		if err != nil {
			return err
		}
		if resp == nil {
			fmt.Println("no claimable requests")
			return nil
		}
		return outputResponse(cfg, resp)
	},
}

// serveRequestFunc builds the process func that executes one request as a
// bounded delegated run.
func serveRequestFunc(cfg *config.Config, led *ledger.Ledger) interop.ProcessFunc {
	return func(ctx context.Context, req interop.Request) (interop.Outcome, error) {
		runCfg := cfg
		if req.ReadBudget != nil {
			c := *cfg
			c.ReadBudget = *req.ReadBudget
			runCfg = &c
		}

		command := req.Args
		if len(command) == 0 {
			command = []string{runCfg.RuntimeCommand}
		}
		mustRead := append(append([]string(nil), req.Inputs...), req.MustRead...)

		mgr := runmgr.New(runCfg, led)
		res, err := mgr.Execute(ctx, runmgr.RunSpec{
			Pipeline:  req.ToPipeline,
			Phase:     req.Action,
			Command:   command,
			Delegated: true,
			ParentRun: req.ParentRun,
			MustRead:  mustRead,
			Timeout:   requestTimeout,
		})
		if err != nil {
			return interop.Outcome{}, err
		}

		out := interop.Outcome{
			RunID:        res.State.RunID,
			CapsulePath:  res.CapsulePath,
			ManifestPath: res.ManifestPath,
		}
		if res.SpawnError != "" {
			return out, fmt.Errorf("phase spawn: %s", res.SpawnError)
		}

		artifactsDir := filepath.Join(runCfg.RunDir(res.State.RunID), "artifacts")
		delivered, missing := resolveDeliverables(artifactsDir, req.DeliverablesExpected)
		out.Deliverables = delivered
		if len(missing) > 0 {
			out.Notes = "missing deliverables: " + strings.Join(missing, ", ")
		}

		if res.ExitCode != 0 {
			recs, _ := led.ForRun(res.State.RunID)
			if reason, blocked := blockedReason(recs); blocked {
				out.Blocked = true
				out.Notes = joinNotes("blocked by policy: "+reason, out.Notes)
				return out, nil
			}
			return out, fmt.Errorf("phase exited with code %d", res.ExitCode)
		}
		if res.CapsuleError != "" {
			return out, fmt.Errorf("capsule handoff failed: %s", res.CapsuleError)
		}
		return out, nil
	}
}

// resolveDeliverables splits the expected artifact paths into those present
// under the child run's artifacts directory and those missing.
func resolveDeliverables(artifactsDir string, expected []string) (delivered, missing []string) {
	for _, p := range expected {
		full := filepath.Join(artifactsDir, filepath.FromSlash(p))
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			delivered = append(delivered, full)
		} else {
			missing = append(missing, p)
		}
	}
	return delivered, missing
}

// blockedReason reports whether the run's ledger records a policy block,
// with the detail of the first blocking event.
func blockedReason(recs []ledger.EventRecord) (string, bool) {
	for _, r := range recs {
		if r.Kind == ledger.KindOpBlocked || r.Kind == ledger.KindReentryViolation {
			return r.Detail, true
		}
	}
	return "", false
}

func joinNotes(notes ...string) string {
	parts := notes[:0]
	for _, n := range notes {
		if n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "; ")
}

func outputResponse(cfg *config.Config, resp *interop.Response) error {
	if GetOutput(cfg) == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "request_id\t%s\n", resp.RequestID)
	fmt.Fprintf(w, "status\t%s\n", resp.Status)
	if resp.ChildRun != "" {
		fmt.Fprintf(w, "child_run\t%s\n", resp.ChildRun)
	}
	if resp.CapsulePath != "" {
		fmt.Fprintf(w, "capsule\t%s\n", resp.CapsulePath)
	}
	if resp.ManifestPath != "" {
		fmt.Fprintf(w, "manifest\t%s\n", resp.ManifestPath)
	}
	for _, d := range resp.Deliverables {
		fmt.Fprintf(w, "deliverable\t%s\n", d)
	}
	if resp.Notes != "" {
		fmt.Fprintf(w, "notes\t%s\n", resp.Notes)
	}
	return w.Flush()
}

func init() {
	requestProcessCmd.Flags().IntVar(&requestWorkers, "workers", 1, "Concurrent delegated runs when draining the queue")
	requestProcessCmd.Flags().DurationVar(&requestTimeout, "timeout", 0, "Kill a serving phase after this duration (0 = no limit)")
	requestCmd.AddCommand(requestSubmitCmd)
	requestCmd.AddCommand(requestProcessCmd)
	rootCmd.AddCommand(requestCmd)
}
