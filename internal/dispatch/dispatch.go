// Package dispatch screens privileged operations for phases running under a
// managed run. It is the policy core behind the hook command: the harness
// reports the operation it is about to perform, and the dispatcher answers
// allow or block.
//
// Gates run in a fixed order so outcomes are reproducible:
//
//  1. unmanaged contexts are waved through
//  2. the one-hop reentry guard (delegation ops inside an active dispatch
//     are allowed but terminal)
//  3. forwarding to a configured delegate dispatcher, once
//  4. the structured rule table for (pipeline, phase, category)
//  5. the single-read size threshold
//  6. the cumulative per-run read budget
//  7. default allow
//
// Exactly one dispatcher in a delegation chain decides and records each
// operation. Every decision inside a managed run is appended to the event
// ledger.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kurtbell87/master-kit/internal/budget"
	"github.com/kurtbell87/master-kit/internal/config"
	"github.com/kurtbell87/master-kit/internal/ledger"
	"github.com/kurtbell87/master-kit/internal/logging"
	"github.com/kurtbell87/master-kit/internal/rules"
)

// Gate identifies which check produced a decision.
type Gate string

const (
	GateUnmanaged  Gate = "unmanaged"
	GateReentry    Gate = "reentry"
	GateRules      Gate = "rules"
	GateReadLimit  Gate = "read_limit"
	GateReadBudget Gate = "read_budget"
	GateDefault    Gate = "default"
)

// Decision is the dispatcher's answer for one operation. Terminal means the
// allowed operation must not fan out into further delegation.
type Decision struct {
	Allow    bool
	Gate     Gate
	Reason   string
	Terminal bool
}

// ReentryToken records how many delegation hops a logical operation has
// already travelled. It is explicit data threaded through every dispatch
// call, never ambient process state, so the one-hop bound is checkable per
// call chain. The zero value means "not inside a dispatch".
type ReentryToken struct {
	Depth int
}

// Active reports whether the call is already inside a dispatch.
func (t ReentryToken) Active() bool {
	return t.Depth > 0
}

// Enter returns the token for one hop deeper.
func (t ReentryToken) Enter() ReentryToken {
	return ReentryToken{Depth: t.Depth + 1}
}

// CallContext describes one operation inside (or outside) a managed run.
// Zero RunID means the process is not under run management and nothing is
// enforced.
type CallContext struct {
	RunID    string
	RunRoot  string
	Pipeline string
	Phase    string
	Reentry  ReentryToken
	MustRead []string

	Tool      string
	Category  rules.Category
	Target    string
	SizeBytes int64
}

// Managed reports whether the context belongs to a managed run.
func (c CallContext) Managed() bool {
	return c.RunID != ""
}

// Validate checks the fields every gate depends on. A managed context
// missing them is a configuration bug, fatal for the run.
func (c CallContext) Validate() error {
	if !c.Managed() {
		return nil
	}
	switch {
	case c.Pipeline == "":
		return fmt.Errorf("%w: missing pipeline", ErrMalformedContext)
	case c.Phase == "":
		return fmt.Errorf("%w: missing phase", ErrMalformedContext)
	case c.Tool == "":
		return fmt.Errorf("%w: missing tool name", ErrMalformedContext)
	}
	return nil
}

// FromEnvironment reconstructs the call context the run manager exported
// plus the operation the harness is screening. Unparseable tool input
// degrades to an empty target rather than failing the hook.
func FromEnvironment() CallContext {
	ctx := CallContext{
		RunID:    os.Getenv(config.EnvRunID),
		RunRoot:  os.Getenv(config.EnvRunRoot),
		Pipeline: os.Getenv(config.EnvPipeline),
		Phase:    os.Getenv(config.EnvPhase),
		Tool:     os.Getenv(config.EnvToolName),
	}
	if truthy(os.Getenv(config.EnvDelegated)) {
		ctx.Reentry = ReentryToken{Depth: 1}
	}
	if v := os.Getenv(config.EnvMustRead); v != "" {
		for _, p := range filepath.SplitList(v) {
			if p != "" {
				ctx.MustRead = append(ctx.MustRead, p)
			}
		}
	}
	ctx.Category = rules.Classify(ctx.Tool)
	ctx.Target, ctx.SizeBytes = parseToolInput(ctx.Category, os.Getenv(config.EnvToolInput))
	return ctx
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// parseToolInput pulls the operation target out of the harness's JSON
// payload. Reads are stat'ed here so the size gates see the real file size.
func parseToolInput(cat rules.Category, raw string) (target string, size int64) {
	if raw == "" {
		return "", 0
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return "", 0
	}

	keys := []string{"file_path", "path", "notebook_path"}
	if cat == rules.CategoryExec {
		keys = []string{"command", "cmd", "script"}
	}
	for _, k := range keys {
		if s, ok := input[k].(string); ok && s != "" {
			target = s
			break
		}
	}

	if cat == rules.CategoryRead && target != "" {
		if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
			size = info.Size()
		}
	}
	return target, size
}

// Dispatcher evaluates call contexts against the rule table and read gates.
// A dispatcher may forward to one delegate dispatcher; the delegate's
// decision is returned verbatim and delegation is bounded to one hop.
type Dispatcher struct {
	cfg      *config.Config
	table    *rules.Table
	led      *ledger.Ledger
	delegate *Dispatcher
	log      zerolog.Logger
}

// New returns a dispatcher. led may be nil; decisions are then not recorded.
func New(cfg *config.Config, table *rules.Table, led *ledger.Ledger) *Dispatcher {
	return &Dispatcher{
		cfg:   cfg,
		table: table,
		led:   led,
		log:   logging.For("dispatch"),
	}
}

// WithDelegate wires a delegate dispatcher. Calls arriving with an inactive
// reentry token are forwarded to it instead of being evaluated locally.
func (d *Dispatcher) WithDelegate(delegate *Dispatcher) *Dispatcher {
	d.delegate = delegate
	return d
}

// WithLogger replaces the dispatcher's logger. Tests use it to observe
// trace markers.
func (d *Dispatcher) WithLogger(log zerolog.Logger) *Dispatcher {
	d.log = log
	return d
}

// Screen runs ctx through the gates and returns the first decision.
func (d *Dispatcher) Screen(ctx CallContext) Decision {
	if !ctx.Managed() {
		return Decision{Allow: true, Gate: GateUnmanaged}
	}

	// The entry marker is emitted once per logical operation, by the first
	// dispatcher in the chain. Forwarded calls arrive with an active token
	// and stay quiet.
	if !ctx.Reentry.Active() {
		d.log.Trace().
			Str("run_id", ctx.RunID).
			Str("pipeline", ctx.Pipeline).
			Str("phase", ctx.Phase).
			Str("tool", ctx.Tool).
			Str("category", string(ctx.Category)).
			Str("target", ctx.Target).
			Msg("entered dispatcher")
	}

	// A delegation op seen inside an active dispatch is the chain folding
	// back on itself. Allow it, but terminally: the delegated work may
	// proceed and may not fan out again.
	if ctx.Category == rules.CategoryDelegate && ctx.Reentry.Active() {
		d.record(ctx, ledger.KindOpAllowed, "terminal delegation, reentry token active")
		return Decision{Allow: true, Gate: GateReentry, Terminal: true}
	}

	if d.delegate != nil {
		if ctx.Reentry.Active() {
			// Forwarding again would be hop two. This dispatcher is both a
			// delegate and wired to delegate onward: a configuration bug.
			reason := ErrReentrancyViolation.Error()
			d.record(ctx, ledger.KindReentryViolation, reason)
			d.log.Error().Str("run_id", ctx.RunID).Str("tool", ctx.Tool).Msg(reason)
			return Decision{Gate: GateReentry, Reason: reason, Terminal: true}
		}
		d.log.Trace().
			Str("run_id", ctx.RunID).
			Str("pipeline", ctx.Pipeline).
			Msg("delegating")
		fwd := ctx
		fwd.Reentry = ctx.Reentry.Enter()
		return d.delegate.Screen(fwd)
	}

	if reason, blocked := d.table.Evaluate(ctx.Pipeline, ctx.Phase, ctx.Category, ctx.Target); blocked {
		d.record(ctx, ledger.KindOpBlocked, reason)
		return Decision{Gate: GateRules, Reason: reason}
	}

	if ctx.Category == rules.CategoryRead && ctx.Target != "" {
		if dec, blocked := d.screenRead(ctx); blocked {
			return dec
		}
	}

	d.record(ctx, ledger.KindOpAllowed, "")
	return Decision{Allow: true, Gate: GateDefault, Terminal: ctx.Reentry.Active()}
}

// screenRead applies the size threshold and then charges the run budget.
// Allowlisted reads bypass both.
func (d *Dispatcher) screenRead(ctx CallContext) (Decision, bool) {
	allowlist := d.allowlist(ctx)

	if !budget.Allowed(ctx.Target, ctx.SizeBytes, allowlist, d.cfg.MaxReadBytes) {
		reason := fmt.Sprintf("Read of large file %s: %d bytes exceeds limit %d",
			ctx.Target, ctx.SizeBytes, d.cfg.MaxReadBytes)
		d.record(ctx, ledger.KindOpBlocked, reason)
		return Decision{Gate: GateReadLimit, Reason: reason}, true
	}

	if budget.Allowlisted(ctx.Target, allowlist) {
		return Decision{}, false
	}

	tracker := budget.NewTracker(d.trackerPath(ctx), budget.Budget{
		MaxFiles:      d.cfg.ReadBudget.MaxFiles,
		MaxTotalBytes: d.cfg.ReadBudget.MaxTotalBytes,
	})
	if err := tracker.Charge(ctx.Target, ctx.SizeBytes); err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			reason := "Read budget exceeded: " + strings.TrimPrefix(err.Error(), budget.ErrBudgetExceeded.Error()+": ")
			d.record(ctx, ledger.KindOpBlocked, reason)
			return Decision{Gate: GateReadBudget, Reason: reason}, true
		}
		// A corrupt or unwritable state file must not brick the session.
		d.log.Warn().Err(err).Str("run_id", ctx.RunID).Msg("budget tracking degraded")
	}
	return Decision{}, false
}

// allowlist combines the global allowlist, the pipeline's safe reads, and
// the handoff files this phase was told to read.
func (d *Dispatcher) allowlist(ctx CallContext) []string {
	out := append([]string(nil), d.cfg.ReadBudget.AllowedPaths...)
	if p, ok := d.cfg.Pipeline(ctx.Pipeline); ok {
		out = append(out, p.SafeReads...)
	}
	out = append(out, ctx.MustRead...)
	return out
}

func (d *Dispatcher) trackerPath(ctx CallContext) string {
	root := ctx.RunRoot
	if root == "" {
		root = d.cfg.RunRoot
	}
	return filepath.Join(root, "runs", ctx.RunID, "budget-state.json")
}

// record appends a decision event. Ledger trouble is logged, not fatal; the
// hook must answer even when the ledger is unavailable.
func (d *Dispatcher) record(ctx CallContext, kind, detail string) {
	if d.led == nil {
		return
	}
	rec := ledger.EventRecord{
		RunID:  ctx.RunID,
		Kind:   kind,
		Phase:  ctx.Phase,
		Detail: detail,
	}
	if ctx.Target != "" {
		rec.Pointers = []string{ctx.Target}
	}
	if err := d.led.Append(rec); err != nil {
		d.log.Warn().Err(err).Str("kind", kind).Msg("ledger append failed")
	}
}
