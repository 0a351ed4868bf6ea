// Package runmgr owns run lifecycles: it creates the per-run registry
// directory, exports the environment contract, spawns the phase command,
// and freezes the handoff artifacts (capsule and manifest) when the phase
// exits. Downstream phases and other pipelines consume those artifacts,
// never the raw transcript.
package runmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kurtbell87/master-kit/internal/capsule"
	"github.com/kurtbell87/master-kit/internal/config"
	"github.com/kurtbell87/master-kit/internal/ledger"
	"github.com/kurtbell87/master-kit/internal/logging"
	"github.com/kurtbell87/master-kit/internal/manifest"
)

// heartbeatInterval is how often a running phase refreshes heartbeat.txt.
const heartbeatInterval = 30 * time.Second

// rejectedCapsuleFile is where an invalid phase-written capsule file is
// moved before the manager freezes its own.
const rejectedCapsuleFile = "capsule.rejected.md"

// Manager coordinates runs against one run root and one ledger.
type Manager struct {
	cfg *config.Config
	led *ledger.Ledger
	log zerolog.Logger
}

// New returns a manager. led may be nil; events are then not recorded.
func New(cfg *config.Config, led *ledger.Ledger) *Manager {
	return &Manager{cfg: cfg, led: led, log: logging.For("runmgr")}
}

// RunSpec describes a run to start.
type RunSpec struct {
	Pipeline string
	Phase    string

	// Command is the phase process argv. Empty means the caller manages
	// the phase itself and will call Complete later.
	Command []string

	// Delegated marks a one-hop child run serving an interop request.
	Delegated bool
	ParentRun string

	// MustRead are handoff paths exported on the phase's must-read list;
	// reading them is never charged.
	MustRead []string

	// Timeout kills the phase process when exceeded. Zero means no limit.
	Timeout time.Duration

	// Echo mirrors phase output to this process's stdout and stderr in
	// addition to the run's output log.
	Echo bool
}

// Result is the outcome of an executed phase.
type Result struct {
	State        *RunState
	ExitCode     int
	Synthetic    bool
	CapsulePath  string
	ManifestPath string
	OutputLog    string

	// SpawnError is set when the phase process could not be started or
	// was killed before producing an exit status. The handoff artifacts
	// are synthesized so downstream work is degraded, not stalled.
	SpawnError string

	// CapsuleError is set when the phase emitted a capsule that failed
	// validation. The frozen capsule is a synthetic stand-in and the run
	// is failed: a broken handoff is surfaced, never papered over.
	CapsuleError string
}

// Start validates the spec, allocates a run id, creates the registry
// directory, and records the run as running.
func (m *Manager) Start(spec RunSpec) (*RunState, error) {
	pl, ok := m.cfg.Pipeline(spec.Pipeline)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, spec.Pipeline)
	}
	known := false
	for _, ph := range pl.Phases {
		if ph == spec.Phase {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s has no phase %q", ErrUnknownPhase, spec.Pipeline, spec.Phase)
	}

	runsDir := m.cfg.RunsDir()
	id, err := GenerateRunID(runsDir)
	if err != nil {
		return nil, err
	}

	state := &RunState{
		SchemaVersion: stateSchemaVersion,
		RunID:         id,
		Pipeline:      spec.Pipeline,
		Phase:         spec.Phase,
		Status:        StatusRunning,
		Delegated:     spec.Delegated,
		ParentRun:     spec.ParentRun,
		CreatedAt:     time.Now().UTC(),
	}

	runDir := state.RunDir(runsDir)
	for _, sub := range []string{"logs", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
	}
	if err := saveState(runsDir, state); err != nil {
		return nil, err
	}
	touchHeartbeat(runsDir, id)

	m.record(ledger.EventRecord{
		RunID:    id,
		Kind:     ledger.KindRunStarted,
		Phase:    spec.Phase,
		Detail:   spec.Pipeline + "/" + spec.Phase,
		Pointers: []string{runDir},
	})
	m.record(ledger.EventRecord{RunID: id, Kind: ledger.KindPhaseStarted, Phase: spec.Phase})

	m.log.Info().
		Str("run_id", id).
		Str("pipeline", spec.Pipeline).
		Str("phase", spec.Phase).
		Bool("delegated", spec.Delegated).
		Msg("run started")
	return state, nil
}

// Env returns the environment contract exported to the phase process.
func (m *Manager) Env(state *RunState, mustRead []string) []string {
	root := m.cfg.RunRoot
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	env := []string{
		config.EnvRunID + "=" + state.RunID,
		config.EnvRunRoot + "=" + root,
		config.EnvPipeline + "=" + state.Pipeline,
		config.EnvPhase + "=" + state.Phase,
		config.EnvMaxReadBytes + "=" + strconv.FormatInt(m.cfg.MaxReadBytes, 10),
	}
	if len(mustRead) > 0 {
		env = append(env, config.EnvMustRead+"="+strings.Join(mustRead, string(os.PathListSeparator)))
	}
	if state.Delegated {
		env = append(env, config.EnvDelegated+"=1")
	}
	return env
}

// Execute starts a run and drives the phase command to completion,
// freezing handoff artifacts whatever the outcome.
func (m *Manager) Execute(ctx context.Context, spec RunSpec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("execute: empty phase command")
	}

	state, err := m.Start(spec)
	if err != nil {
		return nil, err
	}

	runsDir := m.cfg.RunsDir()
	runDir := state.RunDir(runsDir)
	logPath := filepath.Join(runDir, "logs", outputLogFile)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output log: %w", err)
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), m.Env(state, spec.MustRead)...)
	if spec.Echo {
		cmd.Stdout = io.MultiWriter(logFile, os.Stdout)
		cmd.Stderr = io.MultiWriter(logFile, os.Stderr)
	} else {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				touchHeartbeat(runsDir, state.RunID)
			}
		}
	}()

	runErr := cmd.Run()
	close(stop)
	logFile.Close()

	exitCode := 0
	spawnError := ""
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
		if runCtx.Err() == context.DeadlineExceeded {
			spawnError = fmt.Sprintf("phase killed after %s timeout", spec.Timeout)
		}
	default:
		exitCode = -1
		spawnError = runErr.Error()
	}

	transcript := ""
	if data, err := os.ReadFile(logPath); err == nil {
		transcript = string(data)
	}

	return m.finish(state, exitCode, transcript, spawnError)
}

// Complete finishes a run that was started without a command, freezing
// artifacts from the given transcript.
func (m *Manager) Complete(runID string, exitCode int, transcript string) (*Result, error) {
	state, err := m.Load(runID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusRunning {
		return nil, fmt.Errorf("run %s is already %s", runID, state.Status)
	}
	return m.finish(state, exitCode, transcript, "")
}

// finish freezes the capsule, indexes the artifacts, records the terminal
// events, and persists the final state.
func (m *Manager) finish(state *RunState, exitCode int, transcript, spawnError string) (*Result, error) {
	runsDir := m.cfg.RunsDir()
	runDir := state.RunDir(runsDir)
	artifactsDir := filepath.Join(runDir, "artifacts")
	capsulePath := filepath.Join(artifactsDir, capsule.DefaultFilename)

	c, capErr := m.resolveCapsule(state, transcript, capsulePath, exitCode)
	if err := m.freezeCapsule(capsulePath, c); err != nil {
		return nil, err
	}

	pl, _ := m.cfg.Pipeline(state.Pipeline)
	man, err := manifest.Build(artifactsDir, pl.Artifacts, m.cfg.Manifest)
	if err != nil {
		return nil, fmt.Errorf("index artifacts: %w", err)
	}
	ec := exitCode
	man.RunID = state.RunID
	man.Pipeline = state.Pipeline
	man.Phase = state.Phase
	man.StartedAt = state.CreatedAt
	man.EndedAt = time.Now().UTC()
	man.ExitCode = &ec
	man.TruthPointers = pl.TruthPointers
	man.LogPointers = pl.LogPointers
	man.Capsule = &manifest.CapsuleRef{Path: capsule.DefaultFilename, Synthetic: c.Synthetic}

	manifestPath := filepath.Join(runDir, manifest.DefaultFilename)
	if err := manifest.Write(manifestPath, man); err != nil {
		return nil, err
	}
	m.record(ledger.EventRecord{
		RunID:    state.RunID,
		Kind:     ledger.KindPhaseFinished,
		Phase:    state.Phase,
		ExitCode: &ec,
		Pointers: []string{capsulePath, manifestPath},
	})

	// One event per indexed artifact; omissions are visible in the
	// manifest tallies, not the ledger.
	for _, a := range man.Artifacts {
		m.record(ledger.EventRecord{
			RunID:    state.RunID,
			Kind:     ledger.KindArtifactIndexed,
			Phase:    state.Phase,
			Detail:   fmt.Sprintf("%s %d bytes", a.Kind, a.Bytes),
			Pointers: []string{filepath.Join(artifactsDir, filepath.FromSlash(a.Path))},
		})
	}

	state.Status = StatusCompleted
	failDetail := ""
	switch {
	case spawnError != "":
		failDetail = spawnError
	case exitCode != 0:
		failDetail = fmt.Sprintf("phase exited with code %d", exitCode)
	case capErr != nil:
		failDetail = "capsule handoff failed: " + capErr.Error()
	}
	if failDetail != "" {
		state.Status = StatusFailed
		m.record(ledger.EventRecord{
			RunID:    state.RunID,
			Kind:     ledger.KindRunFailed,
			Phase:    state.Phase,
			ExitCode: &ec,
			Detail:   failDetail,
		})
	}
	state.ExitCode = &ec
	state.CapsulePath = filepath.Join("artifacts", capsule.DefaultFilename)
	state.ManifestPath = manifest.DefaultFilename
	if err := saveState(runsDir, state); err != nil {
		return nil, err
	}
	touchHeartbeat(runsDir, state.RunID)

	m.log.Info().
		Str("run_id", state.RunID).
		Str("status", state.Status).
		Int("exit_code", exitCode).
		Bool("synthetic_capsule", c.Synthetic).
		Msg("run finished")

	res := &Result{
		State:        state,
		ExitCode:     exitCode,
		Synthetic:    c.Synthetic,
		CapsulePath:  filepath.Join(runDir, "artifacts", capsule.DefaultFilename),
		ManifestPath: manifestPath,
		OutputLog:    filepath.Join(runDir, "logs", outputLogFile),
		SpawnError:   spawnError,
	}
	if capErr != nil {
		res.CapsuleError = capErr.Error()
	}
	return res, nil
}

// resolveCapsule picks the capsule to freeze: a valid block in the
// transcript wins, then a valid capsule file the phase wrote itself, then
// a synthetic stand-in. The returned format error is non-nil when the
// phase emitted a capsule that does not validate; the synthetic stand-in
// keeps the run inspectable, but the handoff has failed and the run must
// not finish completed. A phase that emitted nothing at all is the
// expected degraded path, not an error.
func (m *Manager) resolveCapsule(state *RunState, transcript, capsulePath string, exitCode int) (*capsule.Capsule, *capsule.FormatError) {
	c, err := capsule.Extract(transcript)
	if err == nil {
		return c, nil
	}

	fileCap, fileErr := capsule.ReadFile(capsulePath)
	if fileErr == nil {
		return fileCap, nil
	}

	var ferr *capsule.FormatError
	if !errors.As(err, &ferr) {
		errors.As(fileErr, &ferr)
	}
	if ferr != nil {
		m.record(ledger.EventRecord{
			RunID:  state.RunID,
			Kind:   ledger.KindCapsuleError,
			Phase:  state.Phase,
			Detail: ferr.Error(),
		})
		m.log.Warn().Err(ferr).Str("run_id", state.RunID).Msg("capsule invalid, handoff failed")
	} else {
		m.log.Debug().Str("run_id", state.RunID).Msg("no capsule emitted, synthesizing")
	}
	return capsule.Synthesize(state.Phase, exitCode, capsule.LastLine(transcript)), ferr
}

// freezeCapsule writes the capsule file once. A pre-existing invalid file
// is set aside, never silently overwritten.
func (m *Manager) freezeCapsule(path string, c *capsule.Capsule) error {
	err := capsule.WriteFile(path, c)
	if err == nil {
		return nil
	}
	if !errors.Is(err, capsule.ErrCapsuleExists) {
		return err
	}
	if _, readErr := capsule.ReadFile(path); readErr == nil {
		// The phase wrote a valid capsule file itself; it is already frozen.
		return nil
	}
	rejected := filepath.Join(filepath.Dir(path), rejectedCapsuleFile)
	if renameErr := os.Rename(path, rejected); renameErr != nil {
		return fmt.Errorf("set aside invalid capsule: %w", renameErr)
	}
	return capsule.WriteFile(path, c)
}

// Load returns the state of one run.
func (m *Manager) Load(runID string) (*RunState, error) {
	return loadState(m.cfg.RunsDir(), runID)
}

// List returns all runs, newest first.
func (m *Manager) List() ([]RunState, error) {
	return listStates(m.cfg.RunsDir())
}

// Latest returns the most recently created run.
func (m *Manager) Latest() (*RunState, error) {
	states, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrRunNotFound
	}
	return &states[0], nil
}

// Heartbeat returns the run's last recorded liveness time.
func (m *Manager) Heartbeat(runID string) time.Time {
	return readHeartbeat(m.cfg.RunsDir(), runID)
}

func (m *Manager) record(rec ledger.EventRecord) {
	if m.led == nil {
		return
	}
	if err := m.led.Append(rec); err != nil {
		m.log.Warn().Err(err).Str("kind", rec.Kind).Msg("ledger append failed")
	}
}
