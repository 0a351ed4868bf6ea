package runmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// stateSchemaVersion is stamped into run.json.
const stateSchemaVersion = 1

// Registry file names inside a run directory.
const (
	stateFile     = "run.json"
	heartbeatFile = "heartbeat.txt"
	outputLogFile = "output.log"
)

// RunState is the durable record of one run, persisted to
// <run_root>/runs/<run_id>/run.json on every transition.
type RunState struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id"`
	Pipeline      string    `json:"pipeline"`
	Phase         string    `json:"phase"`
	Status        string    `json:"status"`
	Delegated     bool      `json:"delegated,omitempty"`
	ParentRun     string    `json:"parent_run,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	CapsulePath   string    `json:"capsule_path,omitempty"`
	ManifestPath  string    `json:"manifest_path,omitempty"`
}

// RunDir returns the run's registry directory under runsDir.
func (s *RunState) RunDir(runsDir string) string {
	return filepath.Join(runsDir, s.RunID)
}

// saveState writes run.json atomically so status readers never observe a
// partial record.
func saveState(runsDir string, s *RunState) error {
	s.UpdatedAt = time.Now().UTC()

	dir := s.RunDir(runsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".run-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create tmp file: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tmp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync tmp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tmp state: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, stateFile)); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	keep = true
	return nil
}

// loadState reads one run's run.json.
func loadState(runsDir, runID string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(runsDir, runID, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode run state %s: %w", runID, err)
	}
	return &s, nil
}

// listStates loads every readable run record under runsDir, newest first.
// Unreadable entries are skipped; a broken run must not hide the others.
func listStates(runsDir string) ([]RunState, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var out []RunState
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := loadState(runsDir, e.Name())
		if err != nil {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	return out, nil
}

// touchHeartbeat records liveness. Best effort: a failed heartbeat must
// never take down the run it is reporting on.
func touchHeartbeat(runsDir, runID string) {
	dir := filepath.Join(runsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339) + "\n"
	_ = os.WriteFile(filepath.Join(dir, heartbeatFile), []byte(ts), 0o644)
}

// readHeartbeat returns the last recorded liveness time, zero when missing
// or malformed.
func readHeartbeat(runsDir, runID string) time.Time {
	data, err := os.ReadFile(filepath.Join(runsDir, runID, heartbeatFile))
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}
	}
	return ts
}
