package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// trackerSchemaVersion guards against silently reading a future state layout.
const trackerSchemaVersion = 1

// state is the persisted consumption record for one run.
type state struct {
	SchemaVersion int              `json:"schema_version"`
	Files         map[string]int64 `json:"files"`
	TotalBytes    int64            `json:"total_bytes"`
}

// Tracker accumulates read-budget consumption for one run. Hook invocations
// are short-lived processes, so the state lives in a JSON file inside the
// run's storage; the mutex covers concurrent dispatches within one process.
type Tracker struct {
	budget    Budget
	statePath string

	mu sync.Mutex
}

// NewTracker creates a tracker persisting to statePath. The file is created
// lazily on the first charge.
func NewTracker(statePath string, b Budget) *Tracker {
	return &Tracker{budget: b, statePath: statePath}
}

// Charge records a non-allowlisted read of path with the given size.
// Re-reading an already-counted file is free. Returns ErrBudgetExceeded when
// counting the file would exceed either cap; the read must then be blocked
// and the state is left unchanged.
func (t *Tracker) Charge(path string, size int64) error {
	if t.budget.Unlimited() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.load()
	if err != nil {
		return err
	}

	clean := filepath.Clean(path)
	if _, seen := st.Files[clean]; seen {
		return nil
	}

	if t.budget.MaxFiles > 0 && len(st.Files)+1 > t.budget.MaxFiles {
		return fmt.Errorf("%w: %d unique files already read (max %d)",
			ErrBudgetExceeded, len(st.Files), t.budget.MaxFiles)
	}
	if t.budget.MaxTotalBytes > 0 && st.TotalBytes+size > t.budget.MaxTotalBytes {
		return fmt.Errorf("%w: %d bytes already read, %d more would exceed max %d",
			ErrBudgetExceeded, st.TotalBytes, size, t.budget.MaxTotalBytes)
	}

	st.Files[clean] = size
	st.TotalBytes += size
	return t.save(st)
}

// Consumed returns the current unique-file count and byte total.
func (t *Tracker) Consumed() (files int, bytes int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.load()
	if err != nil {
		return 0, 0, err
	}
	return len(st.Files), st.TotalBytes, nil
}

func (t *Tracker) load() (*state, error) {
	data, err := os.ReadFile(t.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return &state{SchemaVersion: trackerSchemaVersion, Files: make(map[string]int64)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read budget state: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if st.Files == nil {
		st.Files = make(map[string]int64)
	}
	return &st, nil
}

// save writes the state with the tmp+rename pattern so a concurrent reader
// never observes a partial file.
func (t *Tracker) save(st *state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal budget state: %w", err)
	}

	dir := filepath.Dir(t.statePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".budget-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create tmp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tmp: %w", err)
	}

	if err := os.Rename(tmpPath, t.statePath); err != nil {
		return fmt.Errorf("rename tmp: %w", err)
	}
	cleanup = false
	return nil
}
