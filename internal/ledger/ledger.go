// Package ledger provides the append-only event ledger shared by every
// component of a run. Events are JSON Lines records; each append is a
// single O_APPEND write so concurrent writers interleave whole records,
// never partial ones.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds recorded over a run's lifetime.
const (
	KindRunStarted       = "run_started"
	KindPhaseStarted     = "phase_started"
	KindPhaseFinished    = "phase_finished"
	KindArtifactIndexed  = "artifact_indexed"
	KindOpAllowed        = "op_allowed"
	KindOpBlocked        = "op_blocked"
	KindReentryViolation = "reentry_violation"
	KindCapsuleError     = "capsule_error"
	KindRequestEnqueued  = "request_enqueued"
	KindRequestClaimed   = "request_claimed"
	KindRequestCompleted = "request_completed"
	KindClaimConflict    = "claim_conflict"
	KindRunFailed        = "run_failed"
)

// EventRecord is one ledger line. Consumers treat unknown kinds and extra
// fields as forward-compatible noise.
type EventRecord struct {
	TS       time.Time `json:"ts"`
	RunID    string    `json:"run_id"`
	Kind     string    `json:"event_kind"`
	Phase    string    `json:"phase,omitempty"`
	Pointers []string  `json:"pointers,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Ledger appends to and scans one events.jsonl file. The mutex serializes
// in-process writers; O_APPEND serializes across processes.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// Open returns a ledger backed by path, creating parent directories as
// needed. The file itself is created lazily on first append.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{path: path}, nil
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one record as a single line. A zero timestamp is stamped
// with the current UTC time. The write happens in one syscall and is
// fsynced before returning.
func (l *Ledger) Append(rec EventRecord) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}

// Scan reads the ledger oldest-first and calls fn for each decodable
// record. Malformed lines are skipped, a torn trailing line must not hide
// the history before it. fn returning false stops the scan early.
func (l *Ledger) Scan(fn func(EventRecord) bool) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec EventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}
	return nil
}

// All returns every decodable record oldest-first.
func (l *Ledger) All() ([]EventRecord, error) {
	var out []EventRecord
	err := l.Scan(func(rec EventRecord) bool {
		out = append(out, rec)
		return true
	})
	return out, err
}

// ForRun returns the records belonging to one run, oldest-first.
func (l *Ledger) ForRun(runID string) ([]EventRecord, error) {
	var out []EventRecord
	err := l.Scan(func(rec EventRecord) bool {
		if rec.RunID == runID {
			out = append(out, rec)
		}
		return true
	})
	return out, err
}
