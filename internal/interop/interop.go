// Package interop implements the cross-pipeline request queue. A running
// pipeline that needs another pipeline's competence files a request; an
// idle consumer claims it, serves it with a bounded delegated run, and
// files a response next to the request. Claims are handed out atomically,
// so any number of consumers can drain the same queue without double
// service.
package interop

import (
	"fmt"
	"strings"
	"time"

	"github.com/kurtbell87/master-kit/internal/budget"
)

// SchemaVersion is stamped into requests and responses this build writes.
const SchemaVersion = 1

// Response statuses. Blocked means policy stopped the delegated run and the
// requester should rephrase, not retry; failed means the run itself broke.
const (
	StatusOK      = "ok"
	StatusBlocked = "blocked"
	StatusFailed  = "failed"
)

// Request asks another pipeline to execute one phase on the requester's
// behalf. The serving run starts from a bounded context: this request, the
// Inputs pointers (normally the parent's capsule and manifest), and the
// MustRead allowlist. Nothing else crosses the pipeline boundary.
type Request struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"request_id"`
	FromPipeline  string `json:"from_pipeline,omitempty"`
	ToPipeline    string `json:"to_pipeline"`

	// Action is the target pipeline phase to execute; Args is the phase
	// command argv, consumer defaults apply when empty.
	Action string   `json:"action"`
	Args   []string `json:"args,omitempty"`

	// ParentRun identifies the run that filed the request.
	ParentRun string `json:"parent_run_id,omitempty"`

	// Inputs are handoff pointers the serving phase starts from, by path.
	Inputs []string `json:"inputs,omitempty"`

	// MustRead paths land on the serving run's allowlist; reading them is
	// never charged against its budget.
	MustRead []string `json:"must_read,omitempty"`

	// ReadBudget overrides the serving run's consumption caps.
	ReadBudget *budget.Budget `json:"read_budget,omitempty"`

	// DeliverablesExpected names artifact paths the requester wants back.
	DeliverablesExpected []string `json:"deliverables_expected,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields every consumer depends on.
func (r *Request) Validate() error {
	if r.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema_version %d, want %d", ErrMalformedRequest, r.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(r.ToPipeline) == "" {
		return fmt.Errorf("%w: missing to_pipeline", ErrMalformedRequest)
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("%w: missing action", ErrMalformedRequest)
	}
	if b := r.ReadBudget; b != nil && (b.MaxFiles < 0 || b.MaxTotalBytes < 0) {
		return fmt.Errorf("%w: negative read_budget", ErrMalformedRequest)
	}
	return nil
}

// Response records how a request was served. CapsulePath and ManifestPath
// point at the delegated child run's handoff artifacts; the requester reads
// those, never the child's transcript.
type Response struct {
	SchemaVersion int      `json:"schema_version"`
	RequestID     string   `json:"request_id"`
	Status        string   `json:"status"`
	ChildRun      string   `json:"child_run_id,omitempty"`
	CapsulePath   string   `json:"capsule_path,omitempty"`
	ManifestPath  string   `json:"manifest_path,omitempty"`
	Deliverables  []string `json:"deliverables,omitempty"`

	// Notes carries the block reason or failure detail; exit codes alone
	// do not distinguish "blocked by policy" from "phase broke".
	Notes string `json:"notes,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// claim marks a request as taken by one consumer. The file's O_EXCL
// creation is the atomic handout.
type claim struct {
	RequestID string    `json:"request_id"`
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
}
