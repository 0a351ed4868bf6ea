package interop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kurtbell87/master-kit/internal/ledger"
	"github.com/kurtbell87/master-kit/internal/logging"
)

// Queue state lives in three sibling directories. A request's lifecycle is
// visible from which files exist for its id:
//
//	requests/<id>.json              filed
//	claims/<id>.claim               taken by a consumer
//	responses/<id>.json             served (terminal)
type Queue struct {
	dir string
	led *ledger.Ledger
	log zerolog.Logger
}

// NewQueue returns a queue rooted at dir. led may be nil to skip event
// recording.
func NewQueue(dir string, led *ledger.Ledger) *Queue {
	return &Queue{dir: dir, led: led, log: logging.For("interop")}
}

func (q *Queue) requestsDir() string  { return filepath.Join(q.dir, "requests") }
func (q *Queue) claimsDir() string    { return filepath.Join(q.dir, "claims") }
func (q *Queue) responsesDir() string { return filepath.Join(q.dir, "responses") }

func (q *Queue) requestPath(id string) string  { return filepath.Join(q.requestsDir(), id+".json") }
func (q *Queue) claimPath(id string) string    { return filepath.Join(q.claimsDir(), id+".claim") }
func (q *Queue) responsePath(id string) string { return filepath.Join(q.responsesDir(), id+".json") }

// Enqueue validates and files a request. A missing id is assigned; a
// missing creation time is stamped. The file appears atomically, consumers
// never see a half-written request.
func (q *Queue) Enqueue(req *Request) error {
	if req.SchemaVersion == 0 {
		req.SchemaVersion = SchemaVersion
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(q.requestsDir(), 0o700); err != nil {
		return fmt.Errorf("create requests dir: %w", err)
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(q.requestsDir(), ".request-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp request: %w", err)
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
		return fmt.Errorf("write request: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync request: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close request: %w", err)
	}
	if err := os.Rename(tmpName, q.requestPath(req.ID)); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	keep = true

	q.record(ledger.KindRequestEnqueued, req.ParentRun, fmt.Sprintf("%s for %s/%s", req.ID, req.ToPipeline, req.Action))
	q.log.Info().Str("id", req.ID).Str("to_pipeline", req.ToPipeline).Str("action", req.Action).Msg("request enqueued")
	return nil
}

// Get loads one request by id.
func (q *Queue) Get(id string) (*Request, error) {
	data, err := os.ReadFile(q.requestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRequest, id, err)
	}
	return &req, nil
}

// Response loads the response for id, ErrNotFound when it has none yet.
func (q *Queue) Response(id string) (*Response, error) {
	data, err := os.ReadFile(q.responsePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no response for %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response %s: %w", id, err)
	}
	return &resp, nil
}

// Pending lists unserved requests, oldest first. Claimed-but-unserved
// requests are included; callers that want only claimable work race on
// Claim anyway, so filtering here would buy nothing.
func (q *Queue) Pending() ([]Request, error) {
	entries, err := os.ReadDir(q.requestsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list requests: %w", err)
	}

	var out []Request
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := os.Stat(q.responsePath(id)); err == nil {
			continue
		}
		req, err := q.Get(id)
		if err != nil {
			q.log.Warn().Err(err).Str("id", id).Msg("skipping unreadable request")
			continue
		}
		out = append(out, *req)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Claim atomically takes the request for owner. Exactly one claimant wins;
// the rest get ErrAlreadyClaimed. The claim file is the lock, its exclusive
// creation decides the race.
func (q *Queue) Claim(id, owner string) error {
	req, err := q.Get(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(q.responsePath(id)); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	if err := os.MkdirAll(q.claimsDir(), 0o700); err != nil {
		return fmt.Errorf("create claims dir: %w", err)
	}

	f, err := os.OpenFile(q.claimPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			q.record(ledger.KindClaimConflict, req.ParentRun, fmt.Sprintf("%s contended by %s", id, owner))
			return fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
		}
		return fmt.Errorf("create claim: %w", err)
	}

	data, err := json.Marshal(claim{RequestID: id, Owner: owner, ClaimedAt: time.Now().UTC()})
	if err != nil {
		f.Close()
		return fmt.Errorf("marshal claim: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write claim: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync claim: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close claim: %w", err)
	}

	q.record(ledger.KindRequestClaimed, req.ParentRun, fmt.Sprintf("%s by %s", id, owner))
	q.log.Debug().Str("id", id).Str("owner", owner).Msg("request claimed")
	return nil
}

// ClaimOwner reports who holds the claim on id, "" when unclaimed.
func (q *Queue) ClaimOwner(id string) string {
	data, err := os.ReadFile(q.claimPath(id))
	if err != nil {
		return ""
	}
	var c claim
	if err := json.Unmarshal(data, &c); err != nil {
		return ""
	}
	return c.Owner
}

// Complete files the response for id. Responses are terminal and
// write-once; a second completion gets ErrAlreadyCompleted.
func (q *Queue) Complete(id string, resp *Response) error {
	if resp.SchemaVersion == 0 {
		resp.SchemaVersion = SchemaVersion
	}
	resp.RequestID = id
	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = time.Now().UTC()
	}

	req, err := q.Get(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(q.responsesDir(), 0o700); err != nil {
		return fmt.Errorf("create responses dir: %w", err)
	}

	f, err := os.OpenFile(q.responsePath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
		}
		return fmt.Errorf("create response: %w", err)
	}
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		f.Close()
		return fmt.Errorf("marshal response: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write response: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync response: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close response: %w", err)
	}

	detail := fmt.Sprintf("%s %s", id, resp.Status)
	if resp.ChildRun != "" {
		detail = fmt.Sprintf("%s %s, served by run %s", id, resp.Status, resp.ChildRun)
	}
	q.record(ledger.KindRequestCompleted, req.ParentRun, detail, resp.CapsulePath, resp.ManifestPath)
	q.log.Info().Str("id", id).Str("status", resp.Status).Str("run_id", resp.ChildRun).Msg("request completed")
	return nil
}

func (q *Queue) record(kind, runID, detail string, pointers ...string) {
	if q.led == nil {
		return
	}
	rec := ledger.EventRecord{RunID: runID, Kind: kind, Detail: detail}
	for _, p := range pointers {
		if p != "" {
			rec.Pointers = append(rec.Pointers, p)
		}
	}
	if err := q.led.Append(rec); err != nil {
		q.log.Warn().Err(err).Str("kind", kind).Msg("ledger append failed")
	}
}
