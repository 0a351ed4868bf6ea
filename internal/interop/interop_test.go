package interop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kurtbell87/master-kit/internal/budget"
	"github.com/kurtbell87/master-kit/internal/ledger"
)

func newTestQueue(t *testing.T) (*Queue, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return NewQueue(filepath.Join(dir, "interop"), led), led
}

func testRequest(args ...string) *Request {
	return &Request{
		ParentRun:    "run-req",
		FromPipeline: "tdd",
		ToPipeline:   "research",
		Action:       "explore",
		Args:         args,
	}
}

func TestEnqueueAssignsIdentityAndPersists(t *testing.T) {
	q, led := newTestQueue(t)

	req := testRequest("what does the scheduler actually guarantee?")
	if err := q.Enqueue(req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if req.ID == "" || req.CreatedAt.IsZero() || req.SchemaVersion != SchemaVersion {
		t.Fatalf("identity not assigned: %+v", req)
	}

	back, err := q.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(back.Args) != 1 || back.Args[0] != req.Args[0] || back.ToPipeline != "research" {
		t.Fatalf("round trip drifted: %+v", back)
	}

	recs, err := led.All()
	if err != nil || len(recs) != 1 || recs[0].Kind != ledger.KindRequestEnqueued {
		t.Fatalf("ledger = %v, %v", recs, err)
	}
}

func TestEnqueueRejectsMalformed(t *testing.T) {
	q, _ := newTestQueue(t)

	bad := testRequest("q")
	bad.ToPipeline = ""
	if err := q.Enqueue(bad); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("err = %v, want ErrMalformedRequest", err)
	}

	bad = testRequest("q")
	bad.Action = "   "
	if err := q.Enqueue(bad); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("blank action err = %v, want ErrMalformedRequest", err)
	}

	bad = testRequest("q")
	bad.ReadBudget = &budget.Budget{MaxFiles: -1}
	if err := q.Enqueue(bad); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("negative budget err = %v, want ErrMalformedRequest", err)
	}
}

func TestPendingSortsOldestFirstAndSkipsCompleted(t *testing.T) {
	q, _ := newTestQueue(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		req := testRequest(fmt.Sprintf("q%d", i))
		req.ID = fmt.Sprintf("id-%d", i)
		req.CreatedAt = base.Add(time.Duration(2-i) * time.Minute)
		if err := q.Enqueue(req); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	// id-2 is the oldest; serve it so Pending must skip it.
	if err := q.Claim("id-2", "me"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Complete("id-2", &Response{Status: StatusOK}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "id-1" || pending[1].ID != "id-0" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestPendingEmptyQueue(t *testing.T) {
	q := NewQueue(filepath.Join(t.TempDir(), "interop"), nil)
	pending, err := q.Pending()
	if err != nil || len(pending) != 0 {
		t.Fatalf("Pending = %v, %v", pending, err)
	}
}

func TestClaimExactlyOneWinner(t *testing.T) {
	q, led := newTestQueue(t)
	req := testRequest("contended question")
	if err := q.Enqueue(req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	const claimants = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := q.Claim(req.ID, fmt.Sprintf("worker-%d", n))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyClaimed):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != claimants-1 {
		t.Fatalf("wins = %d, conflicts = %d", wins.Load(), conflicts.Load())
	}
	if owner := q.ClaimOwner(req.ID); owner == "" {
		t.Fatal("no claim owner recorded")
	}

	recs, err := led.All()
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	var claimed, conflicted int
	for _, r := range recs {
		switch r.Kind {
		case ledger.KindRequestClaimed:
			claimed++
		case ledger.KindClaimConflict:
			conflicted++
		}
	}
	if claimed != 1 || conflicted != claimants-1 {
		t.Fatalf("ledger claimed = %d, conflicts = %d", claimed, conflicted)
	}
}

func TestClaimLifecycleErrors(t *testing.T) {
	q, _ := newTestQueue(t)

	if err := q.Claim("nope", "me"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}

	req := testRequest("q")
	if err := q.Enqueue(req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Claim(req.ID, "me"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Complete(req.ID, &Response{Status: StatusOK}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Claim(req.ID, "late"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("post-completion claim err = %v, want ErrAlreadyCompleted", err)
	}
	if err := q.Complete(req.ID, &Response{Status: StatusOK}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("double completion err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestProcessOneServesOldest(t *testing.T) {
	q, _ := newTestQueue(t)

	older := testRequest("first")
	older.ID = "id-a"
	older.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := testRequest("second")
	newer.ID = "id-b"
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	for _, r := range []*Request{newer, older} {
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var servedID string
	c := NewConsumer(q, func(_ context.Context, req Request) (Outcome, error) {
		servedID = req.ID
		return Outcome{RunID: "child-1", CapsulePath: "runs/child-1/artifacts/capsule.md"}, nil
	}, "tester")

	resp, err := c.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if servedID != "id-a" {
		t.Fatalf("served %s, want the older id-a", servedID)
	}
	if resp.Status != StatusOK || resp.ChildRun != "child-1" || resp.CapsulePath == "" {
		t.Fatalf("response = %+v", resp)
	}

	got, err := q.Response("id-a")
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if got.Status != StatusOK {
		t.Fatalf("persisted status = %q", got.Status)
	}
}

func TestProcessByIDTargetsSpecificRequest(t *testing.T) {
	q, _ := newTestQueue(t)

	first := testRequest("first")
	first.ID = "id-a"
	second := testRequest("second")
	second.ID = "id-b"
	for _, r := range []*Request{first, second} {
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	c := NewConsumer(q, func(_ context.Context, req Request) (Outcome, error) {
		return Outcome{RunID: "child-" + req.ID}, nil
	}, "tester")

	resp, err := c.ProcessByID(context.Background(), "id-b")
	if err != nil {
		t.Fatalf("ProcessByID: %v", err)
	}
	if resp.RequestID != "id-b" || resp.ChildRun != "child-id-b" {
		t.Fatalf("response = %+v", resp)
	}

	// id-a is untouched and still claimable.
	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "id-a" {
		t.Fatalf("pending = %+v", pending)
	}

	if _, err := c.ProcessByID(context.Background(), "id-b"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("reprocessing completed request: err = %v", err)
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	c := NewConsumer(q, func(context.Context, Request) (Outcome, error) {
		t.Error("serve called on empty queue")
		return Outcome{}, nil
	}, "tester")

	resp, err := c.ProcessOne(context.Background())
	if err != nil || resp != nil {
		t.Fatalf("ProcessOne = %+v, %v, want nil, nil", resp, err)
	}
}

func TestProcessOneServiceFailureFilesFailedResponse(t *testing.T) {
	q, _ := newTestQueue(t)
	req := testRequest("q")
	if err := q.Enqueue(req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c := NewConsumer(q, func(context.Context, Request) (Outcome, error) {
		return Outcome{RunID: "child-9"}, errors.New("phase spawn failed")
	}, "tester")

	resp, err := c.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if resp.Status != StatusFailed || resp.Notes == "" || resp.ChildRun != "child-9" {
		t.Fatalf("response = %+v", resp)
	}

	// Terminal: the failed request is not claimable again.
	if again, err := c.ProcessOne(context.Background()); err != nil || again != nil {
		t.Fatalf("second ProcessOne = %+v, %v", again, err)
	}
}

func TestProcessOneBlockedOutcomeFilesBlockedResponse(t *testing.T) {
	q, _ := newTestQueue(t)
	req := testRequest("q")
	if err := q.Enqueue(req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c := NewConsumer(q, func(context.Context, Request) (Outcome, error) {
		return Outcome{
			RunID:   "child-3",
			Blocked: true,
			Notes:   "SURVEY phase is read-only",
		}, nil
	}, "tester")

	resp, err := c.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if resp.Status != StatusBlocked || resp.Notes == "" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestProcessAllServesEachRequestOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	const n = 9
	for i := 0; i < n; i++ {
		if err := q.Enqueue(testRequest(fmt.Sprintf("q%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var served sync.Map
	var total atomic.Int32
	c := NewConsumer(q, func(_ context.Context, req Request) (Outcome, error) {
		if _, loaded := served.LoadOrStore(req.ID, true); loaded {
			t.Errorf("request %s served twice", req.ID)
		}
		total.Add(1)
		return Outcome{RunID: "child-" + req.ID}, nil
	}, "tester")

	count, err := c.ProcessAll(context.Background(), 4)
	if err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if count != n || total.Load() != n {
		t.Fatalf("served %d (fn ran %d), want %d", count, total.Load(), n)
	}

	pending, err := q.Pending()
	if err != nil || len(pending) != 0 {
		t.Fatalf("queue not drained: %v, %v", pending, err)
	}
}

func TestTwoConsumersShareTheQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	const n = 6
	for i := 0; i < n; i++ {
		if err := q.Enqueue(testRequest(fmt.Sprintf("q%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var total atomic.Int32
	serve := func(context.Context, Request) (Outcome, error) {
		total.Add(1)
		return Outcome{}, nil
	}
	a := NewConsumer(q, serve, "consumer-a")
	b := NewConsumer(q, serve, "consumer-b")

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, c := range []*Consumer{a, b} {
		wg.Add(1)
		go func(i int, c *Consumer) {
			defer wg.Done()
			count, err := c.ProcessAll(context.Background(), 3)
			if err != nil {
				t.Errorf("ProcessAll: %v", err)
			}
			counts[i] = count
		}(i, c)
	}
	wg.Wait()

	if counts[0]+counts[1] != n || total.Load() != n {
		t.Fatalf("served %d + %d (fn ran %d), want %d total", counts[0], counts[1], total.Load(), n)
	}
}
