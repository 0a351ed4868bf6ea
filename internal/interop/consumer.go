package interop

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/kurtbell87/master-kit/internal/logging"
	"github.com/kurtbell87/master-kit/internal/worker"
)

// Outcome is what serving a request produced: the delegated run, its
// handoff artifacts, and any requested deliverables that materialized.
// Blocked marks a run that policy stopped, as opposed to one that broke.
type Outcome struct {
	RunID        string
	CapsulePath  string
	ManifestPath string
	Deliverables []string
	Blocked      bool
	Notes        string
}

// ProcessFunc serves one claimed request, normally by executing a bounded
// delegated run of the requested pipeline phase. An error turns into a
// failed response; it does not unclaim the request.
type ProcessFunc func(ctx context.Context, req Request) (Outcome, error)

// Consumer drains a queue. Multiple consumers may run against the same
// queue concurrently; the claim step keeps them from colliding.
type Consumer struct {
	queue *Queue
	serve ProcessFunc
	owner string
	log   zerolog.Logger
}

// NewConsumer returns a consumer identified by owner in claim files. An
// empty owner defaults to host-pid.
func NewConsumer(q *Queue, serve ProcessFunc, owner string) *Consumer {
	if owner == "" {
		owner = defaultOwner()
	}
	return &Consumer{queue: q, serve: serve, owner: owner, log: logging.For("interop")}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Owner returns the identity written into claim files.
func (c *Consumer) Owner() string {
	return c.owner
}

// ProcessOne claims and serves the oldest claimable request. Returns the
// filed response, or nil when nothing was claimable.
func (c *Consumer) ProcessOne(ctx context.Context) (*Response, error) {
	pending, err := c.queue.Pending()
	if err != nil {
		return nil, err
	}
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := c.queue.Claim(req.ID, c.owner)
		if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrAlreadyCompleted) {
			continue
		}
		if err != nil {
			return nil, err
		}

		resp := c.serveClaimed(ctx, req)
		if err := c.queue.Complete(req.ID, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}
	return nil, nil
}

// ProcessByID claims and serves one specific request.
func (c *Consumer) ProcessByID(ctx context.Context, id string) (*Response, error) {
	req, err := c.queue.Get(id)
	if err != nil {
		return nil, err
	}
	if err := c.queue.Claim(id, c.owner); err != nil {
		return nil, err
	}
	resp := c.serveClaimed(ctx, *req)
	if err := c.queue.Complete(id, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ProcessAll drains every claimable request, fanning out across up to
// workers goroutines. Returns how many requests this consumer served.
func (c *Consumer) ProcessAll(ctx context.Context, workers int) (int, error) {
	pending, err := c.queue.Pending()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byID := make(map[string]Request, len(pending))
	ids := make([]string, 0, len(pending))
	for _, req := range pending {
		byID[req.ID] = req
		ids = append(ids, req.ID)
	}

	pool := worker.NewPool[*Response](workers)
	results := pool.Process(ctx, ids, func(ctx context.Context, id string) (*Response, error) {
		err := c.queue.Claim(id, c.owner)
		if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrAlreadyCompleted) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		resp := c.serveClaimed(ctx, byID[id])
		if err := c.queue.Complete(id, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})

	served := 0
	var firstErr error
	for _, r := range results {
		if r.Err != nil && firstErr == nil {
			firstErr = r.Err
		}
		if r.Value != nil {
			served++
		}
	}
	return served, firstErr
}

// serveClaimed runs the process func and shapes its outcome into a
// response. Any terminal status ends the request; nothing is unclaimed.
func (c *Consumer) serveClaimed(ctx context.Context, req Request) *Response {
	out, err := c.serve(ctx, req)
	if err != nil {
		c.log.Error().Err(err).Str("id", req.ID).Msg("request service failed")
		notes := err.Error()
		if out.Notes != "" {
			notes = out.Notes + ": " + notes
		}
		return &Response{
			RequestID:    req.ID,
			ChildRun:     out.RunID,
			Status:       StatusFailed,
			CapsulePath:  out.CapsulePath,
			ManifestPath: out.ManifestPath,
			Notes:        notes,
		}
	}
	status := StatusOK
	if out.Blocked {
		status = StatusBlocked
	}
	return &Response{
		RequestID:    req.ID,
		ChildRun:     out.RunID,
		Status:       status,
		CapsulePath:  out.CapsulePath,
		ManifestPath: out.ManifestPath,
		Deliverables: out.Deliverables,
		Notes:        out.Notes,
	}
}
