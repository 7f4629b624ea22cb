package purgectl

import (
	"time"

	"github.com/google/uuid"
)

// Request is one network invalidation. Coalesced callers share a Request.
type Request struct {
	ID       uuid.UUID
	Target   Target
	IssuedAt time.Time
}

func newRequest(t Target) Request {
	return Request{ID: uuid.New(), Target: t, IssuedAt: time.Now().UTC()}
}

// Result is the outcome of a purge. Err is nil on success; otherwise Reason
// carries the short failure reason ("network", "proxy rejected: 403",
// "server error: 503", ...).
type Result struct {
	Target    string
	RequestID uuid.UUID
	Err       error
	Reason    string
	Status    int
	Attempts  int

	// Shared is set when the caller attached to a purge already in flight.
	Shared bool

	IssuedAt time.Time
	Duration time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

func failure(target string, err error) Result {
	return Result{Target: target, Err: err, Reason: reasonFor(err)}
}
