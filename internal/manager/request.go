package manager

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/newsreap/newsreap/internal/nntp"
)

// Action is one connection method bound with its arguments, run by the
// worker that picks the request up.
type Action func(ctx context.Context, c *nntp.Connection) (any, error)

// Result is the outcome of one action.
type Result struct {
	Value any
	Err   error
}

// Request is a unit of work for the pool: a list of actions executed
// sequentially against one Connection, a completion event, and the results.
type Request struct {
	ID string

	actions []Action

	mu        sync.Mutex
	responses []Result
	cancelled bool

	done     chan struct{}
	doneOnce sync.Once

	Created  time.Time
	Started  time.Time
	Finished time.Time
}

// NewRequest builds a request over the given actions.
func NewRequest(actions ...Action) *Request {
	return &Request{
		ID:      ksuid.New().String(),
		actions: actions,
		done:    make(chan struct{}),
		Created: time.Now(),
	}
}

// Done is closed once the request finished, was cancelled, or was drained
// at shutdown.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until completion or context cancellation.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Cancel marks the request cancelled. A worker that has not started it yet
// skips it; a worker mid-execution finishes the NNTP command but discards
// the result.
func (r *Request) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.finish()
}

func (r *Request) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Responses returns the recorded results. Empty for cancelled or drained
// requests.
func (r *Request) Responses() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.responses...)
}

// Err returns the first action error, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.responses {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

func (r *Request) record(res Result) {
	r.mu.Lock()
	r.responses = append(r.responses, res)
	r.mu.Unlock()
}

func (r *Request) discard() {
	r.mu.Lock()
	r.responses = nil
	r.mu.Unlock()
}

func (r *Request) finish() {
	r.doneOnce.Do(func() {
		r.Finished = time.Now()
		close(r.done)
	})
}
