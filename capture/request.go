package capture

import (
	"context"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusEmpty     Status = "empty"
	StatusOffline   Status = "offline"
	StatusCancelled Status = "cancelled"
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
)

// Result is how a push-to-talk capture ended.
type Result struct {
	CaptureID  string
	Transcript string
	Status     Status
	Err        error
}

// Request is the handle for one push-to-talk capture. Exactly one of end,
// cancel or timeout resolves it; later attempts are ignored.
type Request struct {
	ID               string
	StartedAt        time.Time
	ResumeContinuous bool
	// AutoStop ends the capture on endpoint silence.
	AutoStop bool

	once   sync.Once
	done   chan struct{}
	result Result
}

func newRequest(id string, now time.Time, resume bool) *Request {
	return &Request{ID: id, StartedAt: now, ResumeContinuous: resume, done: make(chan struct{})}
}

// Resolve records the outcome. It reports false if the request was already
// resolved.
func (r *Request) Resolve(res Result) bool {
	resolved := false
	r.once.Do(func() {
		res.CaptureID = r.ID
		r.result = res
		close(r.done)
		resolved = true
	})
	return resolved
}

func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the outcome; valid once Done is closed.
func (r *Request) Result() Result {
	<-r.done
	return r.result
}

func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
