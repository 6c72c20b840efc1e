package speech

import (
	"context"
	"strings"
	"sync"

	"talkmode/log"
)

// Queue speaks requests strictly in order, one at a time. Interrupt stops
// the current item and drops everything still waiting. Each item is bound to
// the context it was enqueued with: once that ends the item is skipped, or
// stopped if it is already playing.
type Queue struct {
	sp Speaker

	// OnStart and OnDone run on the consumer goroutine around each item.
	OnStart func(req Request)
	OnDone  func(req Request, res Result, err error)

	mu      sync.Mutex
	pending []item
	cancel  context.CancelFunc
	active  bool
	idle    chan struct{} // closed while nothing is pending or playing
	wake    chan struct{}
}

type item struct {
	ctx context.Context
	req Request
}

func NewQueue(sp Speaker) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{sp: sp, idle: idle, wake: make(chan struct{}, 1)}
}

// Enqueue adds req behind anything already waiting. Blank text and requests
// whose ctx has already ended are ignored.
func (q *Queue) Enqueue(ctx context.Context, req Request) {
	if strings.TrimSpace(req.Text) == "" || ctx.Err() != nil {
		return
	}
	q.mu.Lock()
	if !q.active {
		q.active = true
		q.idle = make(chan struct{})
	}
	q.pending = append(q.pending, item{ctx: ctx, req: req})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Interrupt cancels playback and clears queued items. It reports whether
// anything was playing or waiting.
func (q *Queue) Interrupt() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	had := q.active
	q.pending = nil
	if q.cancel != nil {
		q.cancel()
	}
	return had
}

// Busy reports whether an item is playing or waiting.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Wait blocks until the queue is drained or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.Interrupt()
			return
		case <-q.wake:
		}
		for q.next(ctx) {
		}
	}
}

func (q *Queue) next(ctx context.Context) bool {
	q.mu.Lock()
	for len(q.pending) > 0 && q.pending[0].ctx.Err() != nil {
		q.pending = q.pending[1:]
	}
	if len(q.pending) == 0 {
		if q.active {
			q.active = false
			close(q.idle)
		}
		q.mu.Unlock()
		return false
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	itemCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(it.ctx, cancel)
	q.cancel = cancel
	q.mu.Unlock()

	req := it.req
	if q.OnStart != nil {
		q.OnStart(req)
	}
	res, err := q.sp.Speak(itemCtx, req)
	stop()
	cancel()
	if err != nil {
		log.Warnf("speech failed: %v", err)
	}
	q.mu.Lock()
	q.cancel = nil
	q.mu.Unlock()
	if q.OnDone != nil {
		q.OnDone(req, res, err)
	}
	return true
}
