package hotkey

import (
	"context"
	"sync/atomic"
	"time"
)

type Mode string

const (
	ModeHold Mode = "hold"
	ModeTap  Mode = "tap"
)

// StartEvent signals that a push-to-talk capture should begin.
type StartEvent struct {
	At time.Time
}

// StopEvent signals that the capture should end. Mode tells how the key was
// used: held and released, or tapped once to start and again to stop.
type StopEvent struct {
	Mode Mode
	Held time.Duration
}

// Hybrid drives push-to-talk from one key: a press starts capture at once,
// a long press stops on release, a short tap keeps capturing until the next
// press is released.
type Hybrid struct {
	startCh chan StartEvent
	stopCh  chan StopEvent
	toggle  atomic.Bool
}

// NewHybrid builds a Hybrid controller on top of an existing Hotkey.
// longPress is the hold duration that separates hold-to-talk from a tap.
func NewHybrid(ctx context.Context, hk Hotkey, longPress time.Duration) *Hybrid {
	h := &Hybrid{
		startCh: make(chan StartEvent, 1),
		stopCh:  make(chan StopEvent, 1),
	}
	go h.run(ctx, hk, longPress)
	return h
}

func (h *Hybrid) Start() <-chan StartEvent { return h.startCh }

func (h *Hybrid) Stop() <-chan StopEvent { return h.stopCh }

// IsToggle reports whether the current capture was started by a short tap.
func (h *Hybrid) IsToggle() bool { return h.toggle.Load() }

func (h *Hybrid) run(ctx context.Context, hk Hotkey, longPress time.Duration) {
	for {
		var pressedAt time.Time
		select {
		case <-ctx.Done():
			return
		case <-hk.Keydown():
			pressedAt = time.Now()
		}
		h.toggle.Store(false)
		h.emitStart(StartEvent{At: pressedAt})

		timer := time.NewTimer(longPress)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			select {
			case <-ctx.Done():
				return
			case <-hk.Keyup():
			}
			h.emitStop(StopEvent{Mode: ModeHold, Held: time.Since(pressedAt)})
		case <-hk.Keyup():
			timer.Stop()
			h.toggle.Store(true)
			// Tapped on: the next press+release stops.
			for _, ch := range []<-chan struct{}{hk.Keydown(), hk.Keyup()} {
				select {
				case <-ctx.Done():
					return
				case <-ch:
				}
			}
			h.emitStop(StopEvent{Mode: ModeTap, Held: time.Since(pressedAt)})
		}
	}
}

func (h *Hybrid) emitStart(ev StartEvent) {
	select {
	case h.startCh <- ev:
	default:
	}
}

func (h *Hybrid) emitStop(ev StopEvent) {
	select {
	case h.stopCh <- ev:
	default:
	}
}
