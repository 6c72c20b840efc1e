package gateway

import "sync"

// DefaultLogSize is how many recent events a new subscriber can catch up on.
const DefaultLogSize = 200

const subscriptionBuffer = 256

// EventLog keeps the newest events in a ring and fans new ones out to
// subscribers. A subscriber first receives the buffered events matching its
// filter, then live ones, so a listener attached just after a run was
// submitted still sees that run's early events.
type EventLog struct {
	mu   sync.Mutex
	ring []ChatEvent
	next int
	full bool
	subs map[*Subscription]struct{}
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &EventLog{
		ring: make([]ChatEvent, size),
		subs: make(map[*Subscription]struct{}),
	}
}

type Subscription struct {
	C <-chan ChatEvent

	ch     chan ChatEvent
	filter func(ChatEvent) bool
	log    *EventLog
	once   sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.log.mu.Lock()
		delete(s.log.subs, s)
		close(s.ch)
		s.log.mu.Unlock()
	})
}

func (l *EventLog) Publish(ev ChatEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	for s := range l.subs {
		if s.filter == nil || s.filter(ev) {
			s.deliver(ev)
		}
	}
}

// deliver never blocks the publisher. A subscriber that falls a whole buffer
// behind loses its oldest pending event.
func (s *Subscription) deliver(ev ChatEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (l *EventLog) Subscribe(filter func(ChatEvent) bool) *Subscription {
	ch := make(chan ChatEvent, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, filter: filter, log: l}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.snapshotLocked() {
		if filter == nil || filter(ev) {
			s.deliver(ev)
		}
	}
	l.subs[s] = struct{}{}
	return s
}

// Snapshot returns the buffered events, oldest first.
func (l *EventLog) Snapshot() []ChatEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *EventLog) snapshotLocked() []ChatEvent {
	if !l.full {
		return append([]ChatEvent(nil), l.ring[:l.next]...)
	}
	out := make([]ChatEvent, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}
