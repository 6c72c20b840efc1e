package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrFakeOffline = errors.New("fake gateway offline")

type Sent struct {
	SessionKey     string
	Message        string
	IdempotencyKey string
	RunID          string
}

// Fake is an in-memory gateway. OnSend runs synchronously after a message is
// accepted, which is where tests script the run's events and history.
type Fake struct {
	OnSend func(f *Fake, s Sent)

	log *EventLog

	mu           sync.Mutex
	connected    bool
	sent         []Sent
	history      []Message
	historyErr   error
	historyCalls int
}

func NewFake() *Fake {
	return &Fake{log: NewEventLog(DefaultLogSize), connected: true}
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *Fake) Send(ctx context.Context, sessionKey, message, idempotencyKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return "", ErrFakeOffline
	}
	s := Sent{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: idempotencyKey,
		RunID:          fmt.Sprintf("run-%d", len(f.sent)+1),
	}
	f.sent = append(f.sent, s)
	hook := f.OnSend
	f.mu.Unlock()
	if hook != nil {
		hook(f, s)
	}
	return s.RunID, nil
}

func (f *Fake) History(ctx context.Context, _ string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	msgs := f.history
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (f *Fake) Subscribe(filter func(ChatEvent) bool) *Subscription {
	return f.log.Subscribe(filter)
}

// Publish emits a chat event as if it arrived from the server.
func (f *Fake) Publish(ev ChatEvent) { f.log.Publish(ev) }

func (f *Fake) AppendHistory(m Message) {
	f.mu.Lock()
	f.history = append(f.history, m)
	f.mu.Unlock()
}

func (f *Fake) SetHistoryErr(err error) {
	f.mu.Lock()
	f.historyErr = err
	f.mu.Unlock()
}

func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

func (f *Fake) HistoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls
}

// AssistantMessage builds a history entry with a single text part.
func AssistantMessage(text string, tsMillis int64) Message {
	return Message{Role: "assistant", Content: []Content{{Type: "text", Text: text}}, Timestamp: tsMillis}
}
