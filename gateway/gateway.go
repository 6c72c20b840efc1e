// Package gateway talks to the remote chat agent: request/response calls
// for submitting utterances and reading history, plus a bounded log of chat
// run events that callers can subscribe to by run id.
package gateway

import (
	"context"
	"strings"
)

type State string

const (
	StateDelta   State = "delta"
	StateFinal   State = "final"
	StateAborted State = "aborted"
	StateError   State = "error"
)

// Terminal reports whether no further events follow for the run.
func (s State) Terminal() bool {
	return s == StateFinal || s == StateAborted || s == StateError
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Message struct {
	Role      string    `json:"role"`
	Content   []Content `json:"content"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
}

// Text joins the message's text parts with single spaces.
func (m Message) Text() string {
	var b strings.Builder
	for _, part := range m.Content {
		t := strings.TrimSpace(part.Text)
		if t == "" || (part.Type != "" && part.Type != "text") {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(t)
	}
	return b.String()
}

// ChatEvent is one run-state or token-stream update. Delta events carry the
// full text generated so far, not just the newest tokens.
type ChatEvent struct {
	RunID        string   `json:"runId"`
	SessionKey   string   `json:"sessionKey"`
	State        State    `json:"state"`
	Message      *Message `json:"message,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}

func (e ChatEvent) Text() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Text()
}

// ForRun matches events belonging to runID.
func ForRun(runID string) func(ChatEvent) bool {
	return func(ev ChatEvent) bool { return ev.RunID == runID }
}

type Client interface {
	Connected() bool
	Send(ctx context.Context, sessionKey, message, idempotencyKey string) (runID string, err error)
	History(ctx context.Context, sessionKey string, limit int) ([]Message, error)
	Subscribe(filter func(ChatEvent) bool) *Subscription
}
