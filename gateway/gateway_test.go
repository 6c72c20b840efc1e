package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkmode/talkerr"
)

func delta(run, text string) ChatEvent {
	return ChatEvent{RunID: run, State: StateDelta, Message: &Message{Role: "assistant", Content: []Content{{Type: "text", Text: text}}}}
}

func TestEventLogReplaysThenStreams(t *testing.T) {
	l := NewEventLog(4)
	l.Publish(delta("a", "one"))
	l.Publish(delta("b", "other"))
	l.Publish(delta("a", "two"))

	sub := l.Subscribe(ForRun("a"))
	defer sub.Close()
	assert.Equal(t, "one", (<-sub.C).Text())
	assert.Equal(t, "two", (<-sub.C).Text())

	l.Publish(ChatEvent{RunID: "a", State: StateFinal})
	ev := <-sub.C
	assert.Equal(t, StateFinal, ev.State)
	assert.True(t, ev.State.Terminal())
}

func TestEventLogKeepsNewest(t *testing.T) {
	l := NewEventLog(3)
	for i := 0; i < 5; i++ {
		l.Publish(delta("r", fmt.Sprint(i)))
	}
	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "2", snap[0].Text())
	assert.Equal(t, "4", snap[2].Text())
}

func TestEventLogDefaultSize(t *testing.T) {
	l := NewEventLog(0)
	for i := 0; i < DefaultLogSize+50; i++ {
		l.Publish(delta("r", fmt.Sprint(i)))
	}
	assert.Len(t, l.Snapshot(), DefaultLogSize)
}

func TestSubscriptionClose(t *testing.T) {
	l := NewEventLog(4)
	sub := l.Subscribe(nil)
	sub.Close()
	sub.Close()
	l.Publish(delta("a", "x"))
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	l := NewEventLog(4)
	sub := l.Subscribe(nil)
	defer sub.Close()
	for i := 0; i < subscriptionBuffer+10; i++ {
		l.Publish(delta("r", fmt.Sprint(i)))
	}
	assert.Equal(t, "10", (<-sub.C).Text())
}

func TestMessageText(t *testing.T) {
	m := Message{Content: []Content{
		{Type: "text", Text: " It's "},
		{Type: "tool_use", Text: "ignored"},
		{Type: "text", Text: "3pm."},
	}}
	assert.Equal(t, "It's 3pm.", m.Text())
}

// gatewayServer is a minimal chat gateway speaking the req/res/event frames.
type gatewayServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	auth  []string
}

func (s *gatewayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteJSON(v)
	}
	for {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Method {
		case "chat.subscribe":
			write(map[string]any{"type": "res", "id": req.ID, "ok": true})
		case "chat.send":
			var p struct{ Message string }
			json.Unmarshal(req.Params, &p)
			if p.Message == "fail" {
				write(map[string]any{"type": "res", "id": req.ID, "ok": false, "error": map[string]any{"message": "rejected"}})
				continue
			}
			write(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"runId": "run-1"}})
			write(map[string]any{"type": "event", "event": "chat", "payload": map[string]any{
				"runId": "run-1", "sessionKey": "main", "state": "final",
				"message": map[string]any{"role": "assistant", "content": []any{map[string]any{"type": "text", "text": "It's 3pm."}}},
			}})
			write(map[string]any{"type": "event", "event": "chat", "payload": map[string]any{
				"runId": "run-9", "sessionKey": "other", "state": "final",
			}})
		case "chat.history":
			write(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{
				"messages": []any{map[string]any{
					"role": "assistant", "timestamp": 1700000000000,
					"content": []any{map[string]any{"type": "text", "text": "It's 3pm."}},
				}},
			}})
		}
	}
}

func (s *gatewayServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *gatewayServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func startClient(t *testing.T) (*gatewayServer, *WSClient) {
	t.Helper()
	srv := &gatewayServer{t: t}
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	c := NewWSClient("ws"+strings.TrimPrefix(hs.URL, "http"), "tok", "main")
	c.backoffMin = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	return srv, c
}

func TestWSClientSendAndEvents(t *testing.T) {
	srv, c := startClient(t)
	ctx := context.Background()

	runID, err := c.Send(ctx, "main", "what time is it", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)

	sub := c.Subscribe(ForRun(runID))
	defer sub.Close()
	select {
	case ev := <-sub.C:
		assert.Equal(t, StateFinal, ev.State)
		assert.Equal(t, "It's 3pm.", ev.Text())
	case <-time.After(2 * time.Second):
		t.Fatal("no chat event")
	}
	for _, ev := range c.events.Snapshot() {
		assert.NotEqual(t, "run-9", ev.RunID, "events for other sessions are dropped")
	}

	msgs, err := c.History(ctx, "main", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1700000000000), msgs[0].Timestamp)

	srv.mu.Lock()
	assert.Equal(t, "Bearer tok", srv.auth[0])
	srv.mu.Unlock()
}

func TestWSClientRequestError(t *testing.T) {
	_, c := startClient(t)
	_, err := c.Send(context.Background(), "main", "fail", "idem")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestWSClientReconnects(t *testing.T) {
	srv, c := startClient(t)
	srv.dropAll()
	require.Eventually(t, func() bool { return srv.connections() >= 2 && c.Connected() }, 2*time.Second, 5*time.Millisecond)

	_, err := c.Send(context.Background(), "main", "again", "idem-2")
	assert.NoError(t, err)
}

func TestWSClientOffline(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1", "", "main")
	assert.False(t, c.Connected())
	_, err := c.Send(context.Background(), "main", "hi", "k")
	assert.True(t, errors.Is(err, talkerr.ErrGatewayUnavailable))
}

func TestFakeGateway(t *testing.T) {
	f := NewFake()
	f.OnSend = func(f *Fake, s Sent) {
		f.Publish(ChatEvent{RunID: s.RunID, State: StateFinal})
	}
	runID, err := f.Send(context.Background(), "main", "hi", "k")
	require.NoError(t, err)
	sub := f.Subscribe(ForRun(runID))
	defer sub.Close()
	assert.Equal(t, StateFinal, (<-sub.C).State)

	f.SetConnected(false)
	_, err = f.Send(context.Background(), "main", "hi", "k2")
	assert.ErrorIs(t, err, ErrFakeOffline)
	assert.Len(t, f.Sent(), 1)
}
