package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"talkmode/log"
	"talkmode/talkerr"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 20 * time.Second
	backoffMin   = 500 * time.Millisecond
	backoffMax   = 30 * time.Second
)

type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *rpcError       `json:"error"`
	Event   string          `json:"event"`
}

var errConnectionLost = errors.New("gateway connection lost")

// WSClient is the websocket gateway client. Run keeps it connected; calls
// made while disconnected fail fast with GatewayUnavailable.
type WSClient struct {
	url        string
	header     http.Header
	sessionKey string
	dialer     *websocket.Dialer
	events     *EventLog

	connected atomic.Bool
	writeMu   sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan inbound

	backoffMin time.Duration
	backoffMax time.Duration
}

func NewWSClient(url, token, sessionKey string) *WSClient {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &WSClient{
		url:        url,
		header:     h,
		sessionKey: sessionKey,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:     NewEventLog(DefaultLogSize),
		pending:    make(map[string]chan inbound),
		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}
}

func (c *WSClient) URL() string { return c.url }

func (c *WSClient) Connected() bool { return c.connected.Load() }

func (c *WSClient) Subscribe(filter func(ChatEvent) bool) *Subscription {
	return c.events.Subscribe(filter)
}

// Run connects and reconnects with capped exponential backoff until ctx ends.
func (c *WSClient) Run(ctx context.Context) {
	delay := c.backoffMin
	for {
		started := time.Now()
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > c.backoffMax {
			delay = c.backoffMin
		}
		log.Warnf("gateway %s: %v (retry in %s)", c.url, err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, c.backoffMax)
	}
}

func (c *WSClient) connectOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	log.GatewayState(c.url, true)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go c.pingLoop(connCtx, conn)
	go func() {
		params := map[string]any{"sessionKey": c.sessionKey}
		if err := c.request(connCtx, "chat.subscribe", params, nil); err != nil && connCtx.Err() == nil {
			log.Warnf("chat.subscribe: %v", err)
		}
	}()

	err = c.readLoop(conn)

	c.connected.Store(false)
	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	log.GatewayState(c.url, false)
	return err
}

func (c *WSClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			log.Warnf("gateway: invalid frame: %v", err)
			continue
		}
		switch in.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[in.ID]
			delete(c.pending, in.ID)
			c.mu.Unlock()
			if ok {
				ch <- in
			}
		case "event":
			if in.Event != "chat" {
				continue
			}
			var ev ChatEvent
			if err := json.Unmarshal(in.Payload, &ev); err != nil {
				log.Warnf("gateway: chat payload decode failed: %v", err)
				continue
			}
			if c.sessionKey != "" && ev.SessionKey != "" && ev.SessionKey != c.sessionKey {
				continue
			}
			c.events.Publish(ev)
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) request(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	ch := make(chan inbound, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return talkerr.New(talkerr.CodeGatewayUnavailable, "gateway not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(request{Type: "req", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return talkerr.Wrap(err, talkerr.CodeGatewayUnavailable, method)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return talkerr.Wrap(errConnectionLost, talkerr.CodeGatewayUnavailable, method)
		}
		if !res.OK {
			msg := "request failed"
			if res.Error != nil && res.Error.Message != "" {
				msg = res.Error.Message
			}
			return fmt.Errorf("%s: %s", method, msg)
		}
		if out == nil || len(res.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Payload, out); err != nil {
			return fmt.Errorf("%s: decoding response: %w", method, err)
		}
		return nil
	}
}

func (c *WSClient) Send(ctx context.Context, sessionKey, message, idempotencyKey string) (string, error) {
	var res struct {
		RunID string `json:"runId"`
	}
	params := map[string]any{
		"sessionKey":     sessionKey,
		"message":        message,
		"idempotencyKey": idempotencyKey,
	}
	if err := c.request(ctx, "chat.send", params, &res); err != nil {
		return "", err
	}
	if res.RunID == "" {
		return "", fmt.Errorf("chat.send: response missing runId")
	}
	return res.RunID, nil
}

func (c *WSClient) History(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	var res struct {
		Messages []Message `json:"messages"`
	}
	params := map[string]any{"sessionKey": sessionKey, "limit": limit}
	if err := c.request(ctx, "chat.history", params, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}
