// ABOUTME: WebSocket transport to the cloud relay with built-in reconnection.
// ABOUTME: Single read loop dispatching events through a registered handler table.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRelayNotConnected indicates an emit was attempted while the relay
// connection is down.
var ErrRelayNotConnected = errors.New("not connected to relay")

const (
	reconnectBase = time.Second
	reconnectMax  = 60 * time.Second
)

// Handler processes one inbound event's data payload. Handlers run on
// the transport's read loop; long work must be moved to a goroutine.
type Handler func(data json.RawMessage)

// frame is the relay wire envelope.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Transport maintains the relay connection. Handlers and lifecycle hooks
// must be registered before Run is called; after that the handler table
// is read-only.
type Transport struct {
	url    string
	logger *slog.Logger

	handlers       map[string]Handler
	onConnect      func()
	onDisconnect   func()
	onConnectError func(error)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTransport creates a transport for the given relay URL.
func NewTransport(url string, logger *slog.Logger) *Transport {
	return &Transport{
		url:      url,
		logger:   logger.With("component", "relay-transport"),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for an event name.
func (t *Transport) Handle(event string, h Handler) {
	t.handlers[event] = h
}

// OnConnect registers the hook invoked after each successful connect.
func (t *Transport) OnConnect(fn func()) { t.onConnect = fn }

// OnDisconnect registers the hook invoked after each connection loss.
func (t *Transport) OnDisconnect(fn func()) { t.onDisconnect = fn }

// OnConnectError registers the hook invoked when a connect attempt fails.
func (t *Transport) OnConnectError(fn func(error)) { t.onConnectError = fn }

// Connected reports whether the relay connection is currently up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Emit sends one event frame to the relay.
func (t *Transport) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	msg, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrRelayNotConnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Run connects to the relay and keeps the connection alive until ctx is
// cancelled, reconnecting with capped exponential backoff after every
// drop. Attempts are unbounded.
func (t *Transport) Run(ctx context.Context) error {
	backoff := reconnectBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
		if err != nil {
			t.logger.Error("relay connect failed", "url", t.url, "error", err)
			if t.onConnectError != nil {
				t.onConnectError(err)
			}
			if err := t.wait(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		t.setConn(conn)
		t.logger.Info("connected to relay", "url", t.url)
		backoff = reconnectBase
		if t.onConnect != nil {
			t.onConnect()
		}

		readErr := t.readLoop(ctx, conn)
		t.setConn(nil)
		conn.Close()

		if t.onDisconnect != nil {
			t.onDisconnect()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.logger.Warn("relay connection lost", "error", readErr)
		if err := t.wait(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

// readLoop reads and dispatches frames until the connection fails or ctx
// is cancelled. Unparseable frames and unregistered events are dropped.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock the read when the caller shuts down.
	watchdogStop := make(chan struct{})
	defer close(watchdogStop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogStop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn("unparseable relay frame dropped", "error", err)
			continue
		}

		handler, ok := t.handlers[f.Event]
		if !ok {
			t.logger.Debug("unhandled relay event dropped", "event", f.Event)
			continue
		}
		handler(f.Data)
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *Transport) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}
