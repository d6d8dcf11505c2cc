// ABOUTME: Tests for the gateway RPC client against a scripted fake gateway.
// ABOUTME: Covers handshake, chat assembly, timeout, retry, and error taxonomy.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-connector/internal/session"
)

// stubSessions hands out one fixed session without touching the
// filesystem.
type stubSessions struct {
	released atomic.Int32
}

func (s *stubSessions) Acquire(ctx context.Context) (session.Session, error) {
	return session.Session{Key: "agent:main:coven-connector-0", ID: "sess-0"}, nil
}

func (s *stubSessions) Release(session.Session) {
	s.released.Add(1)
}

// newFakeGateway starts a websocket server running script once per
// connection and returns its ws:// URL.
func newFakeGateway(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade failed:", err)
			return
		}
		defer conn.Close()
		script(t, conn)
	}))
	t.Cleanup(srv.Close)

	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func boolPtr(v bool) *bool { return &v }

func sendChallenge(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, Frame{Type: "event", Event: "connect.challenge"})
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Error("writing frame:", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Error("reading frame:", err)
	}
	return f
}

// serveHandshake performs the challenge/connect exchange and returns the
// connect request for inspection.
func serveHandshake(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	sendChallenge(t, conn)
	req := readFrame(t, conn)
	writeFrame(t, conn, Frame{Type: "res", ID: req.ID, OK: boolPtr(true)})
	return req
}

// serveChat accepts the next chat.send request, replies with runID, and
// emits a final chat event containing the given text blocks.
func serveChat(t *testing.T, conn *websocket.Conn, runID string, blocks []contentBlock) Frame {
	t.Helper()
	req := readFrame(t, conn)

	payload, _ := json.Marshal(responsePayload{RunID: runID})
	writeFrame(t, conn, Frame{Type: "res", ID: req.ID, OK: boolPtr(true), Payload: payload})

	evtPayload, _ := json.Marshal(eventPayload{
		State:   "final",
		RunID:   runID,
		Message: eventMessage{Content: blocks},
	})
	writeFrame(t, conn, Frame{Type: "event", Event: "chat", Payload: evtPayload})
	return req
}

func newTestClient(t *testing.T, url string, sessions session.Lifecycle, tweak func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:         url,
		Token:       "test-token",
		ChatTimeout: 2 * time.Second,
		BackoffBase: time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	if sessions == nil {
		sessions = &stubSessions{}
	}
	c := NewClient(cfg, sessions, slog.Default())
	t.Cleanup(c.Close)
	return c
}

func TestConnect_ChallengeHandshake(t *testing.T) {
	connectReq := make(chan Frame, 1)
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		connectReq <- serveHandshake(t, conn)
		// Keep the connection open until the client drops it.
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateReady, c.State())

	req := <-connectReq
	assert.Equal(t, "req", req.Type)
	assert.Equal(t, "connect", req.Method)

	var params connectParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, protocolVersion, params.MinProtocol)
	assert.Equal(t, protocolVersion, params.MaxProtocol)
	assert.Equal(t, "operator", params.Role)
	require.NotNil(t, params.Auth)
	assert.Equal(t, "test-token", params.Auth.Token)
	assert.Contains(t, params.Scopes, "operator.admin")
}

func TestConnect_NonStrictFallback(t *testing.T) {
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		// Not a challenge: client should treat the connection as usable.
		writeFrame(t, conn, Frame{Type: "event", Event: "tick"})
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateReady, c.State())
}

func TestConnect_Rejected(t *testing.T) {
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		sendChallenge(t, conn)
		req := readFrame(t, conn)
		writeFrame(t, conn, Frame{
			Type:  "res",
			ID:    req.ID,
			OK:    boolPtr(false),
			Error: &FrameError{Code: "AUTH", Message: "bad token"},
		})
	})

	c := newTestClient(t, url, nil, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect rejected: bad token")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_AlreadyReadyIsNoop(t *testing.T) {
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveHandshake(t, conn)
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
}

func TestConnect_ConcurrentCallsCoalesce(t *testing.T) {
	var conns atomic.Int32
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		conns.Add(1)
		// Delay the challenge so every caller races into the handshake
		// window.
		time.Sleep(100 * time.Millisecond)
		serveHandshake(t, conn)
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), conns.Load(), "all callers must share one connection")
	assert.Equal(t, StateReady, c.State())
}

func TestChat_AssemblesFinalTextInOrder(t *testing.T) {
	chatReq := make(chan Frame, 1)
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveHandshake(t, conn)
		chatReq <- serveChat(t, conn, "run-1", []contentBlock{
			{Type: "text", Text: "Hello, "},
			{Type: "tool_use"},
			{Type: "text", Text: "world"},
		})
		conn.ReadMessage()
	})

	sessions := &stubSessions{}
	c := newTestClient(t, url, sessions, nil)

	messages := []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "old question"},
		{Role: "assistant", Content: "old answer"},
		{Role: "user", Content: "hi"},
	}
	text, err := c.Chat(context.Background(), messages, ChatParams{Temperature: 0.7, MaxTokens: 4000})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)

	req := <-chatReq
	assert.Equal(t, "chat.send", req.Method)
	var params chatSendParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "agent:main:coven-connector-0", params.SessionKey)
	assert.Equal(t, "hi", params.Message, "only the most recent user message is forwarded")
	assert.NotEmpty(t, params.IdempotencyKey)

	assert.Equal(t, int32(1), sessions.released.Load(), "session released exactly once")
}

func TestChat_SessionKeyFallbackBeforeRunID(t *testing.T) {
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveHandshake(t, conn)
		req := readFrame(t, conn)

		// Response without a run id: events must match by session key.
		writeFrame(t, conn, Frame{Type: "res", ID: req.ID, OK: boolPtr(true)})

		var params chatSendParams
		json.Unmarshal(req.Params, &params)
		evtPayload, _ := json.Marshal(eventPayload{
			State:      "final",
			SessionKey: params.SessionKey,
			Message:    eventMessage{Content: []contentBlock{{Type: "text", Text: "via session key"}}},
		})
		writeFrame(t, conn, Frame{Type: "event", Event: "chat", Payload: evtPayload})
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)
	text, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatParams{})
	require.NoError(t, err)
	assert.Equal(t, "via session key", text)
}

func TestChat_NoUserMessage(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1", nil, nil)

	_, err := c.Chat(context.Background(), []Message{{Role: "system", Content: "x"}}, ChatParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no user message")
}

func TestChat_TimeoutWithZeroContent(t *testing.T) {
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveHandshake(t, conn)
		req := readFrame(t, conn)
		writeFrame(t, conn, Frame{Type: "res", ID: req.ID, OK: boolPtr(true)})
		// Never send the final event.
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, func(cfg *Config) {
		cfg.ChatTimeout = 50 * time.Millisecond
	})

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "Timeout waiting for")
}

func TestChat_EmptyFinalIsRetriedThenFails(t *testing.T) {
	var chats atomic.Int32
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveHandshake(t, conn)
		for {
			var req Frame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			chats.Add(1)
			payload, _ := json.Marshal(responsePayload{RunID: "run-empty"})
			writeFrame(t, conn, Frame{Type: "res", ID: req.ID, OK: boolPtr(true), Payload: payload})
			evtPayload, _ := json.Marshal(eventPayload{State: "final", RunID: "run-empty"})
			writeFrame(t, conn, Frame{Type: "event", Event: "chat", Payload: evtPayload})
		}
	})

	c := newTestClient(t, url, nil, func(cfg *Config) {
		cfg.MaxAttempts = 2
	})

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, int32(2), chats.Load())
}

func TestChat_ReconnectsAfterConnectionLoss(t *testing.T) {
	var conns atomic.Int32
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		n := conns.Add(1)
		serveHandshake(t, conn)
		if n == 1 {
			// Accept the request, then drop the connection mid-call.
			readFrame(t, conn)
			return
		}
		serveChat(t, conn, "run-2", []contentBlock{{Type: "text", Text: "recovered"}})
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)
	text, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatParams{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), conns.Load())
}

func TestChat_ProtocolRejectionNotRetried(t *testing.T) {
	var conns atomic.Int32
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		conns.Add(1)
		serveHandshake(t, conn)
		req := readFrame(t, conn)
		writeFrame(t, conn, Frame{
			Type:  "res",
			ID:    req.ID,
			OK:    boolPtr(false),
			Error: &FrameError{Code: "BAD_REQUEST", Message: "unknown session"},
		})
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.send rejected: unknown session")
	assert.Equal(t, int32(1), conns.Load(), "protocol rejection must not trigger reconnect")
}

func TestChat_CancellationWinsOverRetry(t *testing.T) {
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveHandshake(t, conn)
		readFrame(t, conn)
		// Never answer; the caller cancels.
		conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, url, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Chat(ctx, []Message{{Role: "user", Content: "hi"}}, ChatParams{})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not return after cancellation")
	}
}

func TestHealthCheck(t *testing.T) {
	url := newFakeGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveHandshake(t, conn)
		conn.ReadMessage()
	})

	c := newTestClient(t, url, nil, nil)
	assert.True(t, c.HealthCheck(context.Background()))

	unreachable := newTestClient(t, "ws://127.0.0.1:1", nil, nil)
	assert.False(t, unreachable.HealthCheck(context.Background()))
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "ws://host:1", normalizeURL("http://host:1"))
	assert.Equal(t, "wss://host:1", normalizeURL("https://host:1"))
	assert.Equal(t, "ws://host:1", normalizeURL("ws://host:1"))
	assert.Equal(t, "wss://host:1", normalizeURL("wss://host:1"))
	assert.Equal(t, "ws://host:1", normalizeURL("host:1"))
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(ErrConnectionLost))
	assert.True(t, isConnectionError(errors.New("websocket: close 1011 (internal server error)")))
	assert.True(t, isConnectionError(errors.New("ping timeout")))
	assert.False(t, isConnectionError(ErrTimeout))
	assert.False(t, isConnectionError(context.Canceled))
	assert.False(t, isConnectionError(errors.New("chat.send rejected: bad params")))
}
