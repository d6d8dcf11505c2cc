// ABOUTME: WebSocket RPC client for the local gateway: handshake, chat, retry.
// ABOUTME: One connection, one read loop, correlation via internal/correlate.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-connector/internal/correlate"
	"github.com/2389/coven-connector/internal/session"
)

// State tracks the connection lifecycle. The connection object must not
// be used for calls outside StateReady.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHandshake
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Message is one role-tagged chat message from a job.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatParams carries the job's generation parameters. The gateway runs
// its own configured model, so these are accepted for interface
// compatibility and not forwarded.
type ChatParams struct {
	Temperature float64
	MaxTokens   int
}

// Config holds gateway client settings.
type Config struct {
	// URL is the gateway endpoint; http(s) schemes are normalized to ws(s).
	URL string
	// Token is the bearer credential presented during the handshake.
	Token string
	// ClientID identifies this client to the gateway.
	ClientID string
	// Scopes is the requested capability scope.
	Scopes []string

	HandshakeTimeout time.Duration
	ChatTimeout      time.Duration

	// MaxAttempts bounds chat retries; BackoffBase doubles per attempt
	// up to BackoffMax.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c *Config) applyDefaults() {
	c.URL = normalizeURL(c.URL)
	if c.ClientID == "" {
		c.ClientID = "gateway-client"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"operator.read", "operator.write", "operator.admin"}
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ChatTimeout == 0 {
		c.ChatTimeout = 120 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// normalizeURL rewrites http(s) URLs to their ws(s) equivalents and
// defaults bare addresses to ws.
func normalizeURL(url string) string {
	switch {
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return url
	default:
		return "ws://" + url
	}
}

// Client is the gateway RPC client. Safe for concurrent use; concurrent
// Chat calls multiplex over the single connection and are kept apart by
// the correlation table and per-call sessions.
type Client struct {
	cfg      Config
	sessions session.Lifecycle
	logger   *slog.Logger
	table    *correlate.Table[Frame]

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	// connectDone is non-nil while a handshake is in flight; it is closed
	// when that attempt settles so concurrent Connect calls can wait on it
	// instead of failing.
	connectDone chan struct{}
}

// NewClient creates a gateway client. Sessions are acquired from the
// given lifecycle for each chat call.
func NewClient(cfg Config, sessions session.Lifecycle, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With("component", "gateway-client"),
		table:    correlate.NewTable[Frame](logger),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the gateway and completes the challenge handshake.
// Returns nil immediately when already ready. Concurrent calls coalesce:
// while one caller performs the handshake the others wait for its
// outcome, then either use the connection or dial themselves if the
// attempt failed.
func (c *Client) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateReady {
			c.mu.Unlock()
			return nil
		}
		if c.state == StateDisconnected {
			break
		}
		done := c.connectDone
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.state = StateConnecting
	c.connectDone = done
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.finishConnect(done, StateDisconnected, nil)
		return fmt.Errorf("dialing gateway: %w", err)
	}

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		c.finishConnect(done, StateDisconnected, nil)
		return err
	}

	if !c.finishConnect(done, StateReady, conn) {
		// The client was closed while the handshake ran.
		return ErrConnectionLost
	}
	go c.readLoop(conn)

	c.logger.Info("connected to gateway", "url", c.cfg.URL)
	return nil
}

// finishConnect settles the connect attempt that owns done, waking any
// callers waiting on its outcome. Reports whether the attempt still
// owned the client; a conn handed over by a disowned attempt is closed.
func (c *Client) finishConnect(done chan struct{}, s State, conn *websocket.Conn) bool {
	c.mu.Lock()
	owned := c.connectDone == done
	if owned {
		c.state = s
		c.conn = conn
		c.connectDone = nil
	}
	close(done)
	c.mu.Unlock()

	if !owned && conn != nil {
		conn.Close()
	}
	return owned
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// handshake waits for the server-initiated challenge and answers it with
// a connect request. A first frame that is not a challenge means the
// gateway is running without the handshake; the connection is then
// treated as already usable.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}

	var first Frame
	if err := json.Unmarshal(data, &first); err != nil {
		return fmt.Errorf("parsing challenge: %w", err)
	}

	if first.Type != frameTypeEvent || first.Event != eventChallenge {
		c.logger.Warn("gateway did not send connect.challenge, assuming open connection",
			"type", first.Type,
			"event", first.Event,
		)
		return nil
	}

	c.setState(StateAwaitingHandshake)

	params := connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: connectClient{
			ID:       c.cfg.ClientID,
			Mode:     "backend",
			Version:  "coven-connector/" + clientVersion,
			Platform: runtime.GOOS,
		},
		Role:   "operator",
		Scopes: c.cfg.Scopes,
	}
	if c.cfg.Token != "" {
		params.Auth = &connectAuth{Token: c.cfg.Token}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling connect params: %w", err)
	}

	reqID := uuid.New().String()
	req, err := json.Marshal(Frame{
		Type:   frameTypeRequest,
		ID:     reqID,
		Method: methodConnect,
		Params: raw,
	})
	if err != nil {
		return fmt.Errorf("marshaling connect request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	// The response may be interleaved with events; skip those until the
	// matching response arrives.
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading connect response: %w", err)
		}

		var resp Frame
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Type != frameTypeResponse || resp.ID != reqID {
			continue
		}
		if !resp.isOK() {
			return fmt.Errorf("connect rejected: %s", resp.errorMessage())
		}
		return nil
	}
}

// readLoop is the single reader for a connection. Responses promote the
// learned run id before routing; events route by run id with session-key
// fallback. Frames that match nothing are dropped.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Warn("gateway read error", "error", err)
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("unparseable gateway frame dropped", "error", err)
			continue
		}

		switch frame.Type {
		case frameTypeResponse:
			if frame.isOK() && len(frame.Payload) > 0 {
				var rp responsePayload
				if json.Unmarshal(frame.Payload, &rp) == nil && rp.RunID != "" {
					c.table.Promote(frame.ID, rp.RunID)
				}
			}
			c.table.RouteResponse(frame.ID, frame)
		case frameTypeEvent:
			p := decodeEventPayload(frame.Payload)
			c.table.RouteEvent(p.RunID, p.SessionKey, frame)
		default:
			c.logger.Debug("unexpected frame type dropped", "type", frame.Type)
		}
	}

	c.dropConnection(conn)
}

// dropConnection tears down state for a lost connection and wakes every
// pending waiter so in-flight calls observe a connection-class failure.
func (c *Client) dropConnection(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	conn.Close()
	c.table.FailAll()
}

// closeConn forces the current connection down, if any, and disowns an
// in-flight connect attempt so it cannot resurrect the client. The read
// loop finishes the teardown.
func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.connectDone = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
	}
	c.table.FailAll()
}

// Close shuts the client down. Pending calls fail with a
// connection-class error.
func (c *Client) Close() {
	c.closeConn()
}

// writeFrame serializes and sends a frame under the write lock.
func (c *Client) writeFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateReady {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// HealthCheck reports whether the gateway is reachable, connecting if
// necessary.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if c.State() == StateReady {
		return true
	}
	return c.Connect(ctx) == nil
}

// Chat sends the most recent user message to the gateway and returns the
// assembled assistant response. System and assistant input messages are
// not forwarded; the gateway session provides its own context.
//
// Connection-class and empty-response failures are retried up to the
// configured attempt budget with capped exponential backoff; cancelling
// ctx aborts both the call and any pending backoff wait.
func (c *Client) Chat(ctx context.Context, messages []Message, params ChatParams) (string, error) {
	_ = params

	userMsg := lastUserMessage(messages)
	if userMsg == "" {
		return "", errors.New("no user message found")
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt-1); err != nil {
				return "", err
			}
		}

		text, err := c.chatOnce(ctx, userMsg)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return "", err
		}
		if isConnectionError(err) {
			c.closeConn()
		}
		c.logger.Warn("chat attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxAttempts,
			"error", err,
		)
	}

	return "", fmt.Errorf("chat failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// chatOnce performs a single attempt: connect if needed, borrow a
// session, send, and collect. The session is released on every path.
func (c *Client) chatOnce(ctx context.Context, userMsg string) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}

	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer c.sessions.Release(sess)

	return c.sendChat(ctx, sess, userMsg)
}

// sendChat issues one chat.send request and collects correlated frames
// until the final chat event, the timeout, or cancellation.
func (c *Client) sendChat(ctx context.Context, sess session.Session, userMsg string) (string, error) {
	reqID := uuid.New().String()
	pending, err := c.table.Register(reqID, sess.Key)
	if err != nil {
		return "", err
	}
	defer c.table.Close(reqID)

	raw, err := json.Marshal(chatSendParams{
		SessionKey:     sess.Key,
		Message:        userMsg,
		IdempotencyKey: uuid.New().String(),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling chat params: %w", err)
	}

	if err := c.writeFrame(Frame{
		Type:   frameTypeRequest,
		ID:     reqID,
		Method: methodChatSend,
		Params: raw,
	}); err != nil {
		return "", fmt.Errorf("sending chat request: %w", err)
	}

	c.logger.Debug("chat request sent", "request_id", reqID, "session_key", sess.Key)

	timer := time.NewTimer(c.cfg.ChatTimeout)
	defer timer.Stop()

	var parts []string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-timer.C:
			// Partial success: return what was gathered instead of failing.
			if len(parts) > 0 {
				return strings.Join(parts, ""), nil
			}
			return "", ErrTimeout

		case frame, ok := <-pending.Frames():
			if !ok {
				return "", ErrConnectionLost
			}

			switch frame.Type {
			case frameTypeResponse:
				if !frame.isOK() {
					return "", fmt.Errorf("chat.send rejected: %s", frame.errorMessage())
				}
				// Acceptance only; the answer arrives as chat events.

			case frameTypeEvent:
				if frame.Event != eventChat {
					continue
				}
				p := decodeEventPayload(frame.Payload)
				if p.State != chatStateFinal {
					continue
				}
				for _, block := range p.Message.Content {
					if block.Type == "text" && block.Text != "" {
						parts = append(parts, block.Text)
					}
				}
				if len(parts) == 0 {
					return "", ErrEmptyResponse
				}
				return strings.Join(parts, ""), nil
			}
		}
	}
}

// backoff sleeps for BackoffBase doubled per prior retry, capped at
// BackoffMax. Cancellation wins over the wait.
func (c *Client) backoff(ctx context.Context, retries int) error {
	delay := c.cfg.BackoffBase << retries
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lastUserMessage returns the content of the most recent user-authored
// message.
func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
