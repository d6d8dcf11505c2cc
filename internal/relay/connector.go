// ABOUTME: Cloud session manager: auth, heartbeats, and job dispatch.
// ABOUTME: Bridges relay events to the gateway client and back as job responses.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-connector/internal/config"
	"github.com/2389/coven-connector/internal/dedupe"
	"github.com/2389/coven-connector/internal/gateway"
)

// ErrNotEnrolled indicates the connector has no complete identity. Run
// refuses to start; enrollment must happen first.
var ErrNotEnrolled = errors.New("connector is not enrolled")

// ErrGatewayUnreachable indicates the pre-flight gateway probe failed.
var ErrGatewayUnreachable = errors.New("local gateway is unreachable")

// Relay event names. These are the wire contract with the cloud.
const (
	eventChallenge    = "challenge"
	eventAuthResponse = "auth_response"
	eventJob          = "job"
	eventHealthCheck  = "health_check"
	eventPing         = "ping"

	eventAuth        = "auth"
	eventHeartbeat   = "heartbeat"
	eventJobResponse = "job_response"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultTemperature       = 0.7
	defaultMaxTokens         = 4000

	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 4096
)

// healthyResponse is the fixed acknowledgement for passed health checks.
const healthyResponse = "Gateway is healthy"

// Status values reported through the status sink.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusOnline       Status = "online"
	StatusAuthFailed   Status = "auth_failed"
)

// StatusFunc receives connector status transitions.
type StatusFunc func(Status)

// ChatClient is the gateway surface the connector depends on.
type ChatClient interface {
	Chat(ctx context.Context, messages []gateway.Message, params gateway.ChatParams) (string, error)
	HealthCheck(ctx context.Context) bool
}

// Emitter sends event frames to the relay.
type Emitter interface {
	Emit(event string, payload any) error
}

// Inbound event payloads.

type challengeData struct {
	Challenge string `json:"challenge"`
	ExpiresAt int64  `json:"expires_at"`
}

type authResponseData struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type jobData struct {
	JobID        string            `json:"job_id"`
	Messages     []gateway.Message `json:"messages"`
	Temperature  *float64          `json:"temperature"`
	MaxTokens    *int              `json:"max_tokens"`
	SystemPrompt string            `json:"system_prompt"`
}

type healthCheckData struct {
	JobID string `json:"job_id"`
}

// Outbound messages.

type authMessage struct {
	Type         string `json:"type"`
	ConnectorID  string `json:"connector_id"`
	Challenge    string `json:"challenge"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
	GatewayURL   string `json:"gateway_url,omitempty"`
	GatewayToken string `json:"gateway_token,omitempty"`
}

type heartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type jobResponse struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Connector bridges the cloud relay to the local gateway. One Connector
// per enrolled identity; instances share nothing but the filesystem.
type Connector struct {
	cfg       *config.Config
	chat      ChatClient
	transport *Transport
	emit      Emitter
	guard     *dedupe.Guard
	logger    *slog.Logger
	onStatus  StatusFunc

	heartbeatInterval time.Duration

	mu        sync.Mutex
	challenge string
	runCtx    context.Context
	cancelRun context.CancelFunc
	hbCancel  context.CancelFunc
	hbDone    chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a connector for the given identity and gateway client.
func New(cfg *config.Config, chat ChatClient, logger *slog.Logger) *Connector {
	transport := NewTransport(cfg.Relay.URL, logger)
	return &Connector{
		cfg:               cfg,
		chat:              chat,
		transport:         transport,
		emit:              transport,
		guard:             dedupe.NewGuard(dedupeTTL, dedupeMaxSize),
		logger:            logger.With("component", "connector", "connector_id", cfg.Identity.ConnectorID),
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// OnStatus registers the status sink. Must be called before Run.
func (c *Connector) OnStatus(fn StatusFunc) {
	c.onStatus = fn
}

// Run is the blocking entry point. It returns on fatal startup failure
// (not enrolled, gateway unreachable) or when Stop cancels the run.
// Transient relay drops are handled by the transport's reconnect loop
// and do not end the run.
func (c *Connector) Run(ctx context.Context) error {
	if !c.cfg.IsEnrolled() {
		return ErrNotEnrolled
	}

	if !c.chat.HealthCheck(ctx) {
		return fmt.Errorf("%w at %s: make sure the gateway is running", ErrGatewayUnreachable, c.cfg.Gateway.URL)
	}
	c.logger.Info("local gateway is reachable", "url", c.cfg.Gateway.URL)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCtx = runCtx
	c.cancelRun = cancel
	c.mu.Unlock()
	defer c.shutdown()

	c.registerHandlers()

	c.logger.Info("connecting to relay", "url", c.cfg.Relay.URL)
	err := c.transport.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop requests a graceful shutdown. Idempotent; safe from any
// goroutine. Cancels the heartbeat and any in-flight chat calls, then
// lets Run close the relay connection and settle.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancelRun
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// shutdown runs on every Run exit path: the run context is cancelled so
// in-flight chat calls abort, the heartbeat is cancelled and awaited so
// no task leaks, then job handlers are drained.
func (c *Connector) shutdown() {
	c.mu.Lock()
	cancel := c.cancelRun
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.stopHeartbeat()
	c.wg.Wait()
	c.guard.Close()
	c.logger.Info("connector stopped")
}

// registerHandlers fills the transport's dispatch table.
func (c *Connector) registerHandlers() {
	c.transport.Handle(eventChallenge, c.handleChallenge)
	c.transport.Handle(eventAuthResponse, c.handleAuthResponse)
	c.transport.Handle(eventJob, c.handleJob)
	c.transport.Handle(eventHealthCheck, c.handleHealthCheck)
	c.transport.Handle(eventPing, c.handlePing)

	c.transport.OnConnect(func() {
		c.logger.Info("connected to relay, awaiting challenge")
	})
	c.transport.OnDisconnect(func() {
		c.notifyStatus(StatusDisconnected)
	})
	c.transport.OnConnectError(func(err error) {
		c.logger.Error("relay connection error", "error", err)
	})
}

func (c *Connector) notifyStatus(s Status) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

// handleChallenge stores the server's nonce and immediately answers it.
func (c *Connector) handleChallenge(data json.RawMessage) {
	var challenge challengeData
	if err := json.Unmarshal(data, &challenge); err != nil {
		c.logger.Warn("malformed challenge event dropped", "error", err)
		return
	}

	c.mu.Lock()
	c.challenge = challenge.Challenge
	c.mu.Unlock()

	c.logger.Info("received authentication challenge")
	c.authenticate()
}

// authenticate signs and sends the pending challenge. The challenge is
// consumed exactly once: it is cleared before the message goes out, so a
// failed or rejected auth always waits for a fresh challenge.
func (c *Connector) authenticate() {
	c.mu.Lock()
	challenge := c.challenge
	c.challenge = ""
	c.mu.Unlock()

	if challenge == "" {
		c.logger.Warn("no pending challenge, skipping authentication")
		return
	}

	timestamp := time.Now().UnixMilli()

	var signature string
	var err error
	msg := authMessage{
		Type:        "auth",
		ConnectorID: c.cfg.Identity.ConnectorID,
		Challenge:   challenge,
		Timestamp:   timestamp,
	}

	if keyPath := c.cfg.Identity.PrivateKeyPath; keyPath != "" {
		signature, err = signWithKey(keyPath, challenge, timestamp)
	} else {
		signature, err = signHMAC(c.cfg.Identity.Secret, challenge, timestamp)
		// Symmetric mode forwards the gateway endpoint so the relay can
		// expose it to operators.
		msg.GatewayURL = c.cfg.Gateway.URL
		msg.GatewayToken = c.cfg.EffectiveGatewayToken()
	}
	if err != nil {
		c.logger.Error("failed to sign challenge", "error", err)
		return
	}
	msg.Signature = signature

	if err := c.emit.Emit(eventAuth, msg); err != nil {
		c.logger.Error("failed to send auth message", "error", err)
		return
	}
	c.logger.Info("sent authentication message")
}

// handleAuthResponse reacts to the relay's auth verdict. Heartbeats only
// start on success.
func (c *Connector) handleAuthResponse(data json.RawMessage) {
	var resp authResponseData
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("malformed auth_response dropped", "error", err)
		return
	}

	if !resp.Success {
		c.logger.Error("authentication failed", "error", resp.Error)
		c.notifyStatus(StatusAuthFailed)
		return
	}

	c.logger.Info("authenticated", "agent_name", c.cfg.Identity.AgentName)
	c.notifyStatus(StatusOnline)
	c.startHeartbeat()
}

// startHeartbeat launches the periodic liveness loop, replacing any
// previous one.
func (c *Connector) startHeartbeat() {
	c.stopHeartbeat()

	c.mu.Lock()
	hbCtx, cancel := context.WithCancel(c.runCtx)
	done := make(chan struct{})
	c.hbCancel = cancel
	c.hbDone = done
	c.mu.Unlock()

	go c.heartbeatLoop(hbCtx, done)
}

// stopHeartbeat cancels the heartbeat loop and waits for it to settle.
func (c *Connector) stopHeartbeat() {
	c.mu.Lock()
	cancel := c.hbCancel
	done := c.hbDone
	c.hbCancel = nil
	c.hbDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Connector) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Connector) sendHeartbeat() {
	err := c.emit.Emit(eventHeartbeat, heartbeatMessage{
		Type:      "heartbeat",
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil && !errors.Is(err, ErrRelayNotConnected) {
		c.logger.Warn("heartbeat failed", "error", err)
	}
}

// handleJob validates and dispatches one job event. A job without an id
// is logged and dropped; a redelivered id is dropped so at most one
// terminal response is ever emitted for it.
func (c *Connector) handleJob(data json.RawMessage) {
	var job jobData
	if err := json.Unmarshal(data, &job); err != nil {
		c.logger.Warn("malformed job event dropped", "error", err)
		return
	}
	if job.JobID == "" {
		c.logger.Error("received job without job_id")
		return
	}
	if c.guard.CheckAndMark(job.JobID) {
		c.logger.Warn("duplicate job dropped", "job_id", job.JobID)
		return
	}

	c.logger.Info("received job", "job_id", job.JobID)

	ctx := c.runContext()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.processJob(ctx, job)
	}()
}

// processJob forwards a job to the gateway and converts the outcome into
// exactly one job_response. Gateway failures never escape this boundary.
func (c *Connector) processJob(ctx context.Context, job jobData) {
	messages := job.Messages
	if job.SystemPrompt != "" {
		messages = append([]gateway.Message{{Role: "system", Content: job.SystemPrompt}}, messages...)
	}

	params := gateway.ChatParams{
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
	if job.Temperature != nil {
		params.Temperature = *job.Temperature
	}
	if job.MaxTokens != nil {
		params.MaxTokens = *job.MaxTokens
	}

	response, err := c.chat.Chat(ctx, messages, params)
	if err != nil {
		c.logger.Error("job failed", "job_id", job.JobID, "error", err)
		c.respond(jobResponse{Type: "job_response", JobID: job.JobID, Success: false, Error: err.Error()})
		return
	}

	c.logger.Info("job completed", "job_id", job.JobID)
	c.respond(jobResponse{Type: "job_response", JobID: job.JobID, Success: true, Response: response})
}

// handleHealthCheck answers a relay-initiated probe with the same
// envelope discipline as jobs.
func (c *Connector) handleHealthCheck(data json.RawMessage) {
	var check healthCheckData
	if err := json.Unmarshal(data, &check); err != nil {
		c.logger.Warn("malformed health_check dropped", "error", err)
		return
	}
	if check.JobID == "" {
		c.logger.Error("received health_check without job_id")
		return
	}
	if c.guard.CheckAndMark(check.JobID) {
		c.logger.Warn("duplicate health_check dropped", "job_id", check.JobID)
		return
	}

	c.logger.Info("received health check", "job_id", check.JobID)

	ctx := c.runContext()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.chat.HealthCheck(ctx) {
			c.respond(jobResponse{Type: "job_response", JobID: check.JobID, Success: true, Response: healthyResponse})
			return
		}
		c.respond(jobResponse{Type: "job_response", JobID: check.JobID, Success: false, Error: "Gateway health check failed"})
	}()
}

// handlePing answers a relay liveness probe with an immediate heartbeat.
func (c *Connector) handlePing(json.RawMessage) {
	c.sendHeartbeat()
}

func (c *Connector) respond(resp jobResponse) {
	if err := c.emit.Emit(eventJobResponse, resp); err != nil {
		c.logger.Error("failed to send job response", "job_id", resp.JobID, "error", err)
	}
}

func (c *Connector) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}
