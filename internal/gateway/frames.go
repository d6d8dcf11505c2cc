// ABOUTME: Wire frame envelope and typed payloads for the gateway protocol.
// ABOUTME: Covers the connect handshake, chat.send, and chat event payloads.

package gateway

import "encoding/json"

// Frame is the protocol envelope. Every inbound and outbound message is
// one of three shapes: a request (type "req"), a response (type "res"),
// or an asynchronous event (type "event").
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error object carried by rejected responses.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// isOK reports whether a response frame is positive.
func (f Frame) isOK() bool {
	return f.OK != nil && *f.OK
}

// errorMessage extracts a human-readable rejection reason.
func (f Frame) errorMessage() string {
	if f.Error != nil && f.Error.Message != "" {
		return f.Error.Message
	}
	return "unknown error"
}

const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"

	eventChallenge = "connect.challenge"
	eventChat      = "chat"

	methodConnect  = "connect"
	methodChatSend = "chat.send"

	chatStateFinal = "final"
)

// protocolVersion is the gateway protocol generation this client speaks.
const protocolVersion = 3

// clientVersion is reported in the connect handshake's client descriptor.
const clientVersion = "0.1.0"

// connectParams is the payload of the single "connect" request.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Auth        *connectAuth  `json:"auth,omitempty"`
}

// connectClient describes this client to the gateway.
type connectClient struct {
	ID       string `json:"id"`
	Mode     string `json:"mode"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// chatSendParams is the payload of a chat.send request.
type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// responsePayload is the portion of a response payload the client cares
// about: the run id used for subsequent event correlation.
type responsePayload struct {
	RunID string `json:"runId"`
}

// eventPayload is the portion of an event payload used for correlation
// and chat assembly.
type eventPayload struct {
	State      string       `json:"state"`
	RunID      string       `json:"runId"`
	SessionKey string       `json:"sessionKey"`
	Message    eventMessage `json:"message"`
}

type eventMessage struct {
	Content []contentBlock `json:"content"`
}

// contentBlock is one fragment of an assistant message. Only text-typed
// blocks contribute to assembled chat output.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// decodeEventPayload tolerantly parses an event payload; malformed
// payloads yield the zero value so the frame is simply unmatched.
func decodeEventPayload(raw json.RawMessage) eventPayload {
	var p eventPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}
