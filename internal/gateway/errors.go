// ABOUTME: Error taxonomy and retryability classification for gateway calls.
// ABOUTME: Separates connection-class, empty-response, and protocol failures.

package gateway

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConnected indicates an operation was attempted on a connection
// that is not in the ready state.
var ErrNotConnected = errors.New("not connected to gateway")

// ErrConnectionLost indicates the connection dropped while a call was in
// flight. Connection-class failures force a reconnect and are retried.
var ErrConnectionLost = errors.New("gateway connection lost")

// ErrTimeout is returned when a chat call's overall timeout fires with
// zero content gathered.
var ErrTimeout = errors.New("Timeout waiting for gateway response")

// ErrEmptyResponse indicates the gateway reported a final state carrying
// no text at all. Distinct from ErrTimeout, and retryable.
var ErrEmptyResponse = errors.New("gateway returned empty response")

// connectionErrorMarkers are substrings that identify connection-class
// failures surfaced by the websocket layer or an intermediary.
var connectionErrorMarkers = []string{
	"connection",
	"closed",
	"broken pipe",
	"keepalive",
	"ping timeout",
	"reset by peer",
	"1011",
}

// isConnectionError reports whether err is a connection-class failure
// that warrants a reconnect before retrying.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isRetryable reports whether a chat attempt may be repeated. Protocol
// rejections and malformed requests are permanent; everything
// connection-shaped plus empty responses may succeed on retry.
func isRetryable(err error) bool {
	return isConnectionError(err) || errors.Is(err, ErrEmptyResponse)
}
