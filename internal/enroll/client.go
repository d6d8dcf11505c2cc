// ABOUTME: HTTP client for the relay enrollment endpoints.
// ABOUTME: Handles code normalization, rate limiting, and error mapping.

package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	enrollPath     = "/api/connectors/enroll"
	revokePathTmpl = "/api/connectors/%s/revoke"

	requestTimeout    = 30 * time.Second
	defaultRetryAfter = 15 * time.Minute
)

// RateLimitError reports that the relay throttled an enrollment attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many enrollment attempts, retry in %s", e.RetryAfter)
}

// Result is the identity the relay hands back for a valid code.
type Result struct {
	ConnectorID string `json:"connector_id"`
	Secret      string `json:"secret"`
	AgentID     string `json:"agent_id"`
	AgentName   string `json:"agent_name"`
	RelayURL    string `json:"relay_url"`
}

// Client talks to the relay's enrollment REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an enrollment client for the given API base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.With("component", "enroll"),
	}
}

// NormalizeCode canonicalizes a pairing code to XXXX-XXXX. Dashes and
// spaces are stripped and the code is uppercased; anything that is not
// eight characters after cleanup is returned uppercased as-is so the
// relay produces the error message.
func NormalizeCode(code string) string {
	clean := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(code))
	if len(clean) == 8 {
		return clean[:4] + "-" + clean[4:]
	}
	return strings.ToUpper(code)
}

// BaseURLFromRelay derives the REST API base from a relay websocket URL.
func BaseURLFromRelay(relayURL string) string {
	u, err := url.Parse(relayURL)
	if err != nil {
		return relayURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	return u.String()
}

type enrollRequest struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

type enrollResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after"`
	Result
}

// Enroll exchanges a pairing code for a connector identity. The name is
// an optional label for multi-connector setups.
func (c *Client) Enroll(ctx context.Context, code, name string) (*Result, error) {
	code = NormalizeCode(code)
	c.logger.Info("enrolling", "code", code)

	body, err := json.Marshal(enrollRequest{Code: code, Name: name})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+enrollPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reaching enrollment server: %w", err)
	}
	defer resp.Body.Close()

	var parsed enrollResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := defaultRetryAfter
		if decodeErr == nil && parsed.RetryAfter > 0 {
			retryAfter = time.Duration(parsed.RetryAfter) * time.Second
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && parsed.Error != "" {
			return nil, fmt.Errorf("enrollment failed: %s", parsed.Error)
		}
		return nil, fmt.Errorf("enrollment failed: HTTP %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding enrollment response: %w", decodeErr)
	}
	if !parsed.Success {
		if parsed.Error == "" {
			parsed.Error = "unknown error"
		}
		return nil, fmt.Errorf("enrollment failed: %s", parsed.Error)
	}

	c.logger.Info("enrolled", "connector_id", parsed.ConnectorID, "agent_name", parsed.AgentName)
	result := parsed.Result
	return &result, nil
}

// Revoke invalidates the identity server-side. The local config cleanup
// happens regardless of the outcome, so callers treat errors as a
// warning, not a failure.
func (c *Client) Revoke(ctx context.Context, connectorID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+fmt.Sprintf(revokePathTmpl, url.PathEscape(connectorID)), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reaching enrollment server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed: HTTP %d", resp.StatusCode)
	}
	c.logger.Info("revoked", "connector_id", connectorID)
	return nil
}
