// Package gateway talks to the messaging gateway that owns the relay
// identity's channel.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
)

const integration = "relay"

type SendRequest struct {
	Token   string `json:"token"`
	To      string `json:"to"`
	Content string `json:"content"`
}

type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// RelayClient sends text through the gateway. Outbound calls are paced by a
// token bucket so a burst of due batches does not trip provider rate limits.
type RelayClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewRelayClient(baseURL, token string, timeout time.Duration, rps float64) *RelayClient {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Send delivers content to the phone `to` and returns the provider message id.
// Errors are *appErrors.ConfigError when retrying cannot help, otherwise
// *appErrors.TransientError.
func (c *RelayClient) Send(ctx context.Context, to, content string) (string, error) {
	if c.baseURL == "" || c.token == "" {
		return "", appErrors.NewConfigError(integration, "relay url or token not configured")
	}
	if to == "" {
		return "", appErrors.NewConfigError(integration, "empty destination phone")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", appErrors.NewTransient("relay rate limit", err)
	}

	body, err := json.Marshal(SendRequest{Token: c.token, To: to, Content: content})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return "", appErrors.NewConfigError(integration, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", appErrors.NewTransient("relay send", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out SendResponse
	_ = json.Unmarshal(raw, &out)

	if err := classifyStatus(resp.StatusCode, out.Error); err != nil {
		return "", err
	}
	if !out.Success {
		reason := out.Error
		if reason == "" {
			reason = "gateway reported failure"
		}
		if out.Retryable != nil && !*out.Retryable {
			return "", appErrors.NewConfigError(integration, reason)
		}
		return "", appErrors.NewTransient("relay send", fmt.Errorf("%s", reason))
	}
	return out.MessageID, nil
}

func classifyStatus(code int, reason string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	if reason == "" {
		reason = http.StatusText(code)
	}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return appErrors.NewTransient("relay send", fmt.Errorf("status %d: %s", code, reason))
	default:
		return appErrors.NewConfigError(integration, fmt.Sprintf("status %d: %s", code, reason))
	}
}
