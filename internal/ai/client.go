// Package ai holds the HTTP clients for the external conversational
// services: the responder that answers customers, the summarizer and the
// matcher used at handoff time.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
)

const integration = "ai"

type ChatRequest struct {
	Query        string `json:"query"`
	SessionToken string `json:"session_token,omitempty"`
}

type ChatResponse struct {
	Answer       string `json:"answer"`
	SessionToken string `json:"session_token"`
	UsageTokens  int    `json:"usage_tokens"`
}

type SummarizeRequest struct {
	Transcript string `json:"transcript"`
}

type SummarizeResponse struct {
	Text string `json:"text"`
}

// RosterEntry is the agent view handed to the matcher. Profile is opaque.
type RosterEntry struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Profile            string `json:"profile"`
	CurrentWorkload    int    `json:"current_workload"`
	MaxConcurrentLeads int    `json:"max_concurrent_leads"`
}

type MatchRequest struct {
	Transcript string        `json:"transcript"`
	Summary    string        `json:"summary"`
	Roster     []RosterEntry `json:"roster"`
}

// MatchResponse must carry AgentID as a field; free-text rationale is never
// parsed for an id.
type MatchResponse struct {
	AgentID   string `json:"agent_id"`
	Rationale string `json:"rationale"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Chat(ctx context.Context, query, sessionToken string) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.post(ctx, "/chat", ChatRequest{Query: query, SessionToken: sessionToken}, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Answer) == "" {
		return nil, appErrors.NewTransient("ai chat", fmt.Errorf("empty answer"))
	}
	return &out, nil
}

func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	var out SummarizeResponse
	if err := c.post(ctx, "/summarize", SummarizeRequest{Transcript: transcript}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *Client) Match(ctx context.Context, req MatchRequest) (*MatchResponse, error) {
	var out MatchResponse
	if err := c.post(ctx, "/match", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.baseURL == "" {
		return appErrors.NewConfigError(integration, "AI_URL not configured")
	}
	op := "ai " + strings.TrimPrefix(path, "/")

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return appErrors.NewConfigError(integration, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return appErrors.NewTransient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return appErrors.NewTransient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
		return appErrors.NewConfigError(integration, fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode, snippet(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return appErrors.NewTransient(op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return appErrors.NewTransient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
