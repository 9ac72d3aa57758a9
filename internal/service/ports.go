package service

import (
	"context"

	"github.com/unclebandit/chatrelay-backend/internal/ai"
)

// Responder answers a grouped customer query. sessionToken carries the
// responder's own conversation continuity and is opaque here.
type Responder interface {
	Chat(ctx context.Context, query, sessionToken string) (*ai.ChatResponse, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

type Matcher interface {
	Match(ctx context.Context, req ai.MatchRequest) (*ai.MatchResponse, error)
}

// Relayer sends text from the relay identity to a phone.
type Relayer interface {
	Send(ctx context.Context, to, content string) (string, error)
}

var (
	_ Responder  = (*ai.Client)(nil)
	_ Summarizer = (*ai.Client)(nil)
	_ Matcher    = (*ai.Client)(nil)
)
