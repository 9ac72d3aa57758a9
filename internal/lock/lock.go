// Package lock provides short-lived, cross-process locks keyed by string.
// Workers use them to keep two overlapping runs off the same conversation.
package lock

import (
	"context"
	"time"
)

// Locker hands out TTL leases. TryLock never blocks waiting for a holder: it
// returns ok=false when someone else holds an unexpired lease on key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

func BatchKey(conversationID string) string    { return "batch:" + conversationID }
func TransferKey(conversationID string) string { return "transfer:" + conversationID }
