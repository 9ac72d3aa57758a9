// internal/model/batch_queue_item.go
package model

import (
	"strings"
	"time"
)

type BatchStatus string

const (
	BatchWaiting BatchStatus = "waiting"
	BatchSent    BatchStatus = "sent"
	BatchFailed  BatchStatus = "failed"
	BatchSkipped BatchStatus = "skipped"
)

type BatchQueueItem struct {
	ID              string      `db:"id" json:"id"`
	ConversationID  string      `db:"conversation_id" json:"conversation_id"`
	MessagesContent []string    `db:"messages_content" json:"messages_content"`
	Status          BatchStatus `db:"status" json:"status"`
	RetryCount      int         `db:"retry_count" json:"retry_count"`
	MaxRetries      int         `db:"max_retries" json:"max_retries"`
	ScheduledFor    time.Time   `db:"scheduled_for" json:"scheduled_for"`
	ProcessedAt     *time.Time  `db:"processed_at" json:"processed_at,omitempty"`
	LastError       string      `db:"last_error" json:"last_error,omitempty"`
	ReplyContent    string      `db:"reply_content" json:"reply_content,omitempty"`
	ReplyMessageID  *string     `db:"reply_message_id" json:"reply_message_id,omitempty"`
	// ReplyCovers is how many leading contents the stored reply answers.
	ReplyCovers     int         `db:"reply_covers" json:"reply_covers,omitempty"`
	RelayingUntil   *time.Time  `db:"relaying_until" json:"relaying_until,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// Query joins the grouped contents into the single prompt sent to the responder.
func (b *BatchQueueItem) Query() string {
	return strings.Join(b.MessagesContent, "\n")
}

// AwaitingRelay is true once a reply was generated but not yet delivered.
func (b *BatchQueueItem) AwaitingRelay() bool {
	return b.ReplyContent != ""
}
