// internal/model/conversation.go
package model

import "time"

type ConversationStatus string

const (
	StatusBotAttending         ConversationStatus = "bot_attending"
	StatusWaitingEvaluation    ConversationStatus = "waiting_evaluation"
	StatusQualifiedForTransfer ConversationStatus = "qualified_for_transfer"
	StatusSentToSeller         ConversationStatus = "sent_to_seller"
	StatusFinished             ConversationStatus = "finished"
)

// Handed reports whether the conversation is already owned by an agent or closed.
func (s ConversationStatus) Handed() bool {
	return s == StatusSentToSeller || s == StatusFinished
}

type Conversation struct {
	ID                   string             `db:"id" json:"id"`
	CustomerPhone        string             `db:"customer_phone" json:"customer_phone"`
	CustomerName         string             `db:"customer_name" json:"customer_name"`
	Status               ConversationStatus `db:"status" json:"status"`
	FallbackMode         bool               `db:"fallback_mode" json:"fallback_mode"`
	FallbackOwner        *string            `db:"fallback_owner" json:"fallback_owner,omitempty"`
	ExternalSessionToken *string            `db:"external_session_token" json:"-"`
	StatusChangedAt      time.Time          `db:"status_changed_at" json:"status_changed_at"`
	CreatedAt            time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time          `db:"updated_at" json:"updated_at"`
}

// AcceptsBatches is true while the bot is still the one answering.
func (c *Conversation) AcceptsBatches() bool {
	return !c.FallbackMode && c.Status == StatusBotAttending
}

// Eligible is the processor-side check: a batch already queued may still be
// answered unless a human took over or the conversation closed.
func (c *Conversation) Eligible() bool {
	return !c.FallbackMode && c.Status != StatusFinished
}
