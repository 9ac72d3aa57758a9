// internal/model/message.go
package model

import "time"

type SenderRole string

const (
	RoleCustomer SenderRole = "customer"
	RoleBot      SenderRole = "bot"
	RoleAgent    SenderRole = "agent"
	RoleSystem   SenderRole = "system"
)

const (
	DeliveryReceived = "received"
	DeliveryPending  = "pending"
	DeliverySent     = "sent"
	DeliveryFailed   = "failed"
)

type Message struct {
	ID                string     `db:"id" json:"id"`
	ConversationID    string     `db:"conversation_id" json:"conversation_id"`
	SenderRole        SenderRole `db:"sender_role" json:"sender_role"`
	Content           string     `db:"content" json:"content"`
	ContentType       string     `db:"content_type" json:"content_type"`
	MediaURL          *string    `db:"media_url" json:"media_url,omitempty"`
	ProviderMessageID *string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	DeliveryStatus    string     `db:"delivery_status" json:"delivery_status"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}
