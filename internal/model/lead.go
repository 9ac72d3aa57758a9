// internal/model/lead.go
package model

import "time"

type LeadStatus string

const (
	LeadAttending LeadStatus = "attending"
	LeadSold      LeadStatus = "sold"
	LeadLost      LeadStatus = "lost"
)

type Lead struct {
	ID             string     `db:"id" json:"id"`
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	AgentID        string     `db:"agent_id" json:"agent_id"`
	CustomerPhone  string     `db:"customer_phone" json:"customer_phone"`
	CustomerName   string     `db:"customer_name" json:"customer_name"`
	Summary        string     `db:"summary" json:"summary"`
	Status         LeadStatus `db:"status" json:"status"`
	SaleValue      *float64   `db:"sale_value" json:"sale_value,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}
