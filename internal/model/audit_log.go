// internal/model/audit_log.go
package model

import (
	"encoding/json"
	"time"
)

type AuditLog struct {
	ID        string          `db:"id" json:"id"`
	Source    string          `db:"source" json:"source"`
	EventType string          `db:"event_type" json:"event_type"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
