package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

type AuditRepositoryInterface interface {
	Record(ctx context.Context, source, eventType string, payload json.RawMessage) error
}

type AuditRepository struct {
	DB *sql.DB
}

func (r *AuditRepository) Record(ctx context.Context, source, eventType string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(payload)})
		if err != nil {
			return err
		}
		payload = wrapped
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO system_audit_log (id, source, event_type, payload, created_at)
        VALUES ($1, $2, $3, $4, NOW())
    `, uuid.NewString(), source, eventType, []byte(payload))
	return err
}

var _ AuditRepositoryInterface = (*AuditRepository)(nil)
