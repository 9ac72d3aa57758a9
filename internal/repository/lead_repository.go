package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/chatrelay-backend/internal/model"
)

type LeadRepositoryInterface interface {
	ListOpenByAgent(ctx context.Context, agentID string) ([]*model.Lead, error)
	GetByConversation(ctx context.Context, conversationID string) (*model.Lead, error)
}

type LeadRepository struct {
	DB *sql.DB
}

const leadColumns = `id, conversation_id, agent_id, customer_phone, customer_name, summary, status, sale_value, created_at, updated_at`

func scanLead(row rowScanner) (*model.Lead, error) {
	var l model.Lead
	var sale sql.NullFloat64
	if err := row.Scan(&l.ID, &l.ConversationID, &l.AgentID, &l.CustomerPhone, &l.CustomerName,
		&l.Summary, &l.Status, &sale, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if sale.Valid {
		v := sale.Float64
		l.SaleValue = &v
	}
	return &l, nil
}

// ListOpenByAgent returns the agent's attending leads, most recent first.
func (r *LeadRepository) ListOpenByAgent(ctx context.Context, agentID string) ([]*model.Lead, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+leadColumns+` FROM leads
        WHERE agent_id=$1 AND status=$2
        ORDER BY created_at DESC
    `, agentID, model.LeadAttending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []*model.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// GetByConversation returns nil, nil when the conversation was never handed off.
func (r *LeadRepository) GetByConversation(ctx context.Context, conversationID string) (*model.Lead, error) {
	row := r.DB.QueryRowContext(ctx, `
        SELECT `+leadColumns+` FROM leads WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT 1
    `, conversationID)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

var _ LeadRepositoryInterface = (*LeadRepository)(nil)
