package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/model"
)

// HandoffRepositoryInterface commits a transfer as one unit.
type HandoffRepositoryInterface interface {
	CompleteHandoff(ctx context.Context, lead *model.Lead, from model.ConversationStatus) error
}

type HandoffRepository struct {
	DB *sql.DB
}

// CompleteHandoff creates the lead, moves the conversation from `from` to
// sent_to_seller and increments the agent's workload in a single
// transaction. ErrAlreadyTransferred means the conversation left `from`
// before we got here; nothing is written in that case.
func (r *HandoffRepository) CompleteHandoff(ctx context.Context, lead *model.Lead, from model.ConversationStatus) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// conversation first: it is the idempotency gate
	res, err := tx.ExecContext(ctx, `
        UPDATE conversations SET status=$1, status_changed_at=NOW(), updated_at=NOW()
        WHERE id=$2 AND status=$3
    `, model.StatusSentToSeller, lead.ConversationID, from)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return appErrors.ErrAlreadyTransferred
	}

	now := time.Now()
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	lead.Status = model.LeadAttending
	lead.CreatedAt, lead.UpdatedAt = now, now
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO leads (id, conversation_id, agent_id, customer_phone, customer_name, summary, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
    `, lead.ID, lead.ConversationID, lead.AgentID, lead.CustomerPhone, lead.CustomerName,
		lead.Summary, lead.Status, now); err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
        UPDATE agents SET current_workload = current_workload + 1
        WHERE id=$1 AND NOT deleted
    `, lead.AgentID)
	if err != nil {
		return fmt.Errorf("increment workload: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return appErrors.NewNotFound("agent", lead.AgentID)
	}

	return tx.Commit()
}

var _ HandoffRepositoryInterface = (*HandoffRepository)(nil)
