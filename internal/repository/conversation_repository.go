package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/model"
)

type ConversationRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	GetByPhone(ctx context.Context, phone string) (*model.Conversation, error)
	GetOrCreate(ctx context.Context, phone, name string) (*model.Conversation, bool, error)
	Touch(ctx context.Context, id string) error
	UpdateSessionToken(ctx context.Context, id, token string) error
	TransitionStatus(ctx context.Context, id string, from, to model.ConversationStatus) (bool, error)
	EnableFallback(ctx context.Context, id, operator string) (bool, error)
	ClearFallback(ctx context.Context, id string, resume model.ConversationStatus) (bool, error)
	ListByStatus(ctx context.Context, status model.ConversationStatus, changedBefore time.Time, limit int) ([]*model.Conversation, error)
}

type ConversationRepository struct {
	DB *sql.DB
}

const conversationColumns = `id, customer_phone, customer_name, status, fallback_mode, fallback_owner,
        external_session_token, status_changed_at, created_at, updated_at`

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var owner, token sql.NullString
	err := row.Scan(&c.ID, &c.CustomerPhone, &c.CustomerName, &c.Status, &c.FallbackMode, &owner,
		&token, &c.StatusChangedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.FallbackOwner = stringPtr(owner)
	c.ExternalSessionToken = stringPtr(token)
	return &c, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, appErrors.NewNotFound("conversation", id)
	}
	return c, err
}

// GetByPhone returns nil, nil when no conversation exists for the phone.
func (r *ConversationRepository) GetByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE customer_phone=$1`, phone)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetOrCreate is race-safe: concurrent webhooks for a new phone end up on the
// same row through the unique customer_phone constraint.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, phone, name string) (*model.Conversation, bool, error) {
	now := time.Now()
	res, err := r.DB.ExecContext(ctx, `
        INSERT INTO conversations (id, customer_phone, customer_name, status, status_changed_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $5, $5)
        ON CONFLICT (customer_phone) DO NOTHING
    `, uuid.NewString(), phone, name, model.StatusBotAttending, now)
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()

	c, err := r.GetByPhone(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, appErrors.NewNotFound("conversation", phone)
	}
	return c, n == 1, nil
}

func (r *ConversationRepository) Touch(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, id)
	return err
}

func (r *ConversationRepository) UpdateSessionToken(ctx context.Context, id, token string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE conversations SET external_session_token=$1, updated_at=NOW() WHERE id=$2`,
		nullString(&token), id)
	return err
}

// TransitionStatus only applies when the row is still in from.
func (r *ConversationRepository) TransitionStatus(ctx context.Context, id string, from, to model.ConversationStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE conversations SET status=$1, status_changed_at=NOW(), updated_at=NOW()
        WHERE id=$2 AND status=$3
    `, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *ConversationRepository) EnableFallback(ctx context.Context, id, operator string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE conversations
        SET fallback_mode=TRUE, fallback_owner=$1, status=$2, status_changed_at=NOW(), updated_at=NOW()
        WHERE id=$3 AND status<>$4
    `, nullString(&operator), model.StatusSentToSeller, id, model.StatusFinished)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *ConversationRepository) ClearFallback(ctx context.Context, id string, resume model.ConversationStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE conversations
        SET fallback_mode=FALSE, fallback_owner=NULL, status=$1, status_changed_at=NOW(), updated_at=NOW()
        WHERE id=$2 AND fallback_mode AND status<>$3
    `, resume, id, model.StatusFinished)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListByStatus returns conversations that entered status before changedBefore,
// longest-waiting first.
func (r *ConversationRepository) ListByStatus(ctx context.Context, status model.ConversationStatus, changedBefore time.Time, limit int) ([]*model.Conversation, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+conversationColumns+`
        FROM conversations
        WHERE status=$1 AND status_changed_at<=$2 AND NOT fallback_mode
        ORDER BY status_changed_at ASC
        LIMIT $3
    `, status, changedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []*model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

var _ ConversationRepositoryInterface = (*ConversationRepository)(nil)
