package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/chatrelay-backend/internal/model"
)

type MessageRepositoryInterface interface {
	Append(ctx context.Context, msg *model.Message) (bool, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error)
	HasBotMessageSince(ctx context.Context, conversationID string, since time.Time, excludeID string) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, id, status string) error
}

type MessageRepository struct {
	DB *sql.DB
}

// Append inserts msg and fills ID/CreatedAt. It returns false when a message
// with the same provider_message_id was already stored (webhook redelivery).
func (r *MessageRepository) Append(ctx context.Context, msg *model.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.ContentType == "" {
		msg.ContentType = "text"
	}
	query := `
        INSERT INTO messages
        (id, conversation_id, sender_role, content, content_type, media_url, provider_message_id, delivery_status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (provider_message_id) DO NOTHING
    `
	res, err := r.DB.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderRole, msg.Content, msg.ContentType,
		nullString(msg.MediaURL), nullString(msg.ProviderMessageID), msg.DeliveryStatus, msg.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, conversation_id, sender_role, content, content_type, media_url, provider_message_id, delivery_status, created_at
        FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at ASC, id ASC
    `, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*model.Message{}
	for rows.Next() {
		var m model.Message
		var media, providerID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderRole, &m.Content, &m.ContentType,
			&media, &providerID, &m.DeliveryStatus, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.MediaURL = stringPtr(media)
		m.ProviderMessageID = stringPtr(providerID)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// HasBotMessageSince backs the dedup guard. excludeID lets a batch ignore the
// reply it produced itself.
func (r *MessageRepository) HasBotMessageSince(ctx context.Context, conversationID string, since time.Time, excludeID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM messages
            WHERE conversation_id=$1 AND sender_role=$2 AND created_at>=$3 AND id::text<>$4
        )
    `, conversationID, model.RoleBot, since, excludeID).Scan(&exists)
	return exists, err
}

func (r *MessageRepository) UpdateDeliveryStatus(ctx context.Context, id, status string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE messages SET delivery_status=$1 WHERE id=$2`, status, id)
	return err
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
