package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/model"
)

type BatchQueueRepositoryInterface interface {
	Upsert(ctx context.Context, conversationID, content string, scheduledFor time.Time, maxRetries int) (*model.BatchQueueItem, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.BatchQueueItem, error)
	GetByID(ctx context.Context, id string) (*model.BatchQueueItem, error)
	SaveReply(ctx context.Context, id string, reply *model.Message, covers int) error
	ClaimRelay(ctx context.Context, id string, now, until time.Time) (bool, error)
	MarkSent(ctx context.Context, id string, answered int, regroupAt time.Time) error
	MarkSkipped(ctx context.Context, id, reason string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	RecordFailure(ctx context.Context, id, lastError string, retryAt time.Time) (*model.BatchQueueItem, error)
	SkipWaitingForConversation(ctx context.Context, conversationID, reason string) (int64, error)
}

type BatchQueueRepository struct {
	DB *sql.DB
}

const batchColumns = `id, conversation_id, messages_content, status, retry_count, max_retries, scheduled_for,
        processed_at, last_error, reply_content, reply_message_id, reply_covers, relaying_until, created_at, updated_at`

func scanBatch(row rowScanner) (*model.BatchQueueItem, error) {
	var b model.BatchQueueItem
	var processed, relaying sql.NullTime
	var replyID sql.NullString
	err := row.Scan(&b.ID, &b.ConversationID, pq.Array(&b.MessagesContent), &b.Status, &b.RetryCount, &b.MaxRetries,
		&b.ScheduledFor, &processed, &b.LastError, &b.ReplyContent, &replyID, &b.ReplyCovers, &relaying,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if processed.Valid {
		t := processed.Time
		b.ProcessedAt = &t
	}
	if relaying.Valid {
		t := relaying.Time
		b.RelayingUntil = &t
	}
	b.ReplyMessageID = stringPtr(replyID)
	return &b, nil
}

// Upsert appends content to the conversation's waiting item and pushes its
// schedule forward, or inserts a new one. The partial unique index on
// (conversation_id) WHERE status='waiting' makes this the only way a second
// active item could appear, and ON CONFLICT folds it into the first.
func (r *BatchQueueRepository) Upsert(ctx context.Context, conversationID, content string, scheduledFor time.Time, maxRetries int) (*model.BatchQueueItem, error) {
	query := `
        INSERT INTO batch_queue_items
        (id, conversation_id, messages_content, status, retry_count, max_retries, scheduled_for, created_at, updated_at)
        VALUES ($1, $2, $3, 'waiting', 0, $4, $5, NOW(), NOW())
        ON CONFLICT (conversation_id) WHERE status = 'waiting'
        DO UPDATE SET
            messages_content = batch_queue_items.messages_content || EXCLUDED.messages_content,
            scheduled_for = GREATEST(batch_queue_items.scheduled_for, EXCLUDED.scheduled_for),
            updated_at = NOW()
        RETURNING ` + batchColumns
	row := r.DB.QueryRowContext(ctx, query, uuid.NewString(), conversationID, pq.Array([]string{content}), maxRetries, scheduledFor)
	return scanBatch(row)
}

// ListDue returns waiting items whose schedule has passed, oldest first.
func (r *BatchQueueRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.BatchQueueItem, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+batchColumns+`
        FROM batch_queue_items
        WHERE status='waiting' AND scheduled_for<=$1 AND retry_count<max_retries
        ORDER BY created_at ASC
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*model.BatchQueueItem{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *BatchQueueRepository) GetByID(ctx context.Context, id string) (*model.BatchQueueItem, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_queue_items WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NewNotFound("batch queue item", id)
	}
	return b, err
}

// SaveReply stores the bot message and attaches it to the waiting item in one
// transaction. covers is the number of leading contents the reply answers.
func (r *BatchQueueRepository) SaveReply(ctx context.Context, id string, reply *model.Message, covers int) error {
	if reply.ID == "" {
		reply.ID = uuid.NewString()
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now()
	}
	if reply.ContentType == "" {
		reply.ContentType = "text"
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE batch_queue_items
        SET reply_content=$1, reply_message_id=$2, reply_covers=LEAST($3, cardinality(messages_content)), updated_at=NOW()
        WHERE id=$4 AND status='waiting'
    `, reply.Content, reply.ID, covers, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return appErrors.NewNotFound("waiting batch queue item", id)
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO messages
        (id, conversation_id, sender_role, content, content_type, delivery_status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, reply.ID, reply.ConversationID, reply.SenderRole, reply.Content, reply.ContentType,
		reply.DeliveryStatus, reply.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimRelay marks the item as being relayed until `until`. It returns false
// while another run holds an unexpired claim.
func (r *BatchQueueRepository) ClaimRelay(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE batch_queue_items SET relaying_until=$1, updated_at=NOW()
        WHERE id=$2 AND status='waiting' AND (relaying_until IS NULL OR relaying_until<=$3)
    `, until, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSent closes the item with the first `answered` contents. Anything the
// ingestor appended while the reply was in flight moves to a new waiting item
// scheduled at regroupAt.
func (r *BatchQueueRepository) MarkSent(ctx context.Context, id string, answered int, regroupAt time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var conversationID string
	var contents []string
	var maxRetries int
	err = tx.QueryRowContext(ctx, `
        SELECT conversation_id, messages_content, max_retries FROM batch_queue_items
        WHERE id=$1 AND status='waiting' FOR UPDATE
    `, id).Scan(&conversationID, pq.Array(&contents), &maxRetries)
	if err == sql.ErrNoRows {
		return appErrors.NewNotFound("waiting batch queue item", id)
	}
	if err != nil {
		return err
	}

	if answered > len(contents) {
		answered = len(contents)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE batch_queue_items
        SET status='sent', messages_content=$1, processed_at=NOW(), last_error='', updated_at=NOW()
        WHERE id=$2
    `, pq.Array(contents[:answered]), id); err != nil {
		return err
	}

	if surplus := contents[answered:]; len(surplus) > 0 {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO batch_queue_items
            (id, conversation_id, messages_content, status, retry_count, max_retries, scheduled_for, created_at, updated_at)
            VALUES ($1, $2, $3, 'waiting', 0, $4, $5, NOW(), NOW())
            ON CONFLICT (conversation_id) WHERE status = 'waiting'
            DO UPDATE SET messages_content = EXCLUDED.messages_content || batch_queue_items.messages_content,
                          updated_at = NOW()
        `, uuid.NewString(), conversationID, pq.Array(surplus), maxRetries, regroupAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *BatchQueueRepository) MarkSkipped(ctx context.Context, id, reason string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE batch_queue_items SET status='skipped', last_error=$1, processed_at=NOW(), updated_at=NOW()
        WHERE id=$2 AND status='waiting'
    `, reason, id)
	return err
}

func (r *BatchQueueRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE batch_queue_items SET status='failed', last_error=$1, processed_at=NOW(), updated_at=NOW()
        WHERE id=$2 AND status='waiting'
    `, lastError, id)
	return err
}

// RecordFailure counts one failed attempt. The item stays waiting with a new
// schedule, or turns failed once retry_count reaches max_retries.
func (r *BatchQueueRepository) RecordFailure(ctx context.Context, id, lastError string, retryAt time.Time) (*model.BatchQueueItem, error) {
	row := r.DB.QueryRowContext(ctx, `
        UPDATE batch_queue_items
        SET retry_count = retry_count + 1,
            last_error = $1,
            scheduled_for = $2,
            status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'waiting' END,
            processed_at = CASE WHEN retry_count + 1 >= max_retries THEN NOW() ELSE processed_at END,
            relaying_until = NULL,
            updated_at = NOW()
        WHERE id=$3 AND status='waiting'
        RETURNING `+batchColumns, lastError, retryAt, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, appErrors.NewNotFound("waiting batch queue item", id)
	}
	return b, err
}

func (r *BatchQueueRepository) SkipWaitingForConversation(ctx context.Context, conversationID, reason string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE batch_queue_items SET status='skipped', last_error=$1, processed_at=NOW(), updated_at=NOW()
        WHERE conversation_id=$2 AND status='waiting'
    `, reason, conversationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ BatchQueueRepositoryInterface = (*BatchQueueRepository)(nil)
