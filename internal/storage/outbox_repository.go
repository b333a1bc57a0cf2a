package storage

import (
	"context"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OutboxRepository stores notifications pending delivery. Rows are written
// in the same transaction as the state change they announce, then drained by
// the outbox dispatcher. The dedupe key makes re-enqueues from retried
// operations no-ops, so delivery is at-least-once but never duplicated at
// the enqueue side.
type OutboxRepository struct {
	db *PostgresDB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *PostgresDB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue inserts a notification unless one with the same dedupe key exists.
func (r *OutboxRepository) Enqueue(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Status = types.NotificationPending
	n.CreatedAt = time.Now().UTC()

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO notifications (id, dedupe_key, user_id, type, title, message, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, n.ID, n.DedupeKey, n.UserID, n.Type, n.Title, n.Message, n.Status, n.CreatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("enqueue notification", err)
	}
	return nil
}

// EnqueueTx is Enqueue inside a caller-owned transaction.
func (r *OutboxRepository) EnqueueTx(ctx context.Context, tx pgx.Tx, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Status = types.NotificationPending
	n.CreatedAt = time.Now().UTC()

	_, err := tx.Exec(ctx, `
		INSERT INTO notifications (id, dedupe_key, user_id, type, title, message, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, n.ID, n.DedupeKey, n.UserID, n.Type, n.Title, n.Message, n.Status, n.CreatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("enqueue notification", err)
	}
	return nil
}

// ListPending returns undelivered notifications, oldest first.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]*models.Notification, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, dedupe_key, user_id, type, title, message, status, attempts, created_at, sent_at
		FROM notifications
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list pending notifications", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.DedupeKey, &n.UserID, &n.Type, &n.Title, &n.Message,
			&n.Status, &n.Attempts, &n.CreatedAt, &n.SentAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan notification", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate notifications", err)
	}

	return out, nil
}

// MarkSent records successful delivery
func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = 'sent', attempts = attempts + 1, sent_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, now)
	if err != nil {
		return apperrors.NewDatabaseError("mark notification sent", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("notification", id)
	}
	return nil
}

// RecordAttempt bumps the attempt counter after a failed delivery so the
// dispatcher can apply backoff ordering on subsequent passes.
func (r *OutboxRepository) RecordAttempt(ctx context.Context, id string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications SET attempts = attempts + 1 WHERE id = $1
	`, id)
	if err != nil {
		return apperrors.NewDatabaseError("record notification attempt", err)
	}
	return nil
}
