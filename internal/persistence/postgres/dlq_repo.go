package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/pixybroker/internal/persistence"
)

// deadLetterRepo implements persistence.DeadLetterRepo for PostgreSQL.
type deadLetterRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDeadLetterRepo builds a PostgreSQL-backed DeadLetterRepo.
func NewDeadLetterRepo(db *sqlx.DB, timeout time.Duration) persistence.DeadLetterRepo {
	return &deadLetterRepo{db: db, timeout: timeout}
}

func (r *deadLetterRepo) Append(ctx context.Context, e persistence.DeadLetterRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO dead_letters (id, topic, subscriber_id, reason, payload, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query, e.ID, e.Topic, e.SubscriberID, e.Reason, e.PayloadJSON, e.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

func (r *deadLetterRepo) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return nil
}

func (r *deadLetterRepo) List(ctx context.Context, limit int) ([]persistence.DeadLetterRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, topic, subscriber_id, reason, payload, failed_at
		FROM dead_letters ORDER BY failed_at ASC LIMIT $1`
	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []persistence.DeadLetterRecord
	for rows.Next() {
		var e persistence.DeadLetterRecord
		if err := rows.Scan(&e.ID, &e.Topic, &e.SubscriberID, &e.Reason, &e.PayloadJSON, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

func (r *deadLetterRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}
