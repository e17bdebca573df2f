package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/pixybroker/internal/persistence"
)

// topicsRepo implements persistence.TopicRepo for PostgreSQL:
// parameterized queries through sqlx, context-scoped timeouts, and an
// upsert on Save.
type topicsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTopicsRepo builds a PostgreSQL-backed TopicRepo.
func NewTopicsRepo(db *sqlx.DB, timeout time.Duration) persistence.TopicRepo {
	return &topicsRepo{db: db, timeout: timeout}
}

func (r *topicsRepo) Save(ctx context.Context, t persistence.TopicRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO topics (name, creator, created_at, max_queue_size, message_retention_ms, max_retries, retry_delay_ms, require_ack)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			max_queue_size = EXCLUDED.max_queue_size,
			message_retention_ms = EXCLUDED.message_retention_ms,
			max_retries = EXCLUDED.max_retries,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			require_ack = EXCLUDED.require_ack`

	_, err := r.db.ExecContext(ctx, query,
		t.Name, t.Creator, t.CreatedAt, t.MaxQueueSize, t.MessageRetentionMS,
		t.MaxRetries, t.RetryDelayMS, t.RequireAck)
	if err != nil {
		return fmt.Errorf("failed to save topic: %w", err)
	}
	return nil
}

func (r *topicsRepo) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM topics WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}
	return nil
}

func (r *topicsRepo) Get(ctx context.Context, name string) (*persistence.TopicRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var t persistence.TopicRecord
	query := `
		SELECT name, creator, created_at, max_queue_size, message_retention_ms, max_retries, retry_delay_ms, require_ack
		FROM topics WHERE name = $1`
	err := r.db.QueryRowxContext(ctx, query, name).Scan(
		&t.Name, &t.Creator, &t.CreatedAt, &t.MaxQueueSize, &t.MessageRetentionMS,
		&t.MaxRetries, &t.RetryDelayMS, &t.RequireAck)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return &t, nil
}

func (r *topicsRepo) ListAll(ctx context.Context) ([]persistence.TopicRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT name, creator, created_at, max_queue_size, message_retention_ms, max_retries, retry_delay_ms, require_ack
		FROM topics ORDER BY name`
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var out []persistence.TopicRecord
	for rows.Next() {
		var t persistence.TopicRecord
		if err := rows.Scan(&t.Name, &t.Creator, &t.CreatedAt, &t.MaxQueueSize, &t.MessageRetentionMS,
			&t.MaxRetries, &t.RetryDelayMS, &t.RequireAck); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating topics: %w", err)
	}
	return out, nil
}
