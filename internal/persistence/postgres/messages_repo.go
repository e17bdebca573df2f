package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/pixybroker/internal/persistence"
)

// messagesRepo implements persistence.MessageRepo for PostgreSQL.
type messagesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMessagesRepo builds a PostgreSQL-backed MessageRepo.
func NewMessagesRepo(db *sqlx.DB, timeout time.Duration) persistence.MessageRepo {
	return &messagesRepo{db: db, timeout: timeout}
}

func (r *messagesRepo) Save(ctx context.Context, m persistence.MessageRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	headersJSON, err := json.Marshal(m.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO messages (id, topic, payload, publisher_id, created_at, headers, correlation_id, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err = r.db.ExecContext(ctx, query,
		m.ID, m.Topic, m.PayloadJSON, m.PublisherID, m.CreatedAt, headersJSON, m.CorrelationID, m.ReplyTo)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (r *messagesRepo) ListByTopic(ctx context.Context, topic string, tr persistence.TimeRange, limit int) ([]persistence.MessageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, topic, payload, publisher_id, created_at, headers, correlation_id, reply_to
		FROM messages
		WHERE topic = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, topic, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []persistence.MessageRecord
	for rows.Next() {
		var m persistence.MessageRecord
		var headersJSON []byte
		if err := rows.Scan(&m.ID, &m.Topic, &m.PayloadJSON, &m.PublisherID, &m.CreatedAt, &headersJSON, &m.CorrelationID, &m.ReplyTo); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &m.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

func (r *messagesRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	query := `SELECT COUNT(*) FROM messages WHERE created_at >= $1 AND created_at <= $2`
	if err := r.db.QueryRowxContext(ctx, query, tr.From, tr.To).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
