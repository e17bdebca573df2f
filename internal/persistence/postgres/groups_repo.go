package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/pixybroker/internal/persistence"
)

// groupsRepo implements persistence.GroupRepo for PostgreSQL.
type groupsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGroupsRepo builds a PostgreSQL-backed GroupRepo.
func NewGroupsRepo(db *sqlx.DB, timeout time.Duration) persistence.GroupRepo {
	return &groupsRepo{db: db, timeout: timeout}
}

func (r *groupsRepo) Save(ctx context.Context, g persistence.GroupRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO consumer_groups (name, topic, strategy, committed_offset, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			topic = EXCLUDED.topic,
			strategy = EXCLUDED.strategy,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, g.Name, g.Topic, g.Strategy, g.CommittedOffset, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save consumer group: %w", err)
	}
	return nil
}

func (r *groupsRepo) CommitOffset(ctx context.Context, name string, offset int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE consumer_groups SET committed_offset = $2, updated_at = now() WHERE name = $1`
	if _, err := r.db.ExecContext(ctx, query, name, offset); err != nil {
		return fmt.Errorf("failed to commit offset: %w", err)
	}
	return nil
}

func (r *groupsRepo) Get(ctx context.Context, name string) (*persistence.GroupRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var g persistence.GroupRecord
	query := `SELECT name, topic, strategy, committed_offset, updated_at FROM consumer_groups WHERE name = $1`
	err := r.db.QueryRowxContext(ctx, query, name).Scan(&g.Name, &g.Topic, &g.Strategy, &g.CommittedOffset, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group: %w", err)
	}
	return &g, nil
}

func (r *groupsRepo) ListAll(ctx context.Context) ([]persistence.GroupRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT name, topic, strategy, committed_offset, updated_at FROM consumer_groups ORDER BY name`
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumer groups: %w", err)
	}
	defer rows.Close()

	var out []persistence.GroupRecord
	for rows.Next() {
		var g persistence.GroupRecord
		if err := rows.Scan(&g.Name, &g.Topic, &g.Strategy, &g.CommittedOffset, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consumer group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consumer groups: %w", err)
	}
	return out, nil
}
