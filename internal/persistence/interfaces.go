package persistence

import (
	"context"
	"time"
)

// TopicRecord is the persisted representation of a broker topic.
type TopicRecord struct {
	Name             string    `json:"name" db:"name"`
	Creator          string    `json:"creator" db:"creator"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	MaxQueueSize     int       `json:"max_queue_size" db:"max_queue_size"`
	MessageRetentionMS int64   `json:"message_retention_ms" db:"message_retention_ms"`
	MaxRetries       int       `json:"max_retries" db:"max_retries"`
	RetryDelayMS     int64     `json:"retry_delay_ms" db:"retry_delay_ms"`
	RequireAck       bool      `json:"require_ack" db:"require_ack"`
}

// MessageRecord is the persisted representation of a published
// message, payload stored as JSONB.
type MessageRecord struct {
	ID            string         `json:"id" db:"id"`
	Topic         string         `json:"topic" db:"topic"`
	PayloadJSON   []byte         `json:"payload" db:"payload"`
	PublisherID   string         `json:"publisher_id" db:"publisher_id"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	Headers       map[string]string `json:"headers" db:"headers"`
	CorrelationID string         `json:"correlation_id,omitempty" db:"correlation_id"`
	ReplyTo       string         `json:"reply_to,omitempty" db:"reply_to"`
}

// GroupRecord is the persisted representation of a consumer group's
// configuration and committed offset.
type GroupRecord struct {
	Name            string    `json:"name" db:"name"`
	Topic           string    `json:"topic" db:"topic"`
	Strategy        string    `json:"strategy" db:"strategy"`
	CommittedOffset int64     `json:"committed_offset" db:"committed_offset"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// DeadLetterRecord is the persisted representation of a dead-lettered
// message.
type DeadLetterRecord struct {
	ID            string    `json:"id" db:"id"`
	Topic         string    `json:"topic" db:"topic"`
	SubscriberID  string    `json:"subscriber_id" db:"subscriber_id"`
	Reason        string    `json:"reason" db:"reason"`
	PayloadJSON   []byte    `json:"payload" db:"payload"`
	FailedAt      time.Time `json:"failed_at" db:"failed_at"`
}

// AuditRecord is an append-only log entry for critical events (full
// dead-letter store drops, forced topic deletions, and the like).
type AuditRecord struct {
	ID        int64                  `json:"id" db:"id"`
	Kind      string                 `json:"kind" db:"kind"`
	Data      map[string]interface{} `json:"data" db:"data"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// TimeRange bounds a query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TopicRepo persists topic metadata.
type TopicRepo interface {
	Save(ctx context.Context, t TopicRecord) error
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*TopicRecord, error)
	ListAll(ctx context.Context) ([]TopicRecord, error)
}

// MessageRepo persists published messages for audit/replay.
type MessageRepo interface {
	Save(ctx context.Context, m MessageRecord) error
	ListByTopic(ctx context.Context, topic string, tr TimeRange, limit int) ([]MessageRecord, error)
	Count(ctx context.Context, tr TimeRange) (int64, error)
}

// GroupRepo persists consumer group configuration and offsets.
type GroupRepo interface {
	Save(ctx context.Context, g GroupRecord) error
	CommitOffset(ctx context.Context, name string, offset int64) error
	Get(ctx context.Context, name string) (*GroupRecord, error)
	ListAll(ctx context.Context) ([]GroupRecord, error)
}

// DeadLetterRepo persists dead-lettered messages.
type DeadLetterRepo interface {
	Append(ctx context.Context, e DeadLetterRecord) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]DeadLetterRecord, error)
	Count(ctx context.Context) (int64, error)
}

// AuditRepo persists critical-audit events.
type AuditRepo interface {
	Append(ctx context.Context, a AuditRecord) error
	ListRecent(ctx context.Context, limit int) ([]AuditRecord, error)
}

// Repository aggregates every persistence collaborator the broker
// facade calls out to.
type Repository struct {
	Topics      TopicRepo
	Messages    MessageRepo
	Groups      GroupRepo
	DeadLetters DeadLetterRepo
	Audit       AuditRepo
}

// HealthCheck reports persistence layer health.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth exposes connectivity checks independent of the
// domain repositories above.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}
