package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sawpanic/pixybroker/infra/breakers"
	"github.com/sawpanic/pixybroker/internal/broker"
)

// Adapter bridges a *Repository to the broker.Persister interface: the
// core calls a handful of Save*/Delete methods and never sees sqlx,
// JSON encoding, or context timeouts. Every call to the underlying
// Repository runs through a circuit breaker so a struggling store
// fails fast instead of piling up blocked broker operations.
type Adapter struct {
	repo    *Repository
	timeout time.Duration
	breaker *breakers.Breaker
}

// NewAdapter builds an Adapter. A nil repo makes every method a no-op
// success, so a Broker can be constructed without persistence at all.
func NewAdapter(repo *Repository, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{repo: repo, timeout: timeout, breaker: breakers.New("persistence")}
}

func (a *Adapter) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.timeout)
}

// guard runs fn through the circuit breaker. While the circuit is
// open, fn is not called and the breaker's own rejection error is
// returned instead.
func (a *Adapter) guard(fn func() error) error {
	_, err := a.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// SaveTopic implements broker.Persister.
func (a *Adapter) SaveTopic(t broker.Topic) error {
	if a.repo == nil {
		return nil
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.Topics.Save(ctx, TopicRecord{
			Name:               t.Name,
			Creator:            t.Creator,
			CreatedAt:          t.CreatedAt,
			MaxQueueSize:       t.Config.MaxQueueSize,
			MessageRetentionMS: int64(t.Config.MessageRetention / time.Millisecond),
			MaxRetries:         t.Config.MaxRetries,
			RetryDelayMS:       int64(t.Config.RetryDelay / time.Millisecond),
			RequireAck:         t.Config.RequireAck,
		})
	})
}

// DeleteTopic implements broker.Persister.
func (a *Adapter) DeleteTopic(name string) error {
	if a.repo == nil {
		return nil
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.Topics.Delete(ctx, name)
	})
}

// SaveMessage implements broker.Persister.
func (a *Adapter) SaveMessage(m broker.Message) error {
	if a.repo == nil {
		return nil
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.Messages.Save(ctx, MessageRecord{
			ID:            m.ID,
			Topic:         m.Topic,
			PayloadJSON:   raw,
			PublisherID:   m.PublisherID,
			CreatedAt:     m.CreatedAt,
			Headers:       m.Headers,
			CorrelationID: m.CorrelationID,
			ReplyTo:       m.ReplyTo,
		})
	})
}

// SaveGroup implements broker.Persister.
func (a *Adapter) SaveGroup(g broker.ConsumerGroup) error {
	if a.repo == nil {
		return nil
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.Groups.Save(ctx, GroupRecord{
			Name:            g.Name,
			Topic:           g.Topic,
			Strategy:        string(g.Strategy),
			CommittedOffset: g.CommittedOffset,
			UpdatedAt:       time.Now(),
		})
	})
}

// CommitOffset implements broker.Persister.
func (a *Adapter) CommitOffset(group string, offset int64) error {
	if a.repo == nil {
		return nil
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.Groups.CommitOffset(ctx, group, offset)
	})
}

// AppendDeadLetter implements broker.Persister.
func (a *Adapter) AppendDeadLetter(e broker.DeadLetterEntry) error {
	if a.repo == nil {
		return nil
	}
	raw, err := json.Marshal(e.Message.Payload)
	if err != nil {
		return err
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.DeadLetters.Append(ctx, DeadLetterRecord{
			ID:           e.ID,
			Topic:        e.OriginalTopic,
			SubscriberID: e.SubscriberID,
			Reason:       e.Reason,
			PayloadJSON:  raw,
			FailedAt:     e.FailedAt,
		})
	})
}

// RemoveDeadLetter implements broker.Persister.
func (a *Adapter) RemoveDeadLetter(id string) error {
	if a.repo == nil {
		return nil
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.DeadLetters.Remove(ctx, id)
	})
}

// AppendAudit persists a critical-audit event. Not part of the
// broker.Persister interface (the core has no notion of "audit", only
// lifecycle events); the wiring layer subscribes an EventSink that
// calls this for EventCriticalAudit (spec.md §9's dead-letter-overflow
// open question; see DESIGN.md).
func (a *Adapter) AppendAudit(kind string, data map[string]interface{}) error {
	if a.repo == nil {
		return nil
	}
	ctx, cancel := a.ctx()
	defer cancel()
	return a.guard(func() error {
		return a.repo.Audit.Append(ctx, AuditRecord{Kind: kind, Data: data, CreatedAt: time.Now()})
	})
}
