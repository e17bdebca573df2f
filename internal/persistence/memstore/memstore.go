// Package memstore is the default in-memory persistence.Repository,
// grounded on the same method set as internal/persistence/postgres so
// both satisfy persistence.Repository's collaborator interfaces. It
// is what cmd/brokerd wires in when Postgres is disabled, and what the
// persistence adapter tests use.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sawpanic/pixybroker/internal/persistence"
)

// Store bundles every repository behind one coarse mutex; the broker
// core only ever calls one repository method at a time per operation,
// so a single lock buys simplicity without a measurable throughput
// cost for the in-memory default.
type Store struct {
	mu sync.RWMutex

	topics   map[string]persistence.TopicRecord
	messages []persistence.MessageRecord
	groups   map[string]persistence.GroupRecord
	dead     []persistence.DeadLetterRecord
	audit    []persistence.AuditRecord
	nextAuditID int64
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		topics: make(map[string]persistence.TopicRecord),
		groups: make(map[string]persistence.GroupRecord),
	}
}

// Repository returns a persistence.Repository backed entirely by s.
func (s *Store) Repository() *persistence.Repository {
	return &persistence.Repository{
		Topics:      (*topicRepo)(s),
		Messages:    (*messageRepo)(s),
		Groups:      (*groupRepo)(s),
		DeadLetters: (*deadLetterRepo)(s),
		Audit:       (*auditRepo)(s),
	}
}

// Health implements persistence.RepositoryHealth trivially: the
// in-memory store is always up.
func (s *Store) Health(ctx context.Context) persistence.HealthCheck {
	return persistence.HealthCheck{Healthy: true, LastCheck: time.Now()}
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Stats reports record counts.
func (s *Store) Stats(ctx context.Context) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"backend":       "memory",
		"topics":        len(s.topics),
		"messages":      len(s.messages),
		"groups":        len(s.groups),
		"dead_letters":  len(s.dead),
		"audit_records": len(s.audit),
	}
}

type topicRepo Store

func (r *topicRepo) Save(ctx context.Context, t persistence.TopicRecord) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[t.Name] = t
	return nil
}

func (r *topicRepo) Delete(ctx context.Context, name string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, name)
	return nil
}

func (r *topicRepo) Get(ctx context.Context, name string) (*persistence.TopicRecord, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *topicRepo) ListAll(ctx context.Context) ([]persistence.TopicRecord, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.TopicRecord, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type messageRepo Store

func (r *messageRepo) Save(ctx context.Context, m persistence.MessageRecord) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (r *messageRepo) ListByTopic(ctx context.Context, topic string, tr persistence.TimeRange, limit int) ([]persistence.MessageRecord, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.MessageRecord
	for i := len(s.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		m := s.messages[i]
		if m.Topic != topic {
			continue
		}
		if !tr.From.IsZero() && m.CreatedAt.Before(tr.From) {
			continue
		}
		if !tr.To.IsZero() && m.CreatedAt.After(tr.To) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *messageRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, m := range s.messages {
		if !tr.From.IsZero() && m.CreatedAt.Before(tr.From) {
			continue
		}
		if !tr.To.IsZero() && m.CreatedAt.After(tr.To) {
			continue
		}
		count++
	}
	return count, nil
}

// SearchMessages substring-matches topic, publisher id, or the raw
// payload JSON, newest first (spec.md §6 "persistence... search by
// substring across topic/payload/publisher"). No transport route calls
// it.
func (s *Store) SearchMessages(ctx context.Context, needle string, limit int) []persistence.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle = strings.ToLower(needle)
	var out []persistence.MessageRecord
	for i := len(s.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		m := s.messages[i]
		if strings.Contains(strings.ToLower(m.Topic), needle) ||
			strings.Contains(strings.ToLower(m.PublisherID), needle) ||
			strings.Contains(strings.ToLower(string(m.PayloadJSON)), needle) {
			out = append(out, m)
		}
	}
	return out
}

type groupRepo Store

func (r *groupRepo) Save(ctx context.Context, g persistence.GroupRecord) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.Name] = g
	return nil
}

func (r *groupRepo) CommitOffset(ctx context.Context, name string, offset int64) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[name]
	g.Name = name
	g.CommittedOffset = offset
	g.UpdatedAt = time.Now()
	s.groups[name] = g
	return nil
}

func (r *groupRepo) Get(ctx context.Context, name string) (*persistence.GroupRecord, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (r *groupRepo) ListAll(ctx context.Context) ([]persistence.GroupRecord, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.GroupRecord, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type deadLetterRepo Store

func (r *deadLetterRepo) Append(ctx context.Context, e persistence.DeadLetterRecord) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, e)
	return nil
}

func (r *deadLetterRepo) Remove(ctx context.Context, id string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.dead {
		if e.ID == id {
			s.dead = append(s.dead[:i:i], s.dead[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *deadLetterRepo) List(ctx context.Context, limit int) ([]persistence.DeadLetterRecord, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.DeadLetterRecord, len(s.dead))
	copy(out, s.dead)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *deadLetterRepo) Count(ctx context.Context) (int64, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.dead)), nil
}

type auditRepo Store

func (r *auditRepo) Append(ctx context.Context, a persistence.AuditRecord) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	a.ID = s.nextAuditID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.audit = append(s.audit, a)
	return nil
}

func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]persistence.AuditRecord, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.AuditRecord, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
