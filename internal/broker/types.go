package broker

import (
	"regexp"
	"time"
)

// TopicConfig holds the per-topic tunables applied at creation.
type TopicConfig struct {
	MaxQueueSize      int           `json:"max_queue_size"`
	MessageRetention  time.Duration `json:"message_retention"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
	RequireAck        bool          `json:"require_ack"`
}

// DefaultTopicConfig returns the defaults named in spec.md §4.1.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		MaxQueueSize:     1000,
		MessageRetention: time.Hour,
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		RequireAck:       false,
	}
}

// Topic is a named pub/sub channel.
type Topic struct {
	Name             string
	Creator          string
	CreatedAt        time.Time
	MessageCount     int64
	SubscriberCount  int
	Config           TopicConfig
}

// Message is an immutable published message.
type Message struct {
	ID            string
	Topic         string
	Payload       interface{}
	PublisherID   string
	CreatedAt     time.Time
	Headers       map[string]string
	TTL           time.Duration // zero means no expiry
	CorrelationID string
	ReplyTo       string
}

// ExpiresAt returns the message's absolute expiry, or the zero Time if
// it has no TTL.
func (m Message) ExpiresAt() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	return m.CreatedAt.Add(m.TTL)
}

// QueuedMessage is a Message awaiting delivery to one subscriber.
type QueuedMessage struct {
	Message     Message
	SubscriberID string
	QueuedAt    time.Time
	Attempts    int
	MaxRetries  int
	NextRetryAt time.Time // zero means ready now
}

// Ready reports whether the message may be dequeued at t.
func (q *QueuedMessage) Ready(t time.Time) bool {
	return q.NextRetryAt.IsZero() || !q.NextRetryAt.After(t)
}

// HeaderMatch is a single header predicate: either a literal value or
// a precompiled regular expression. When Pattern is set it is used and
// Literal is ignored; the broker does not validate the pair.
type HeaderMatch struct {
	Literal string
	Pattern *regexp.Regexp
}

func (h HeaderMatch) matches(value string) bool {
	if h.Pattern != nil {
		return h.Pattern.MatchString(value)
	}
	return h.Literal == value
}

// Filter restricts delivery to messages whose headers and payload
// fields satisfy every declared predicate.
type Filter struct {
	Headers map[string]HeaderMatch
	Payload map[string]interface{}
}

// Match reports whether msg satisfies every declared predicate. A nil
// Filter always matches.
func (f *Filter) Match(msg *Message) bool {
	if f == nil {
		return true
	}
	for key, want := range f.Headers {
		got, ok := msg.Headers[key]
		if !ok || !want.matches(got) {
			return false
		}
	}
	if len(f.Payload) > 0 {
		fields, ok := msg.Payload.(map[string]interface{})
		if !ok {
			return false
		}
		for key, want := range f.Payload {
			got, ok := fields[key]
			if !ok || got != want {
				return false
			}
		}
	}
	return true
}

// Sink is the capability every subscriber supplies to consume
// messages (spec.md §9 — closures captured at subscribe time become a
// capability-style interface here). Implementations must be
// non-blocking or own their own backpressure.
type Sink interface {
	Deliver(msg *Message) error
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(msg *Message) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(msg *Message) error { return f(msg) }

// Subscriber is an identified endpoint consuming messages.
type Subscriber struct {
	ID           string
	ClientID     string
	Topics       map[string]struct{}
	CreatedAt    time.Time
	LastActivity time.Time
	Online       bool
	Filter       *Filter
	DeliveredCount int64
}

// Publisher is tracked for stats only.
type Publisher struct {
	ID             string
	FirstSeen      time.Time
	LastPublish    time.Time
	MessagesSent   int64
}

// GroupStrategy selects how a ConsumerGroup distributes messages
// across its members.
type GroupStrategy string

const (
	StrategyRoundRobin GroupStrategy = "round-robin"
	StrategySticky     GroupStrategy = "sticky"
	StrategyRandom     GroupStrategy = "random"
	StrategyBroadcast  GroupStrategy = "broadcast"
)

// GroupMember is one subscriber bound to a ConsumerGroup.
type GroupMember struct {
	SubscriberID   string
	ClientID       string
	JoinedAt       time.Time
	LastHeartbeat  time.Time
	Partitions     []int
	ProcessedCount int64
	Leader         bool
}

// ConsumerGroup load-balances delivery of one topic across members.
type ConsumerGroup struct {
	Name             string
	Topic            string
	Strategy         GroupStrategy
	Members          []*GroupMember
	CurrentOffset    int64
	CommittedOffset  int64
}

// DeadLetterEntry is a message that exceeded retries or was evicted.
type DeadLetterEntry struct {
	ID            string
	Message       Message
	Reason        string
	FailedAt      time.Time
	OriginalTopic string
	SubscriberID  string
}

// Event is a tagged lifecycle notification emitted to external sinks.
type Event struct {
	Type string
	At   time.Time
	Data map[string]interface{}
}

const (
	EventMessagePublished    = "message:published"
	EventMessageDelivered    = "message:delivered"
	EventMessageQueued       = "message:queued"
	EventMessageFailed       = "message:failed"
	EventSubscriberConnected = "subscriber:connected"
	EventSubscriberDisconnected = "subscriber:disconnected"
	EventTopicCreated        = "topic:created"
	EventTopicDeleted        = "topic:deleted"
	EventCriticalAudit       = "critical-audit"
)

// EventSink receives lifecycle events. Implementations must not panic;
// the Broker recovers and logs but never re-raises into the
// originating operation (spec.md §7).
type EventSink interface {
	Handle(evt Event)
}

// EventSinkFunc adapts a plain function to an EventSink.
type EventSinkFunc func(evt Event)

// Handle implements EventSink.
func (f EventSinkFunc) Handle(evt Event) { f(evt) }
