package broker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/pixybroker/internal/stream"
)

const bridgeMirrorTimeout = 2 * time.Second

const defaultRequestTimeout = 10 * time.Second

// Persister is the optional external-store collaborator the Broker
// calls out to after mutating core state. A nil Persister makes the
// broker purely in-memory.
type Persister interface {
	SaveTopic(t Topic) error
	DeleteTopic(name string) error
	SaveMessage(m Message) error
	SaveGroup(g ConsumerGroup) error
	CommitOffset(group string, offset int64) error
	AppendDeadLetter(e DeadLetterEntry) error
	RemoveDeadLetter(id string) error
}

// RateLimiter is consulted on publish/request per spec.md §4.9 before
// any core state is touched. A nil RateLimiter disables limiting.
type RateLimiter interface {
	Allow(key string) bool
}

// BrokerOptions configures NewBroker; every field is optional.
type BrokerOptions struct {
	Cache              historyCache
	Persister          Persister
	RateLimiter        RateLimiter
	EventSink          EventSink
	DeadLetterCapacity int
	DeadLetterPolicy   FullPolicy
	InternalErrorHook  func(error)
	// Bridge is an optional external event bus (spec.md §4.11): every
	// successfully routed publish is mirrored onto it for downstream
	// consumers outside this broker. Not on the delivery critical
	// path — failures are reported through InternalErrorHook, never
	// surfaced to the publisher.
	Bridge stream.EventBus
}

// Broker is the single facade wiring the topic registry, subscriber
// queues, dead-letter store, consumer groups, router, and request
// correlator into the operations callers actually invoke. It owns
// subscriber/publisher bookkeeping that the lower-level components
// are deliberately blind to.
type Broker struct {
	topics      *TopicRegistry
	queue       *SubscriberQueue
	dlq         *DeadLetterStore
	groups      *ConsumerGroupManager
	router      *Router
	correlator  *RequestCorrelator

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sinks       map[string]Sink
	publishers  map[string]*Publisher

	persister   Persister
	limiter     RateLimiter
	eventSink   EventSink
	onInternal  func(error)
	bridge      stream.EventBus

	startedAt     time.Time
	totalMessages int64

	rateMu      sync.Mutex
	rateBuckets [60]int64
	rateStamps  [60]int64 // unix seconds each bucket was last reset

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewBroker builds a ready-to-use Broker. A nil opts uses every
// default (in-memory, unbounded rate, no persistence).
func NewBroker(opts *BrokerOptions) *Broker {
	if opts == nil {
		opts = &BrokerOptions{}
	}
	cache := opts.Cache
	if cache == nil {
		cache = noopCache{}
	}

	b := &Broker{
		subscribers: make(map[string]*Subscriber),
		sinks:       make(map[string]Sink),
		publishers:  make(map[string]*Publisher),
		persister:   opts.Persister,
		limiter:     opts.RateLimiter,
		eventSink:   opts.EventSink,
		onInternal:  opts.InternalErrorHook,
		bridge:      opts.Bridge,
		startedAt:   time.Now(),
		shutdownCh:  make(chan struct{}),
	}
	b.topics = NewTopicRegistry(cache)
	b.dlq = NewDeadLetterStore(opts.DeadLetterCapacity, opts.DeadLetterPolicy, b.onDeadLetterDropped)
	b.queue = NewSubscriberQueue(b.dlq)
	b.groups = NewConsumerGroupManager()
	b.router = NewRouter(b.topics, b.queue, b.groups, b)
	b.correlator = NewRequestCorrelator(b.subscribeInternal, b.unsubscribeInternal, b.deleteTopicQuiet, b.publishMessage)
	return b
}

// --- SubscriberLookup, satisfied for Router ---

// Subscriber returns a copy-free pointer to the live subscriber
// record; callers must not mutate it.
func (b *Broker) Subscriber(id string) (*Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subscribers[id]
	return s, ok
}

// Sink returns the delivery sink registered for id.
func (b *Broker) Sink(id string) (Sink, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sinks[id]
	return s, ok
}

// --- Topic operations ---

// CreateTopic creates a topic, persisting it if a Persister is wired.
func (b *Broker) CreateTopic(name, creator string, overrides *TopicConfig) (*Topic, error) {
	t, err := b.topics.Create(name, creator, overrides)
	if err != nil {
		return nil, err
	}
	b.persistTopic(*t)
	b.emit(Event{Type: EventTopicCreated, At: time.Now(), Data: map[string]interface{}{"topic": name, "creator": creator}})
	return t, nil
}

// DeleteTopic removes topic and every subscriber binding to it.
func (b *Broker) DeleteTopic(name string) error {
	if !b.topics.Delete(name) {
		return newErr(KindNotFound, "topic "+name+" not found")
	}
	if b.persister != nil {
		if err := b.persister.DeleteTopic(name); err != nil {
			b.reportInternal(wrapErr(KindPersistenceError, "delete topic", err))
		}
	}
	b.emit(Event{Type: EventTopicDeleted, At: time.Now(), Data: map[string]interface{}{"topic": name}})
	return nil
}

// GetTopic returns topic metadata.
func (b *Broker) GetTopic(name string) (*Topic, error) { return b.topics.Get(name) }

// ListTopics returns every topic, sorted by name.
func (b *Broker) ListTopics() []*Topic { return b.topics.ListAll() }

// TopicHistory returns up to limit recent messages for topic (limit
// <=0 defaults to 100, cached per spec.md §6.1).
func (b *Broker) TopicHistory(name string, limit int) []Message { return b.topics.GetHistory(name, limit) }

// --- Publish / subscribe ---

// Publish creates the topic on demand (spec.md §4.1 auto-vivify),
// rate-limits by publisherID, records the message, routes it, and
// returns the stored message.
func (b *Broker) Publish(topic string, payload interface{}, publisherID string, headers map[string]string, ttl time.Duration) (*Message, error) {
	if b.limiter != nil && !b.limiter.Allow("publish:"+publisherID) {
		return nil, newErr(KindRateLimited, "publisher "+publisherID+" exceeded rate limit")
	}
	if _, err := b.topics.EnsureCreated(topic, publisherID); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublisherID: publisherID,
		CreatedAt:   time.Now(),
		Headers:     headers,
		TTL:         ttl,
	}
	return msg, b.publishMessage(msg)
}

// publishMessage routes an already-built message (used directly by
// Publish and by the RequestCorrelator for requests/replies).
func (b *Broker) publishMessage(msg *Message) error {
	b.topics.RecordMessage(*msg)
	b.bumpPublisher(msg.PublisherID)
	b.bumpRate()
	atomic.AddInt64(&b.totalMessages, 1)
	b.persistMessage(*msg)
	b.emit(Event{Type: EventMessagePublished, At: time.Now(), Data: map[string]interface{}{"topic": msg.Topic, "messageId": msg.ID}})

	outcomes := b.router.Route(msg)
	for _, o := range outcomes {
		switch {
		case o.Delivered:
			b.bumpDelivered(o.SubscriberID)
			b.emit(Event{Type: EventMessageDelivered, At: time.Now(), Data: map[string]interface{}{"subscriberId": o.SubscriberID, "messageId": msg.ID}})
		case o.Queued && o.Err != nil:
			b.emit(Event{Type: EventMessageFailed, At: time.Now(), Data: map[string]interface{}{"subscriberId": o.SubscriberID, "messageId": msg.ID, "error": o.Err.Error()}})
		case o.Queued:
			b.emit(Event{Type: EventMessageQueued, At: time.Now(), Data: map[string]interface{}{"subscriberId": o.SubscriberID, "messageId": msg.ID}})
		}
	}
	b.mirrorToBridge(msg)
	return nil
}

// Subscribe registers subscriberID against topic with an optional
// filter and delivery sink, creating the topic on demand.
func (b *Broker) Subscribe(topic, subscriberID, clientID string, filter *Filter, sink Sink) (*Subscriber, error) {
	if _, err := b.topics.EnsureCreated(topic, subscriberID); err != nil {
		return nil, err
	}
	return b.subscribeState(topic, subscriberID, clientID, filter, sink)
}

// subscribeInternal is the narrower signature the RequestCorrelator
// needs for its transient reply-topic subscriptions.
func (b *Broker) subscribeInternal(topic, subscriberID string, sink Sink) error {
	if _, err := b.topics.EnsureCreated(topic, subscriberID); err != nil {
		return err
	}
	_, err := b.subscribeState(topic, subscriberID, subscriberID, nil, sink)
	return err
}

func (b *Broker) subscribeState(topic, subscriberID, clientID string, filter *Filter, sink Sink) (*Subscriber, error) {
	b.topics.AddSubscriber(topic, subscriberID)

	b.mu.Lock()
	sub, exists := b.subscribers[subscriberID]
	if !exists {
		sub = &Subscriber{
			ID:        subscriberID,
			ClientID:  clientID,
			Topics:    make(map[string]struct{}),
			CreatedAt: time.Now(),
			Online:    true,
			Filter:    filter,
		}
		b.subscribers[subscriberID] = sub
	}
	sub.Topics[topic] = struct{}{}
	sub.LastActivity = time.Now()
	if filter != nil {
		sub.Filter = filter
	}
	if sink != nil {
		b.sinks[subscriberID] = sink
	}
	wasNew := !exists
	b.mu.Unlock()

	if wasNew {
		b.emit(Event{Type: EventSubscriberConnected, At: time.Now(), Data: map[string]interface{}{"subscriberId": subscriberID, "topic": topic}})
	}
	return sub, nil
}

// Unsubscribe removes subscriberID's binding to topic only.
func (b *Broker) Unsubscribe(topic, subscriberID string) error {
	b.topics.RemoveSubscriber(topic, subscriberID)
	b.unsubscribeInternal(topic, subscriberID)
	b.mu.Lock()
	if sub, ok := b.subscribers[subscriberID]; ok {
		delete(sub.Topics, topic)
	}
	b.mu.Unlock()
	return nil
}

func (b *Broker) unsubscribeInternal(topic, subscriberID string) {
	b.topics.RemoveSubscriber(topic, subscriberID)
}

// deleteTopicQuiet removes a transient reply topic once the
// RequestCorrelator has settled, without persisting the deletion or
// emitting a topic:deleted event — it was never a user-visible topic.
func (b *Broker) deleteTopicQuiet(topic string) error {
	b.topics.Delete(topic)
	return nil
}

// UnsubscribeAll removes subscriberID from every topic, its queue, and
// any consumer group it belongs to.
func (b *Broker) UnsubscribeAll(subscriberID string) {
	b.topics.RemoveSubscriberEverywhere(subscriberID)
	b.queue.Clear(subscriberID)
	b.groups.Leave(subscriberID)

	b.mu.Lock()
	delete(b.subscribers, subscriberID)
	delete(b.sinks, subscriberID)
	b.mu.Unlock()

	b.emit(Event{Type: EventSubscriberDisconnected, At: time.Now(), Data: map[string]interface{}{"subscriberId": subscriberID}})
}

// SetOnline flips a subscriber's online flag; callers should drain its
// queue via DequeueReady once it transitions back online.
func (b *Broker) SetOnline(subscriberID string, online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subscriberID]; ok {
		sub.Online = online
		sub.LastActivity = time.Now()
	}
}

// --- Ack / nack / queue draining ---

// Ack acknowledges messageID for subscriberID.
func (b *Broker) Ack(subscriberID, messageID string) bool {
	return b.queue.Ack(subscriberID, messageID)
}

// Nack negatively acknowledges messageID, scheduling a retry or
// promoting it to the dead-letter store.
func (b *Broker) Nack(subscriberID, messageID, reason string) bool {
	return b.queue.Nack(subscriberID, messageID, reason)
}

// DequeueReady pops the next ready message for subscriberID, if any.
func (b *Broker) DequeueReady(subscriberID string) (*QueuedMessage, bool) {
	return b.queue.Dequeue(subscriberID)
}

// QueueDepth returns how many messages are queued for subscriberID.
func (b *Broker) QueueDepth(subscriberID string) int { return b.queue.Depth(subscriberID) }

// SubscriberInfo is a read-only snapshot of one subscriber for
// /api/subscribers (spec.md §6).
type SubscriberInfo struct {
	ID             string
	ClientID       string
	Topics         []string
	Online         bool
	PendingCount   int
	DeliveredCount int64
}

// ListSubscribers snapshots every known subscriber, sorted by id.
func (b *Broker) ListSubscribers() []SubscriberInfo {
	b.mu.RLock()
	out := make([]SubscriberInfo, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		topics := make([]string, 0, len(sub.Topics))
		for t := range sub.Topics {
			topics = append(topics, t)
		}
		out = append(out, SubscriberInfo{
			ID:             sub.ID,
			ClientID:       sub.ClientID,
			Topics:         topics,
			Online:         sub.Online,
			DeliveredCount: sub.DeliveredCount,
		})
	}
	b.mu.RUnlock()
	for i := range out {
		out[i].PendingCount = b.QueueDepth(out[i].ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Request / reply ---

// Request publishes to topic and blocks for a reply, defaulting to a
// 10s timeout when timeout <= 0.
func (b *Broker) Request(topic string, payload interface{}, publisherID string, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if b.limiter != nil && !b.limiter.Allow("request:"+publisherID) {
		return nil, newErr(KindRateLimited, "requester "+publisherID+" exceeded rate limit")
	}
	if _, err := b.topics.EnsureCreated(topic, publisherID); err != nil {
		return nil, err
	}
	msg := &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublisherID: publisherID,
		CreatedAt:   time.Now(),
	}
	return b.correlator.Request(msg, timeout)
}

// Reply publishes payload back to request's reply-to topic.
func (b *Broker) Reply(request *Message, payload interface{}) error {
	return b.correlator.Reply(request, payload)
}

// --- Consumer groups ---

// CreateGroup registers a new consumer group bound to topic.
func (b *Broker) CreateGroup(name, topic string, strategy GroupStrategy) (*ConsumerGroup, error) {
	g, err := b.groups.Create(name, topic, strategy)
	if err != nil {
		return nil, err
	}
	b.persistGroup(*g)
	return g, nil
}

// JoinGroup adds subscriberID to group, also binding it as a topic
// subscriber so the Router's gather step finds it (spec.md §4.4 edge
// policy treats group-bound subscribers as individually subscribed).
func (b *Broker) JoinGroup(group, subscriberID, clientID string) (*GroupMember, error) {
	g, err := b.groups.Get(group)
	if err != nil {
		return nil, err
	}
	member, err := b.groups.Join(group, subscriberID, clientID)
	if err != nil {
		return nil, err
	}
	if _, err := b.subscribeState(g.Topic, subscriberID, clientID, nil, nil); err != nil {
		return nil, err
	}
	return member, nil
}

// LeaveGroup removes subscriberID from whatever group it belongs to.
func (b *Broker) LeaveGroup(subscriberID string) { b.groups.Leave(subscriberID) }

// Heartbeat refreshes a group member's liveness.
func (b *Broker) Heartbeat(subscriberID string) { b.groups.Heartbeat(subscriberID) }

// CommitOffset records a group's committed offset, persisting it.
func (b *Broker) CommitOffset(group string, offset int64) error {
	if err := b.groups.CommitOffset(group, offset); err != nil {
		return err
	}
	if b.persister != nil {
		if err := b.persister.CommitOffset(group, offset); err != nil {
			b.reportInternal(wrapErr(KindPersistenceError, "commit offset", err))
		}
	}
	return nil
}

// GetGroup returns group metadata.
func (b *Broker) GetGroup(name string) (*ConsumerGroup, error) { return b.groups.Get(name) }

// ListGroups returns every consumer group.
func (b *Broker) ListGroups() []*ConsumerGroup { return b.groups.ListAll() }

// --- Dead letters ---

// ListDeadLetters returns every dead-lettered entry.
func (b *Broker) ListDeadLetters() []DeadLetterEntry { return b.dlq.List() }

// RetryDeadLetter re-publishes the dead-lettered entry with id to its
// original topic with attempts reset, then removes it from the store.
func (b *Broker) RetryDeadLetter(id string) error {
	entry, ok := b.dlq.RetrieveForRetry(id)
	if !ok {
		return newErr(KindNotFound, "dead letter "+id+" not found")
	}
	msg := entry.Message
	return b.publishMessage(&msg)
}

// RetryAllDeadLetters retries every entry currently in the store,
// returning the count retried.
func (b *Broker) RetryAllDeadLetters() int {
	entries := b.dlq.List()
	count := 0
	for _, e := range entries {
		if err := b.RetryDeadLetter(e.ID); err == nil {
			count++
		}
	}
	return count
}

// DeleteDeadLetter discards the entry with id without retrying it.
func (b *Broker) DeleteDeadLetter(id string) bool {
	removed := b.dlq.Remove(id)
	if removed && b.persister != nil {
		if err := b.persister.RemoveDeadLetter(id); err != nil {
			b.reportInternal(wrapErr(KindPersistenceError, "remove dead letter", err))
		}
	}
	return removed
}

func (b *Broker) onDeadLetterDropped(e DeadLetterEntry) {
	b.emit(Event{Type: EventCriticalAudit, At: time.Now(), Data: map[string]interface{}{
		"reason":  "dead letter store full",
		"entryId": e.ID,
		"topic":   e.OriginalTopic,
	}})
}

// --- Stats ---

// BrokerStats summarizes runtime health for /api/metrics (spec.md
// §6.1).
type BrokerStats struct {
	Uptime           time.Duration
	TotalMessages    int64
	MessagesPerSec   float64
	TopicCount       int
	SubscriberCount  int
	DeadLetterCount  int
	QueueDepthTotal  int
}

// Stats snapshots broker-wide counters.
func (b *Broker) Stats() BrokerStats {
	reg := b.topics.Stats()
	b.mu.RLock()
	subCount := len(b.subscribers)
	b.mu.RUnlock()
	return BrokerStats{
		Uptime:          time.Since(b.startedAt),
		TotalMessages:   atomic.LoadInt64(&b.totalMessages),
		MessagesPerSec:  b.messagesPerSecond(),
		TopicCount:      reg.TopicCount,
		SubscriberCount: subCount,
		DeadLetterCount: b.dlq.Count(),
		QueueDepthTotal: b.queue.TotalDepth(),
	}
}

func (b *Broker) bumpRate() {
	b.rateMu.Lock()
	defer b.rateMu.Unlock()
	now := time.Now().Unix()
	idx := now % 60
	if b.rateStamps[idx] != now {
		b.rateStamps[idx] = now
		b.rateBuckets[idx] = 0
	}
	b.rateBuckets[idx]++
}

func (b *Broker) messagesPerSecond() float64 {
	b.rateMu.Lock()
	defer b.rateMu.Unlock()
	now := time.Now().Unix()
	var total int64
	var buckets int64
	for i, stamp := range b.rateStamps {
		if now-stamp < 60 {
			total += b.rateBuckets[i]
			buckets++
		}
	}
	if buckets == 0 {
		return 0
	}
	return float64(total) / float64(buckets)
}

func (b *Broker) bumpPublisher(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.publishers[id]
	if !ok {
		p = &Publisher{ID: id, FirstSeen: time.Now()}
		b.publishers[id] = p
	}
	p.LastPublish = time.Now()
	p.MessagesSent++
}

func (b *Broker) bumpDelivered(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subscriberID]; ok {
		sub.DeliveredCount++
		sub.LastActivity = time.Now()
	}
}

// --- Background maintenance ---

// Run executes the periodic maintenance job until Shutdown is called:
// every 60s it purges expired queued messages and trims topic
// history; every 10s it reaps consumer-group members whose heartbeat
// has lapsed (spec.md §4.2/§4.5).
func (b *Broker) Run() {
	purgeTicker := time.NewTicker(60 * time.Second)
	reapTicker := time.NewTicker(10 * time.Second)
	defer purgeTicker.Stop()
	defer reapTicker.Stop()
	for {
		select {
		case <-b.shutdownCh:
			return
		case <-purgeTicker.C:
			b.queue.PurgeExpired()
			b.topics.TrimHistory()
		case <-reapTicker.C:
			b.groups.ReapExpired(time.Now())
		}
	}
}

// Shutdown stops the background maintenance job. Safe to call more
// than once.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() { close(b.shutdownCh) })
}

// --- internal helpers ---

func (b *Broker) emit(evt Event) {
	if b.eventSink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			b.reportInternal(panicErr(p))
		}
	}()
	b.eventSink.Handle(evt)
}

func (b *Broker) reportInternal(err error) {
	if b.onInternal != nil {
		b.onInternal(err)
	}
}

func (b *Broker) persistTopic(t Topic) {
	if b.persister == nil {
		return
	}
	if err := b.persister.SaveTopic(t); err != nil {
		b.reportInternal(wrapErr(KindPersistenceError, "save topic", err))
	}
}

func (b *Broker) persistMessage(m Message) {
	if b.persister == nil {
		return
	}
	if err := b.persister.SaveMessage(m); err != nil {
		b.reportInternal(wrapErr(KindPersistenceError, "save message", err))
	}
}

func (b *Broker) persistGroup(g ConsumerGroup) {
	if b.persister == nil {
		return
	}
	if err := b.persister.SaveGroup(g); err != nil {
		b.reportInternal(wrapErr(KindPersistenceError, "save group", err))
	}
}

// mirrorToBridge forwards a successfully routed publish to the
// optional external event bus (spec.md §4.11). This is observability
// plumbing, not the routing path described in §4.4 — bridge failures
// are reported through onInternal and never surface to the publisher.
func (b *Broker) mirrorToBridge(msg *Message) {
	if b.bridge == nil {
		return
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		b.reportInternal(wrapErr(KindDeliveryError, "marshal payload for bridge mirror", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgeMirrorTimeout)
	defer cancel()
	if err := b.bridge.Publish(ctx, msg.Topic, msg.ID, payload); err != nil {
		b.reportInternal(wrapErr(KindDeliveryError, "bridge mirror publish", err))
	}
}
