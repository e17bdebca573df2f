package broker

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	maxHistoryLength = 1000
	literalWildcard  = "#" // subscribers of this exact name see every topic
)

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9._*#-]+$`)

// TopicRegistry owns topic metadata, the topic->subscriber-id index,
// and a bounded per-topic message history. A single mutex guards all
// of it; topics and their subscriber sets are small enough in
// practice that per-topic locking buys little over one coarse lock.
type TopicRegistry struct {
	mu          sync.RWMutex
	topics      map[string]*Topic
	subscribers map[string]map[string]struct{} // topic -> subscriber ids
	history     map[string][]Message
	cache       historyCache
}

// historyCache is the read-through cache TopicRegistry.GetHistory
// consults before returning a tail slice; satisfied by data/cache.Cache.
type historyCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

type noopCache struct{}

func (noopCache) Get(string) ([]byte, bool)          { return nil, false }
func (noopCache) Set(string, []byte, time.Duration) {}

// NewTopicRegistry builds an empty registry. A nil cache disables the
// read-through cache and falls back to the in-memory history slice
// only.
func NewTopicRegistry(cache historyCache) *TopicRegistry {
	if cache == nil {
		cache = noopCache{}
	}
	return &TopicRegistry{
		topics:      make(map[string]*Topic),
		subscribers: make(map[string]map[string]struct{}),
		history:     make(map[string][]Message),
		cache:       cache,
	}
}

func validTopicName(name string) bool {
	return name != "" && topicNamePattern.MatchString(name)
}

// Create registers a new topic, overlaying overrides onto the
// defaults in spec.md §4.1.
func (r *TopicRegistry) Create(name, creator string, overrides *TopicConfig) (*Topic, error) {
	if !validTopicName(name) {
		return nil, newErr(KindInvalidName, "topic name "+name+" contains invalid characters")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[name]; exists {
		return nil, newErr(KindAlreadyExists, "topic "+name+" already exists")
	}
	cfg := DefaultTopicConfig()
	if overrides != nil {
		applyOverrides(&cfg, overrides)
	}
	t := &Topic{
		Name:      name,
		Creator:   creator,
		CreatedAt: time.Now(),
		Config:    cfg,
	}
	r.topics[name] = t
	r.subscribers[name] = make(map[string]struct{})
	return t, nil
}

// applyOverrides overlays non-zero fields of o onto cfg.
func applyOverrides(cfg *TopicConfig, o *TopicConfig) {
	if o.MaxQueueSize != 0 {
		cfg.MaxQueueSize = o.MaxQueueSize
	}
	if o.MessageRetention != 0 {
		cfg.MessageRetention = o.MessageRetention
	}
	if o.MaxRetries != 0 {
		cfg.MaxRetries = o.MaxRetries
	}
	if o.RetryDelay != 0 {
		cfg.RetryDelay = o.RetryDelay
	}
	if o.RequireAck {
		cfg.RequireAck = o.RequireAck
	}
}

// EnsureCreated auto-creates the topic with defaults if it does not
// already exist, returning the existing or new topic.
func (r *TopicRegistry) EnsureCreated(name, creator string) (*Topic, error) {
	t, err := r.Create(name, creator, nil)
	if err == nil {
		return t, nil
	}
	if ae, ok := err.(*Error); ok && ae.Kind == KindAlreadyExists {
		return r.Get(name)
	}
	return nil, err
}

// Delete removes a topic, its history, and its subscriber-membership
// set. It does not touch messages already dispatched into subscriber
// queues. Returns whether the topic existed.
func (r *TopicRegistry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[name]; !exists {
		return false
	}
	delete(r.topics, name)
	delete(r.subscribers, name)
	delete(r.history, name)
	return true
}

// Has reports whether name is a registered topic.
func (r *TopicRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[name]
	return ok
}

// Get returns a copy of the topic's metadata.
func (r *TopicRegistry) Get(name string) (*Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	if !ok {
		return nil, newErr(KindNotFound, "topic "+name+" not found")
	}
	cp := *t
	return &cp, nil
}

// ListAll returns a copy of every registered topic.
func (r *TopicRegistry) ListAll() []*Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddSubscriber records subscriberID against topic name, auto-creating
// the topic's index entry if needed, and keeps the subscriber-count
// cache in sync.
func (r *TopicRegistry) AddSubscriber(name, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[name]
	if !ok {
		set = make(map[string]struct{})
		r.subscribers[name] = set
	}
	if _, already := set[subscriberID]; !already {
		set[subscriberID] = struct{}{}
		if t, ok := r.topics[name]; ok {
			t.SubscriberCount = len(set)
		}
	}
}

// RemoveSubscriber drops subscriberID from topic name's index.
func (r *TopicRegistry) RemoveSubscriber(name, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[name]
	if !ok {
		return
	}
	delete(set, subscriberID)
	if t, ok := r.topics[name]; ok {
		t.SubscriberCount = len(set)
	}
}

// RemoveSubscriberEverywhere drops subscriberID from every topic it
// belongs to, returning the topic names it was removed from. Snapshots
// the topic list before mutating, per spec.md §9.
func (r *TopicRegistry) RemoveSubscriberEverywhere(subscriberID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.subscribers))
	for name := range r.subscribers {
		names = append(names, name)
	}
	var removed []string
	for _, name := range names {
		set := r.subscribers[name]
		if _, ok := set[subscriberID]; ok {
			delete(set, subscriberID)
			if t, ok := r.topics[name]; ok {
				t.SubscriberCount = len(set)
			}
			removed = append(removed, name)
		}
	}
	return removed
}

// SubscribersOf returns a snapshot of subscriber ids registered
// against name (no wildcard expansion — callers gather "#" separately
// per spec.md §9's documented overlap).
func (r *TopicRegistry) SubscribersOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subscribers[name]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RecordMessage appends msg to name's history, bumps the message
// counter, and trims the history per the retention/length invariants
// in spec.md §3.
func (r *TopicRegistry) RecordMessage(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[msg.Topic]; ok {
		t.MessageCount++
	}
	hist := append(r.history[msg.Topic], msg)
	hist = trimHistory(hist, msg.Topic, r.topics[msg.Topic])
	r.history[msg.Topic] = hist
}

func trimHistory(hist []Message, topic string, t *Topic) []Message {
	retention := time.Hour
	if t != nil && t.Config.MessageRetention > 0 {
		retention = t.Config.MessageRetention
	}
	cutoff := time.Now().Add(-retention)
	start := 0
	for start < len(hist) && hist[start].CreatedAt.Before(cutoff) {
		start++
	}
	hist = hist[start:]
	if len(hist) > maxHistoryLength {
		hist = hist[len(hist)-maxHistoryLength:]
	}
	return hist
}

// TrimHistory re-applies the retention/length trim to every topic's
// history; run periodically by the Broker facade (spec.md §4.7).
func (r *TopicRegistry) TrimHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, hist := range r.history {
		r.history[name] = trimHistory(hist, name, r.topics[name])
	}
}

// GetHistory returns the most recent limit messages for name,
// oldest-first. limit<=0 defaults to 100. The default-limit lookup is
// read-through cached (data/cache.Cache) since it's the shape the
// transport's /api/messages/{topic} endpoint hits repeatedly.
func (r *TopicRegistry) GetHistory(name string, limit int) []Message {
	useCache := limit <= 0
	if limit <= 0 {
		limit = 100
	}
	cacheKey := "history:" + name
	if useCache {
		if raw, ok := r.cache.Get(cacheKey); ok {
			var cached []Message
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached
			}
		}
	}
	r.mu.RLock()
	hist := r.history[name]
	if len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]Message, len(hist))
	copy(out, hist)
	r.mu.RUnlock()
	if useCache {
		if raw, err := json.Marshal(out); err == nil {
			r.cache.Set(cacheKey, raw, 2*time.Second)
		}
	}
	return out
}

// MatchTopics returns the concrete registered topic names matching a
// glob pattern: "." is literal, "*" matches exactly one dot-free
// segment, "#" matches any remaining suffix including dots. This is a
// listing API only — route() never consults it (spec.md §9).
func (r *TopicRegistry) MatchTopics(pattern string) []string {
	re := globToRegexp(pattern)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name := range r.topics {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func globToRegexp(pattern string) *regexp.Regexp {
	segments := strings.Split(pattern, ".")
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString(`\.`)
		}
		switch seg {
		case "*":
			b.WriteString(`[^.]+`)
		case "#":
			b.WriteString(`.*`)
			// "#" consumes the rest of the pattern including any
			// following literal dots, matching the spec's "any
			// remaining suffix" semantics.
			return regexp.MustCompile(b.String() + "$")
		default:
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// RegistryStats summarizes registry-wide totals for the Broker facade.
type RegistryStats struct {
	TopicCount      int
	TotalMessages   int64
	TotalSubscribers int
	TopTopics       []TopicMessageCount
}

// TopicMessageCount pairs a topic name with its message counter.
type TopicMessageCount struct {
	Name         string
	MessageCount int64
}

// Stats returns registry totals plus the top 10 topics by message
// count.
func (r *TopicRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{TopicCount: len(r.topics)}
	ranked := make([]TopicMessageCount, 0, len(r.topics))
	seenSubs := make(map[string]struct{})
	for name, t := range r.topics {
		stats.TotalMessages += t.MessageCount
		ranked = append(ranked, TopicMessageCount{Name: name, MessageCount: t.MessageCount})
	}
	for _, set := range r.subscribers {
		for id := range set {
			seenSubs[id] = struct{}{}
		}
	}
	stats.TotalSubscribers = len(seenSubs)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].MessageCount != ranked[j].MessageCount {
			return ranked[i].MessageCount > ranked[j].MessageCount
		}
		return ranked[i].Name < ranked[j].Name
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	stats.TopTopics = ranked
	return stats
}
