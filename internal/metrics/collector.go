package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Collector aggregates broker counters for periodic background
// snapshot logging (StartCollection): publish/deliver/fail counts per
// topic plus overall totals. /api/metrics does not read it.
type Collector struct {
	mu sync.RWMutex

	published  int64
	delivered  int64
	queued     int64
	failed     int64
	acked      int64
	nacked     int64
	deadLettered int64

	topics         map[string]*TopicMetrics
	consumerLag    map[string]int64 // group name -> current - committed offset
	lastUpdate     time.Time
}

// TopicMetrics tracks per-topic counters.
type TopicMetrics struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		topics:      make(map[string]*TopicMetrics),
		consumerLag: make(map[string]int64),
		lastUpdate:  time.Now(),
	}
}

// StartCollection runs a periodic heartbeat log of current totals
// until ctx is cancelled. It does not generate counters itself — those
// are recorded by the broker's event sink — it only logs a snapshot.
func (c *Collector) StartCollection(ctx context.Context) {
	log.Info().Msg("starting metrics collection loop")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping metrics collection loop")
			return
		case <-ticker.C:
			snap := c.Snapshot()
			log.Debug().
				Int64("published", snap.Published).
				Int64("delivered", snap.Delivered).
				Int64("failed", snap.Failed).
				Int64("dead_lettered", snap.DeadLettered).
				Msg("metrics snapshot")
		}
	}
}

// RecordPublished records a published message for topic.
func (c *Collector) RecordPublished(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published++
	c.topicFor(topic).Published++
	c.lastUpdate = time.Now()
}

// RecordDelivered records a successful synchronous delivery.
func (c *Collector) RecordDelivered(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered++
	c.topicFor(topic).Delivered++
}

// RecordQueued records a message that was queued for later delivery.
func (c *Collector) RecordQueued(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued++
}

// RecordFailed records a delivery failure for topic.
func (c *Collector) RecordFailed(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	c.topicFor(topic).Failed++
}

// RecordAck records a subscriber acknowledgement.
func (c *Collector) RecordAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked++
}

// RecordNack records a subscriber negative acknowledgement.
func (c *Collector) RecordNack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked++
}

// RecordDeadLettered records a message promoted to the dead-letter
// store.
func (c *Collector) RecordDeadLettered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLettered++
}

// SetConsumerLag records current lag (current offset minus committed
// offset) for a consumer group.
func (c *Collector) SetConsumerLag(group string, lag int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumerLag[group] = lag
}

func (c *Collector) topicFor(topic string) *TopicMetrics {
	t, ok := c.topics[topic]
	if !ok {
		t = &TopicMetrics{}
		c.topics[topic] = t
	}
	return t
}

// Snapshot is a point-in-time copy of every counter, safe to
// JSON-marshal.
type Snapshot struct {
	Published    int64                    `json:"published"`
	Delivered    int64                    `json:"delivered"`
	Queued       int64                    `json:"queued"`
	Failed       int64                    `json:"failed"`
	Acked        int64                    `json:"acked"`
	Nacked       int64                    `json:"nacked"`
	DeadLettered int64                    `json:"dead_lettered"`
	Topics       map[string]TopicMetrics  `json:"topics"`
	ConsumerLag  map[string]int64         `json:"consumer_lag"`
	LastUpdate   time.Time                `json:"last_update"`
}

// Snapshot returns a deep copy of the collector's current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make(map[string]TopicMetrics, len(c.topics))
	for name, t := range c.topics {
		topics[name] = *t
	}
	lag := make(map[string]int64, len(c.consumerLag))
	for name, l := range c.consumerLag {
		lag[name] = l
	}
	return Snapshot{
		Published:    c.published,
		Delivered:    c.delivered,
		Queued:       c.queued,
		Failed:       c.failed,
		Acked:        c.acked,
		Nacked:       c.nacked,
		DeadLettered: c.deadLettered,
		Topics:       topics,
		ConsumerLag:  lag,
		LastUpdate:   c.lastUpdate,
	}
}
