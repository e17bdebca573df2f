package broker

import (
	"sync"
	"time"
)

const backoffCap = 60 * time.Second

// SubscriberQueue is a bounded per-subscriber FIFO with retry
// scheduling, TTL purge, ack/nack, and DLQ promotion (spec.md §4.2).
// Overflow and final-nack promotions are pushed onto dlq under the
// TopicRegistry -> SubscriberQueue -> DeadLetterStore lock ordering
// spec.md §5 requires, so callers must never hold the DeadLetterStore
// lock when calling into this type.
type SubscriberQueue struct {
	mu     sync.Mutex
	queues map[string][]*QueuedMessage
	dlq    *DeadLetterStore
}

// NewSubscriberQueue builds an empty queue set backed by dlq for
// overflow/final-nack promotion.
func NewSubscriberQueue(dlq *DeadLetterStore) *SubscriberQueue {
	return &SubscriberQueue{
		queues: make(map[string][]*QueuedMessage),
		dlq:    dlq,
	}
}

// Enqueue appends qmsg to subID's queue, evicting and promoting the
// oldest entry to the DLQ first if the queue is already at capacity.
func (q *SubscriberQueue) Enqueue(subID string, qmsg *QueuedMessage, maxQueueSize int) {
	q.mu.Lock()
	queue := q.queues[subID]
	var evicted *QueuedMessage
	if maxQueueSize > 0 && len(queue) >= maxQueueSize {
		evicted = queue[0]
		queue = queue[1:]
	}
	queue = append(queue, qmsg)
	q.queues[subID] = queue
	q.mu.Unlock()

	if evicted != nil && q.dlq != nil {
		q.dlq.Push(DeadLetterEntry{
			Message:       evicted.Message,
			Reason:        "queue overflow",
			FailedAt:      time.Now(),
			OriginalTopic: evicted.Message.Topic,
			SubscriberID:  evicted.SubscriberID,
		})
	}
}

// Dequeue removes and returns the first ready message in subID's
// queue (nextRetryAt absent or <= now); messages still in backoff are
// skipped in place, not reordered.
func (q *SubscriberQueue) Dequeue(subID string) (*QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[subID]
	now := time.Now()
	for i, m := range queue {
		if m.Ready(now) {
			q.queues[subID] = append(queue[:i:i], queue[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

// Peek returns the first ready message without removing it.
func (q *SubscriberQueue) Peek(subID string) (*QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, m := range q.queues[subID] {
		if m.Ready(now) {
			return m, true
		}
	}
	return nil, false
}

// GetAll returns a snapshot of subID's queue in FIFO order.
func (q *SubscriberQueue) GetAll(subID string) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[subID]
	out := make([]*QueuedMessage, len(queue))
	copy(out, queue)
	return out
}

// Depth returns the number of messages queued for subID.
func (q *SubscriberQueue) Depth(subID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[subID])
}

// TotalDepth returns the sum of every subscriber's queue depth.
func (q *SubscriberQueue) TotalDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// Ack removes the message with messageID from subID's queue. Returns
// whether it was found.
func (q *SubscriberQueue) Ack(subID, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[subID]
	for i, m := range queue {
		if m.Message.ID == messageID {
			q.queues[subID] = append(queue[:i:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

// Nack increments the attempt counter for messageID in subID's queue.
// If attempts reach maxRetries the message is removed and promoted to
// the DLQ with reason; otherwise its nextRetryAt is pushed out by
// exponential backoff capped at 60s. Returns whether the message was
// found.
func (q *SubscriberQueue) Nack(subID, messageID, reason string) bool {
	q.mu.Lock()
	queue := q.queues[subID]
	var found *QueuedMessage
	idx := -1
	for i, m := range queue {
		if m.Message.ID == messageID {
			found, idx = m, i
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return false
	}
	found.Attempts++
	promote := found.Attempts >= found.MaxRetries
	if promote {
		q.queues[subID] = append(queue[:idx:idx], queue[idx+1:]...)
	} else {
		found.NextRetryAt = time.Now().Add(backoff(found.Attempts))
	}
	q.mu.Unlock()

	if promote && q.dlq != nil {
		q.dlq.Push(DeadLetterEntry{
			Message:       found.Message,
			Reason:        reason,
			FailedAt:      time.Now(),
			OriginalTopic: found.Message.Topic,
			SubscriberID:  subID,
		})
	}
	return true
}

// backoff returns min(1000ms * 2^attempts, 60s) per spec.md §4.2/§8.
func backoff(attempts int) time.Duration {
	d := time.Second
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Clear drops subID's queue entirely.
func (q *SubscriberQueue) Clear(subID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, subID)
}

// PurgeExpired removes every queued message whose TTL has elapsed
// across all subscribers, returning the count purged.
func (q *SubscriberQueue) PurgeExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	purged := 0
	for subID, queue := range q.queues {
		kept := queue[:0:0]
		for _, m := range queue {
			if m.Message.TTL > 0 && m.Message.CreatedAt.Add(m.Message.TTL).Before(now) {
				purged++
				continue
			}
			kept = append(kept, m)
		}
		q.queues[subID] = kept
	}
	return purged
}
