package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FullPolicy decides what happens when the DeadLetterStore is at
// capacity and a new entry arrives. spec.md §9 leaves this an open
// question ("whether this should also raise a critical-audit event is
// ambiguous. Do not guess — make it a configurable policy."); see
// DESIGN.md for the resolution.
type FullPolicy int

const (
	// DropSilently discards the oldest entry with no event, matching
	// the observed source behavior.
	DropSilently FullPolicy = iota
	// DropAndAudit discards the oldest entry and also emits a
	// critical-audit event through the same sink as message:failed.
	DropAndAudit
)

const defaultDeadLetterCap = 1000

// DeadLetterStore is a bounded global FIFO of entries that exceeded
// retries or were evicted from a subscriber queue (spec.md §4.3).
type DeadLetterStore struct {
	mu       sync.Mutex
	entries  []DeadLetterEntry
	cap      int
	policy   FullPolicy
	onDropped func(DeadLetterEntry)
}

// NewDeadLetterStore builds a store capped at capacity (0 -> default
// 1000) with the given full policy. onDropped, if non-nil, is invoked
// (outside the lock) whenever policy is DropAndAudit and an entry is
// silently discarded for capacity.
func NewDeadLetterStore(capacity int, policy FullPolicy, onDropped func(DeadLetterEntry)) *DeadLetterStore {
	if capacity <= 0 {
		capacity = defaultDeadLetterCap
	}
	return &DeadLetterStore{cap: capacity, policy: policy, onDropped: onDropped}
}

// Push appends entry, dropping the oldest entry first if at capacity.
func (d *DeadLetterStore) Push(entry DeadLetterEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now()
	}
	d.mu.Lock()
	var dropped *DeadLetterEntry
	if len(d.entries) >= d.cap {
		dropped = &d.entries[0]
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, entry)
	policy := d.policy
	onDropped := d.onDropped
	d.mu.Unlock()

	if dropped != nil && policy == DropAndAudit && onDropped != nil {
		onDropped(*dropped)
	}
}

// List returns a snapshot of every entry, oldest first.
func (d *DeadLetterStore) List() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Count returns the number of entries currently held.
func (d *DeadLetterStore) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Remove deletes the entry with id, returning whether it was found.
func (d *DeadLetterStore) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.ID == id {
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RetrieveForRetry removes the entry with id and returns it so the
// Broker can re-route its message. The entry carries no attempt
// counter; re-routing queues fresh copies whose attempts start at 0.
func (d *DeadLetterStore) RetrieveForRetry(id string) (*DeadLetterEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.ID == id {
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			return &e, true
		}
	}
	return nil, false
}
