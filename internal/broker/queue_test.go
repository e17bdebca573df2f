package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueNackBacksOffThenPromotesOnFinalRetry(t *testing.T) {
	dlq := NewDeadLetterStore(10, DropSilently, nil)
	q := NewSubscriberQueue(dlq)

	msg := &QueuedMessage{
		Message:    Message{ID: "m1", Topic: "t", CreatedAt: time.Now()},
		MaxRetries: 2,
	}
	q.Enqueue("sub-1", msg, 0)

	require.True(t, q.Nack("sub-1", "m1", "handler error"))
	assert.Equal(t, 1, q.Depth("sub-1"), "first nack retries, does not dead-letter")
	_, ready := q.Dequeue("sub-1")
	assert.False(t, ready, "message still in backoff, not yet ready")
	assert.Empty(t, dlq.List())

	require.True(t, q.Nack("sub-1", "m1", "handler error"))
	assert.Equal(t, 0, q.Depth("sub-1"), "final nack promotes to dlq")
	dead := dlq.List()
	require.Len(t, dead, 1)
	assert.Equal(t, "handler error", dead[0].Reason)
	assert.Equal(t, "m1", dead[0].Message.ID)
}

func TestQueueAckRemovesMessage(t *testing.T) {
	q := NewSubscriberQueue(NewDeadLetterStore(10, DropSilently, nil))
	msg := &QueuedMessage{Message: Message{ID: "m1", Topic: "t"}, MaxRetries: 3}
	q.Enqueue("sub-1", msg, 0)

	require.True(t, q.Ack("sub-1", "m1"))
	assert.Equal(t, 0, q.Depth("sub-1"))
	assert.False(t, q.Ack("sub-1", "m1"), "acking an already-removed message reports not found")
}

func TestQueueEnqueueBoundedByMaxQueueSize(t *testing.T) {
	dlq := NewDeadLetterStore(10, DropSilently, nil)
	q := NewSubscriberQueue(dlq)

	for i := 0; i < 3; i++ {
		q.Enqueue("sub-1", &QueuedMessage{Message: Message{ID: string(rune('a' + i)), Topic: "t"}, MaxRetries: 3}, 2)
	}

	assert.Equal(t, 2, q.Depth("sub-1"))
	dead := dlq.List()
	require.Len(t, dead, 1)
	assert.Equal(t, "a", dead[0].Message.ID, "oldest entry is evicted first")

	remaining := q.GetAll("sub-1")
	require.Len(t, remaining, 2)
	assert.Equal(t, "b", remaining[0].Message.ID)
	assert.Equal(t, "c", remaining[1].Message.ID)
}
