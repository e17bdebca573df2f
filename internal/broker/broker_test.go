package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingSink records every delivered message in order, safe for
// concurrent Deliver calls.
type collectingSink struct {
	mu       sync.Mutex
	messages []*Message
}

func (s *collectingSink) Deliver(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *collectingSink) all() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func newTestBroker() *Broker {
	return NewBroker(&BrokerOptions{})
}

// Scenario 1: direct delivery.
func TestDirectDelivery(t *testing.T) {
	b := newTestBroker()
	sink := &collectingSink{}

	_, err := b.Subscribe("orders.created", "cli-B", "cli-B", nil, sink)
	require.NoError(t, err)

	_, err = b.Publish("orders.created", map[string]interface{}{"orderId": "ORD-1"}, "pub-A", nil, 0)
	require.NoError(t, err)

	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "orders.created", msgs[0].Topic)
	assert.Equal(t, "pub-A", msgs[0].PublisherID)
	assert.Equal(t, "ORD-1", msgs[0].Payload.(map[string]interface{})["orderId"])
}

// Scenario 2: offline queueing, drained in publish order once back
// online.
func TestOfflineQueueing(t *testing.T) {
	b := newTestBroker()
	sink := &collectingSink{}

	_, err := b.Subscribe("orders.created", "cli-B", "cli-B", nil, sink)
	require.NoError(t, err)
	b.SetOnline("cli-B", false)

	for i := 0; i < 3; i++ {
		_, err := b.Publish("orders.created", map[string]interface{}{"i": i}, "pub-A", nil, 0)
		require.NoError(t, err)
	}
	assert.Empty(t, sink.all(), "no sink calls while offline")
	assert.Equal(t, 3, b.QueueDepth("cli-B"))

	b.SetOnline("cli-B", true)
	for {
		qm, ok := b.DequeueReady("cli-B")
		if !ok {
			break
		}
		require.NoError(t, sink.Deliver(&qm.Message))
	}

	msgs := sink.all()
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, i, int(msg.Payload.(map[string]interface{})["i"].(int)))
	}
}

// Scenario 3: a "#" subscriber sees every published message.
func TestWildcardSubscriber(t *testing.T) {
	b := newTestBroker()
	sink := &collectingSink{}

	_, err := b.Subscribe("#", "mon", "mon", nil, sink)
	require.NoError(t, err)

	_, err = b.Publish("a.b", "first", "pub-A", nil, 0)
	require.NoError(t, err)
	_, err = b.Publish("c", "second", "pub-A", nil, 0)
	require.NoError(t, err)

	assert.Len(t, sink.all(), 2)
}

// Scenario 4: an overflowing queue dead-letters the oldest entry.
func TestDeadLetterOnOverflow(t *testing.T) {
	b := newTestBroker()

	overrides := &TopicConfig{MaxQueueSize: 2, MessageRetention: time.Hour, MaxRetries: 3}
	_, err := b.CreateTopic("orders.created", "creator", overrides)
	require.NoError(t, err)

	_, err = b.Subscribe("orders.created", "cli-B", "cli-B", nil, nil)
	require.NoError(t, err)
	b.SetOnline("cli-B", false)

	for i := 0; i < 3; i++ {
		_, err := b.Publish("orders.created", map[string]interface{}{"i": i}, "pub-A", nil, 0)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, b.QueueDepth("cli-B"))
	dead := b.ListDeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "queue overflow", dead[0].Reason)
	assert.Equal(t, "orders.created", dead[0].OriginalTopic)
	assert.Equal(t, 0, int(dead[0].Message.Payload.(map[string]interface{})["i"].(int)))
}

// Scenario 5: a request with no replier times out without leaking the
// transient reply subscription.
func TestRequestTimeout(t *testing.T) {
	b := newTestBroker()

	start := time.Now()
	_, err := b.Request("svc.q", map[string]interface{}{}, "cli", 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	var brokerErr *Error
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, KindTimeout, brokerErr.Kind)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 200*time.Millisecond)

	// The transient reply topic must be torn down entirely once the
	// request settles, win or lose, even though it timed out — only
	// the original "svc.q" topic survives.
	topics := b.ListTopics()
	require.Len(t, topics, 1)
	assert.Equal(t, "svc.q", topics[0].Name)
	assert.Equal(t, 0, topics[0].SubscriberCount)
}

// Request/Reply round trip: the responder subscribes the request
// topic, echoes back through Reply, and Request unblocks with the
// reply payload without ever timing out.
func TestRequestReplyRoundTrip(t *testing.T) {
	b := newTestBroker()

	_, err := b.Subscribe("svc.echo", "responder", "responder", nil, SinkFunc(func(msg *Message) error {
		return b.Reply(msg, map[string]interface{}{"echo": msg.Payload})
	}))
	require.NoError(t, err)

	reply, err := b.Request("svc.echo", map[string]interface{}{"n": 1}, "cli", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, map[string]interface{}{"n": 1}, reply.Payload.(map[string]interface{})["echo"])

	// The transient reply topic and subscription are gone once settled.
	topics := b.ListTopics()
	require.Len(t, topics, 1)
	assert.Equal(t, "svc.echo", topics[0].Name)
}

// Reply on a message that was never issued through Request (no
// ReplyTo/CorrelationID) is a silent no-op, not an error.
func TestReplyWithoutRequestIsNoop(t *testing.T) {
	b := newTestBroker()
	err := b.Reply(&Message{ID: "m1", Topic: "svc.echo"}, "ignored")
	assert.NoError(t, err)
}

// Scenario 6: round-robin consumer groups distribute messages evenly
// across members in join order.
func TestConsumerGroupRoundRobin(t *testing.T) {
	b := newTestBroker()
	_, err := b.CreateTopic("orders.created", "creator", nil)
	require.NoError(t, err)

	_, err = b.CreateGroup("g", "orders.created", StrategyRoundRobin)
	require.NoError(t, err)

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := b.JoinGroup("g", id, id)
		require.NoError(t, err)
	}

	for i := 0; i < 6; i++ {
		_, err := b.Publish("orders.created", map[string]interface{}{"i": i}, "pub-A", nil, 0)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, b.QueueDepth("s1"))
	assert.Equal(t, 2, b.QueueDepth("s2"))
	assert.Equal(t, 2, b.QueueDepth("s3"))

	var order []string
	for i := 0; i < 2; i++ {
		for _, id := range []string{"s1", "s2", "s3"} {
			qm, ok := b.DequeueReady(id)
			require.True(t, ok)
			order = append(order, qm.SubscriberID)
		}
	}
	assert.Equal(t, []string{"s1", "s2", "s3", "s1", "s2", "s3"}, order)
}

// Idempotence: deleting an already-deleted topic is not an error-free
// success the second time. DeleteTopic returns only an error, so the
// second call reports the absence as a NotFound error, not as false.
func TestDeleteTopicIdempotence(t *testing.T) {
	b := newTestBroker()
	_, err := b.CreateTopic("orders.created", "creator", nil)
	require.NoError(t, err)

	require.NoError(t, b.DeleteTopic("orders.created"))
	err = b.DeleteTopic("orders.created")
	require.Error(t, err)
	var brokerErr *Error
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, KindNotFound, brokerErr.Kind)
}
