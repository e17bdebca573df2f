package persistence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pixybroker/internal/broker"
	"github.com/sawpanic/pixybroker/internal/persistence"
	"github.com/sawpanic/pixybroker/internal/persistence/memstore"
)

// A nil repo makes every Adapter method a no-op success so a Broker
// can run with persistence disabled.
func TestAdapter_NilRepoIsNoop(t *testing.T) {
	a := persistence.NewAdapter(nil, time.Second)
	assert.NoError(t, a.SaveTopic(broker.Topic{Name: "t"}))
	assert.NoError(t, a.DeleteTopic("t"))
	assert.NoError(t, a.SaveMessage(broker.Message{ID: "m", Topic: "t"}))
}

// Normal calls pass straight through the circuit breaker to the
// underlying store.
func TestAdapter_SaveTopicRoundTrip(t *testing.T) {
	repo := memstore.New().Repository()
	a := persistence.NewAdapter(repo, time.Second)

	err := a.SaveTopic(broker.Topic{
		Name:      "orders.created",
		Creator:   "svc",
		CreatedAt: time.Now(),
		Config:    broker.DefaultTopicConfig(),
	})
	require.NoError(t, err)

	err = a.SaveMessage(broker.Message{
		ID:          "m1",
		Topic:       "orders.created",
		Payload:     map[string]interface{}{"n": 1},
		PublisherID: "svc",
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)

	err = a.AppendDeadLetter(broker.DeadLetterEntry{
		ID:            "dl1",
		Message:       broker.Message{ID: "m2", Topic: "orders.created"},
		Reason:        "max retries exceeded",
		FailedAt:      time.Now(),
		OriginalTopic: "orders.created",
		SubscriberID:  "s1",
	})
	require.NoError(t, err)

	require.NoError(t, a.RemoveDeadLetter("dl1"))
	require.NoError(t, a.DeleteTopic("orders.created"))
}
