package handlers

import (
	"time"

	"github.com/sawpanic/pixybroker/internal/broker"
)

// BrokerAPI is the slice of *broker.Broker this package calls; kept
// as an interface (rather than importing the concrete type directly
// into every handler signature) so tests can substitute a fake.
type BrokerAPI interface {
	ListTopics() []*broker.Topic
	GetTopic(name string) (*broker.Topic, error)
	CreateTopic(name, creator string, overrides *broker.TopicConfig) (*broker.Topic, error)
	DeleteTopic(name string) error
	TopicHistory(name string, limit int) []broker.Message

	Publish(topic string, payload interface{}, publisherID string, headers map[string]string, ttl time.Duration) (*broker.Message, error)

	ListSubscribers() []broker.SubscriberInfo

	ListDeadLetters() []broker.DeadLetterEntry
	RetryDeadLetter(id string) error
	RetryAllDeadLetters() int
	DeleteDeadLetter(id string) bool

	ListGroups() []*broker.ConsumerGroup
	GetGroup(name string) (*broker.ConsumerGroup, error)
	CreateGroup(name, topic string, strategy broker.GroupStrategy) (*broker.ConsumerGroup, error)

	Stats() broker.BrokerStats
}
