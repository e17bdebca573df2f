package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingRequest is one in-flight request/reply future.
type pendingRequest struct {
	replyTopic string
	resultCh   chan *Message
	timer      *time.Timer
	settled    bool
}

// RequestCorrelator implements the request/reply pattern over the
// plain publish/subscribe primitives (spec.md §4.6): a request
// subscribes a transient reply topic, publishes the request carrying
// correlationId/replyTo, and settles exactly once on whichever of
// reply-arrives or timeout-fires happens first.
type RequestCorrelator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest // correlation id -> future

	// subscribeReply/unsubscribeReply/deleteTopic/publishRequest are
	// supplied by the Broker facade so the correlator never depends on
	// it directly.
	subscribeReply   func(topic, subscriberID string, sink Sink) error
	unsubscribeReply func(topic, subscriberID string)
	deleteTopic      func(topic string) error
	publishRequest   func(msg *Message) error
}

// NewRequestCorrelator wires a correlator to the Broker operations it
// needs to subscribe/publish transient reply topics.
func NewRequestCorrelator(
	subscribeReply func(topic, subscriberID string, sink Sink) error,
	unsubscribeReply func(topic, subscriberID string),
	deleteTopic func(topic string) error,
	publishRequest func(msg *Message) error,
) *RequestCorrelator {
	return &RequestCorrelator{
		pending:          make(map[string]*pendingRequest),
		subscribeReply:   subscribeReply,
		unsubscribeReply: unsubscribeReply,
		deleteTopic:      deleteTopic,
		publishRequest:   publishRequest,
	}
}

// Request publishes msg (with CorrelationID/ReplyTo populated if
// empty) to topic and blocks until a reply arrives on the reply topic
// or timeout elapses, whichever is first. The returned error is
// ErrTimeout on expiry.
func (c *RequestCorrelator) Request(msg *Message, timeout time.Duration) (*Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	replyTopic := "_reply." + msg.PublisherID + "." + msg.CorrelationID
	msg.ReplyTo = replyTopic

	resultCh := make(chan *Message, 1)
	req := &pendingRequest{replyTopic: replyTopic, resultCh: resultCh}

	c.mu.Lock()
	c.pending[msg.CorrelationID] = req
	c.mu.Unlock()

	replySinkID := "_correlator." + msg.CorrelationID
	if err := c.subscribeReply(replyTopic, replySinkID, SinkFunc(func(reply *Message) error {
		c.settle(msg.CorrelationID, reply)
		return nil
	})); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.mu.Unlock()
		return nil, wrapErr(KindDeliveryError, "failed to subscribe reply topic", err)
	}

	req.timer = time.AfterFunc(timeout, func() {
		c.settle(msg.CorrelationID, nil)
	})

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.mu.Unlock()
		c.unsubscribeReply(replyTopic, replySinkID)
		if c.deleteTopic != nil {
			_ = c.deleteTopic(replyTopic)
		}
	}()

	if err := c.publishRequest(msg); err != nil {
		c.settle(msg.CorrelationID, nil)
		return nil, err
	}

	reply := <-resultCh
	if reply == nil {
		return nil, newErr(KindTimeout, "request "+msg.CorrelationID+" timed out")
	}
	return reply, nil
}

// settle resolves correlationID's future exactly once; the first of
// timeout-fire or reply-arrival to call settle wins, the other is a
// no-op, closing the race spec.md §9 calls out explicitly.
func (c *RequestCorrelator) settle(correlationID string, reply *Message) {
	c.mu.Lock()
	req, ok := c.pending[correlationID]
	if !ok || req.settled {
		c.mu.Unlock()
		return
	}
	req.settled = true
	c.mu.Unlock()

	if req.timer != nil {
		req.timer.Stop()
	}
	req.resultCh <- reply
}

// Cancel aborts a pending request explicitly, settling it as a
// timeout so any blocked Request call returns immediately.
func (c *RequestCorrelator) Cancel(correlationID string) {
	c.settle(correlationID, nil)
}

// Reply publishes reply to the request's ReplyTo topic via
// publishRequest; it is a thin convenience used by the Broker facade's
// Reply operation. A request missing ReplyTo or CorrelationID was never
// sent through Request and has nothing to reply to, so Reply is a
// silent no-op rather than an error (spec.md §4.6).
func (c *RequestCorrelator) Reply(request *Message, payload interface{}) error {
	if request.ReplyTo == "" || request.CorrelationID == "" {
		return nil
	}
	reply := &Message{
		ID:            uuid.NewString(),
		Topic:         request.ReplyTo,
		Payload:       payload,
		CreatedAt:     time.Now(),
		CorrelationID: request.CorrelationID,
	}
	return c.publishRequest(reply)
}
