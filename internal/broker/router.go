package broker

// SubscriberLookup is the slice of subscriber state the Router needs
// but does not own; the Broker facade implements it.
type SubscriberLookup interface {
	Subscriber(id string) (*Subscriber, bool)
	Sink(id string) (Sink, bool)
}

// DeliveryOutcome records what happened to one candidate recipient of
// a routed message.
type DeliveryOutcome struct {
	SubscriberID string
	Delivered    bool
	Queued       bool
	Err          error
}

// Router implements spec.md §4.4: gather direct and wildcard
// subscribers, redirect consumer-group members to the group's
// selection, filter, and dispatch — synchronously to online sinks,
// or into the SubscriberQueue for offline ones. Grounded on
// internal/stream/stub_bus.go's deliverToSubscribers/callHandler
// dispatch-with-recover shape, generalized from a single topic's
// handler list to the registry's direct+wildcard+group union.
type Router struct {
	topics  *TopicRegistry
	queues  *SubscriberQueue
	groups  *ConsumerGroupManager
	lookup  SubscriberLookup
}

// NewRouter wires a Router to its collaborators.
func NewRouter(topics *TopicRegistry, queues *SubscriberQueue, groups *ConsumerGroupManager, lookup SubscriberLookup) *Router {
	return &Router{topics: topics, queues: queues, groups: groups, lookup: lookup}
}

// Route delivers msg to every matching recipient and returns the
// outcome for each one actually dispatched to (after group
// redirection, filtering, and dedup).
func (r *Router) Route(msg *Message) []DeliveryOutcome {
	direct := r.topics.SubscribersOf(msg.Topic)
	wildcard := r.topics.SubscribersOf(literalWildcard)
	candidates := dedupeStrings(direct, wildcard)

	targets := r.resolveTargets(candidates, msg)

	outcomes := make([]DeliveryOutcome, 0, len(targets))
	delivered := make(map[string]struct{}, len(targets))
	for _, subID := range targets {
		if _, seen := delivered[subID]; seen {
			continue
		}
		delivered[subID] = struct{}{}

		sub, ok := r.lookup.Subscriber(subID)
		if !ok {
			continue
		}
		if !sub.Filter.Match(msg) {
			continue
		}
		outcomes = append(outcomes, r.dispatch(subID, sub, msg))
	}
	return outcomes
}

// resolveTargets maps raw candidate subscriber ids to actual delivery
// targets: a candidate bound to a consumer group whose topic matches
// msg's topic is replaced by the group's selection (or every member,
// for broadcast groups); each qualifying group is resolved at most
// once per call so a round-robin/sticky selection does not advance
// once per member found in candidates.
func (r *Router) resolveTargets(candidates []string, msg *Message) []string {
	processedGroups := make(map[string]struct{})
	targets := make([]string, 0, len(candidates))
	for _, subID := range candidates {
		group, inGroup := r.groups.GroupForSubscriber(subID)
		if !inGroup || group.Topic != msg.Topic {
			targets = append(targets, subID)
			continue
		}
		if _, done := processedGroups[group.Name]; done {
			continue
		}
		processedGroups[group.Name] = struct{}{}

		result, ok := r.groups.Select(group.Name, msg)
		if !ok {
			continue
		}
		r.groups.Advance(group.Name)
		if result.Broadcast {
			targets = append(targets, result.Members...)
		} else if result.Member != "" {
			targets = append(targets, result.Member)
		}
	}
	return targets
}

// dispatch delivers msg to subID, synchronously if online, or enqueues
// it otherwise; a delivery error on an online subscriber falls back to
// enqueueing for retry rather than dropping the message.
func (r *Router) dispatch(subID string, sub *Subscriber, msg *Message) DeliveryOutcome {
	if sub.Online {
		if sink, ok := r.lookup.Sink(subID); ok {
			err := r.safeDeliver(sink, msg)
			if err == nil {
				r.groups.MarkProcessed(subID)
				return DeliveryOutcome{SubscriberID: subID, Delivered: true}
			}
			r.enqueue(subID, msg)
			return DeliveryOutcome{SubscriberID: subID, Queued: true, Err: err}
		}
	}
	r.enqueue(subID, msg)
	return DeliveryOutcome{SubscriberID: subID, Queued: true}
}

// safeDeliver recovers from a panicking Sink, turning it into a
// delivery error like callHandler does for bus handlers.
func (r *Router) safeDeliver(sink Sink, msg *Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = wrapErr(KindDeliveryError, "sink panicked", panicErr(p))
		}
	}()
	return sink.Deliver(msg)
}

func (r *Router) enqueue(subID string, msg *Message) {
	topic, err := r.topics.Get(msg.Topic)
	cfg := DefaultTopicConfig()
	if err == nil {
		cfg = topic.Config
	}
	r.queues.Enqueue(subID, &QueuedMessage{
		Message:      *msg,
		SubscriberID: subID,
		QueuedAt:     msg.CreatedAt,
		MaxRetries:   cfg.MaxRetries,
	}, cfg.MaxQueueSize)
}

func dedupeStrings(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

type panicValue struct{ v interface{} }

func (p panicValue) Error() string { return "recovered panic" }

func panicErr(p interface{}) error {
	if err, ok := p.(error); ok {
		return err
	}
	return panicValue{v: p}
}
