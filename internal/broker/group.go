package broker

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"
)

const (
	heartbeatTimeout = 30 * time.Second
	virtualPartitions = 16
)

// SelectResult is the outcome of ConsumerGroupManager.Select.
type SelectResult struct {
	// Broadcast is true when the group's strategy is "broadcast"; the
	// caller should fan out to every id in Members instead of Member.
	Broadcast bool
	Member    string
	Members   []string
}

// ConsumerGroupManager owns group membership, heartbeats, leader
// election, virtual-partition assignment, and the four selection
// strategies (spec.md §4.5).
type ConsumerGroupManager struct {
	mu             sync.Mutex
	groups         map[string]*ConsumerGroup
	memberOf       map[string]string // subscriber id -> group name
	cursors        map[string]int    // group name -> round-robin cursor
	sticky         map[string]map[string]string // group name -> sticky key -> subscriber id
}

// NewConsumerGroupManager builds an empty manager.
func NewConsumerGroupManager() *ConsumerGroupManager {
	return &ConsumerGroupManager{
		groups:   make(map[string]*ConsumerGroup),
		memberOf: make(map[string]string),
		cursors:  make(map[string]int),
		sticky:   make(map[string]map[string]string),
	}
}

// Create registers a new, empty group.
func (m *ConsumerGroupManager) Create(name, topic string, strategy GroupStrategy) (*ConsumerGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[name]; exists {
		return nil, newErr(KindAlreadyExists, "consumer group "+name+" already exists")
	}
	g := &ConsumerGroup{Name: name, Topic: topic, Strategy: strategy}
	m.groups[name] = g
	cp := *g
	return &cp, nil
}

// Get returns a copy of the named group.
func (m *ConsumerGroupManager) Get(name string) (*ConsumerGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[name]
	if !ok {
		return nil, newErr(KindNotFound, "consumer group "+name+" not found")
	}
	return copyGroup(g), nil
}

// ListAll returns a copy of every group.
func (m *ConsumerGroupManager) ListAll() []*ConsumerGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ConsumerGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, copyGroup(g))
	}
	return out
}

func copyGroup(g *ConsumerGroup) *ConsumerGroup {
	cp := *g
	cp.Members = append([]*GroupMember(nil), g.Members...)
	return &cp
}

// GroupForSubscriber returns the group subID currently belongs to, if
// any.
func (m *ConsumerGroupManager) GroupForSubscriber(subID string) (*ConsumerGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.memberOf[subID]
	if !ok {
		return nil, false
	}
	g, ok := m.groups[name]
	if !ok {
		return nil, false
	}
	return copyGroup(g), true
}

// Join adds subID/clientID to group. If subID is already a member of
// a different group it leaves that group first, preserving the
// invariant that at most one group maps to a given subscriber id. If
// it is already a member of this group, its heartbeat is refreshed
// and the existing member returned instead of duplicating it.
func (m *ConsumerGroupManager) Join(group, subID, clientID string) (*GroupMember, error) {
	m.mu.Lock()
	if existing, ok := m.memberOf[subID]; ok && existing != group {
		m.leaveLocked(subID)
	}
	g, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return nil, newErr(KindNotFound, "consumer group "+group+" not found")
	}
	for _, mem := range g.Members {
		if mem.SubscriberID == subID {
			mem.LastHeartbeat = time.Now()
			cp := *mem
			m.mu.Unlock()
			return &cp, nil
		}
	}
	now := time.Now()
	member := &GroupMember{
		SubscriberID:  subID,
		ClientID:      clientID,
		JoinedAt:      now,
		LastHeartbeat: now,
		Leader:        len(g.Members) == 0,
	}
	g.Members = append(g.Members, member)
	m.memberOf[subID] = group
	m.mu.Unlock()

	m.Rebalance(group)
	cp := *member
	return &cp, nil
}

// Leave removes subID from its group, promoting a new leader if
// necessary, then rebalances.
func (m *ConsumerGroupManager) Leave(subID string) {
	m.mu.Lock()
	group := m.leaveLocked(subID)
	m.mu.Unlock()
	if group != "" {
		m.Rebalance(group)
	}
}

// leaveLocked must be called with mu held; it returns the group name
// subID was removed from, or "" if it was not a member of any group.
func (m *ConsumerGroupManager) leaveLocked(subID string) string {
	name, ok := m.memberOf[subID]
	if !ok {
		return ""
	}
	delete(m.memberOf, subID)
	g, ok := m.groups[name]
	if !ok {
		return ""
	}
	idx := -1
	wasLeader := false
	for i, mem := range g.Members {
		if mem.SubscriberID == subID {
			idx = i
			wasLeader = mem.Leader
			break
		}
	}
	if idx == -1 {
		return name
	}
	g.Members = append(g.Members[:idx:idx], g.Members[idx+1:]...)
	if wasLeader && len(g.Members) > 0 {
		g.Members[0].Leader = true
	}
	return name
}

// Heartbeat refreshes subID's lastHeartbeat timestamp.
func (m *ConsumerGroupManager) Heartbeat(subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.memberOf[subID]
	if !ok {
		return
	}
	g := m.groups[name]
	for _, mem := range g.Members {
		if mem.SubscriberID == subID {
			mem.LastHeartbeat = time.Now()
			return
		}
	}
}

// ReapExpired evicts members whose heartbeat is older than 30s,
// rebalancing any group it touches. Intended to run every 10s from
// the Broker facade's periodic job per spec.md §4.5.
func (m *ConsumerGroupManager) ReapExpired(now time.Time) {
	m.mu.Lock()
	var stale []string
	for subID, name := range m.memberOf {
		g, ok := m.groups[name]
		if !ok {
			continue
		}
		for _, mem := range g.Members {
			if mem.SubscriberID == subID && now.Sub(mem.LastHeartbeat) > heartbeatTimeout {
				stale = append(stale, subID)
			}
		}
	}
	m.mu.Unlock()

	touched := make(map[string]struct{})
	for _, subID := range stale {
		m.mu.Lock()
		name := m.memberOf[subID]
		m.leaveLocked(subID)
		m.mu.Unlock()
		touched[name] = struct{}{}
	}
	for name := range touched {
		m.Rebalance(name)
	}
}

// Rebalance spreads 16 virtual partitions as evenly as possible across
// a group's members; idempotent.
func (m *ConsumerGroupManager) Rebalance(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok || len(g.Members) == 0 {
		return
	}
	n := len(g.Members)
	base := virtualPartitions / n
	extra := virtualPartitions % n
	next := 0
	for i, mem := range g.Members {
		count := base
		if i < extra {
			count++
		}
		parts := make([]int, count)
		for j := range parts {
			parts[j] = next
			next++
		}
		mem.Partitions = parts
	}
}

// Select chooses the recipient(s) for msg under group's strategy.
func (m *ConsumerGroupManager) Select(group string, msg *Message) (SelectResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok || len(g.Members) == 0 {
		return SelectResult{}, false
	}
	switch g.Strategy {
	case StrategyBroadcast:
		members := make([]string, len(g.Members))
		for i, mem := range g.Members {
			members[i] = mem.SubscriberID
		}
		return SelectResult{Broadcast: true, Members: members}, true
	case StrategySticky:
		key := stickyKey(msg)
		table := m.sticky[group]
		if table == nil {
			table = make(map[string]string)
			m.sticky[group] = table
		}
		if assigned, ok := table[key]; ok && isMember(g, assigned) {
			return SelectResult{Member: assigned}, true
		}
		idx := int(hashKey(key) % uint32(len(g.Members)))
		chosen := g.Members[idx].SubscriberID
		table[key] = chosen
		return SelectResult{Member: chosen}, true
	case StrategyRandom:
		chosen := g.Members[rand.Intn(len(g.Members))].SubscriberID
		return SelectResult{Member: chosen}, true
	default: // round-robin
		cursor := m.cursors[group] % len(g.Members)
		chosen := g.Members[cursor].SubscriberID
		m.cursors[group] = (cursor + 1) % len(g.Members)
		return SelectResult{Member: chosen}, true
	}
}

func isMember(g *ConsumerGroup, subID string) bool {
	for _, mem := range g.Members {
		if mem.SubscriberID == subID {
			return true
		}
	}
	return false
}

// stickyKey derives the routing key per spec.md §4.5: the first
// non-empty of payload.userId/orderId/sessionId, then the message's
// correlation id, falling back to "publisher:<id>".
func stickyKey(msg *Message) string {
	if fields, ok := msg.Payload.(map[string]interface{}); ok {
		for _, field := range []string{"userId", "orderId", "sessionId"} {
			if v, ok := fields[field]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	if msg.CorrelationID != "" {
		return msg.CorrelationID
	}
	return "publisher:" + msg.PublisherID
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// CommitOffset records group's committed offset.
func (m *ConsumerGroupManager) CommitOffset(group string, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return newErr(KindNotFound, "consumer group "+group+" not found")
	}
	g.CommittedOffset = offset
	return nil
}

// Advance bumps group's current offset by one and returns the new
// value; called by the Router each time it routes a message into a
// group.
func (m *ConsumerGroupManager) Advance(group string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return 0
	}
	g.CurrentOffset++
	return g.CurrentOffset
}

// MarkProcessed increments a member's processed-message counter.
func (m *ConsumerGroupManager) MarkProcessed(subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.memberOf[subID]
	if !ok {
		return
	}
	g := m.groups[name]
	for _, mem := range g.Members {
		if mem.SubscriberID == subID {
			mem.ProcessedCount++
			return
		}
	}
}
