package mqttv3

import (
	"fmt"
	"sort"
	"sync"
)

// Subscription is a topic filter registered with the client together with
// the QoS requested from the broker and the handler receiving its messages.
type Subscription struct {
	// Topic is the topic filter. It may contain + and # wildcards.
	Topic string

	// QoS is the maximum QoS requested for this filter.
	QoS byte

	// Handler is invoked synchronously for every message matching Topic.
	Handler MessageHandler
}

// validate checks a subscription before it is registered.
func (s Subscription) validate() error {
	if s.QoS > QoS2 {
		return fmt.Errorf("%w: invalid QoS %d for topic %q", ErrInvalidConfig, s.QoS, s.Topic)
	}

	if s.Handler == nil {
		return fmt.Errorf("%w: handler for topic %q is not callable", ErrInvalidConfig, s.Topic)
	}

	if err := ValidateTopicFilter(s.Topic); err != nil {
		return fmt.Errorf("%w: topic %q: %w", ErrInvalidConfig, s.Topic, err)
	}

	return nil
}

// SubscriptionManager is the client's subscription registry, keyed by topic
// filter. It is consulted for every inbound PUBLISH and replayed after each
// (re)connect.
type SubscriptionManager struct {
	mu            sync.RWMutex
	subscriptions map[string]Subscription
}

// NewSubscriptionManager creates a new subscription manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscriptions: make(map[string]Subscription),
	}
}

// Register validates every entry and then merges them into the registry.
// An entry for an existing filter replaces it; other entries are kept.
// Nothing is registered if any entry is invalid.
func (m *SubscriptionManager) Register(subs ...Subscription) error {
	for _, sub := range subs {
		if err := sub.validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range subs {
		m.subscriptions[sub.Topic] = sub
	}

	return nil
}

// Lookup returns the subscription for a received topic name.
// An exact filter match wins; otherwise the first wildcard filter matching
// the topic, in filter order, is returned.
func (m *SubscriptionManager) Lookup(topic string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sub, ok := m.subscriptions[topic]; ok {
		return sub, true
	}

	var (
		found Subscription
		ok    bool
	)

	for filter, sub := range m.subscriptions {
		if !containsWildcard(filter) || !TopicMatch(filter, topic) {
			continue
		}
		if !ok || filter < found.Topic {
			found, ok = sub, true
		}
	}

	return found, ok
}

// Snapshot returns all subscriptions sorted by topic filter.
func (m *SubscriptionManager) Snapshot() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Topic < subs[j].Topic
	})

	return subs
}

// Remove deletes the given topic filters. Unknown filters are ignored.
// Returns the number of filters removed.
func (m *SubscriptionManager) Remove(topics ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, topic := range topics {
		if _, ok := m.subscriptions[topic]; ok {
			delete(m.subscriptions, topic)
			removed++
		}
	}

	return removed
}

// Len returns the number of registered filters.
func (m *SubscriptionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.subscriptions)
}
