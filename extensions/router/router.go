// Package router fans messages received by an mqttv3 client out to handlers
// selected by topic filter and message attributes.
//
// A router is usually installed as the handler of every subscription it
// derives:
//
//	r := router.New()
//	r.Handle(onTemp, router.WithTopic("sensors/+/temp"))
//	r.Handle(onAlarm, router.WithTopic("alarms/#"), router.WithQoS(mqttv3.QoS1))
//	err := client.Subscribe(r.Subscriptions(mqttv3.QoS1)...)
package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqttv3"
)

// Handler processes an MQTT message.
type Handler func(msg *mqttv3.Message)

// predicate is one check a message has to pass.
type predicate func(msg *mqttv3.Message) bool

// Condition is the set of checks a registration applies, all of which must hold.
type Condition struct {
	filter string
	checks []predicate
}

// ConditionOption adds a check to a Condition.
type ConditionOption func(*Condition)

// WithTopic matches topics against an MQTT filter with + and # wildcards.
// The filter is also what Subscriptions subscribes to.
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.filter = filter
		c.checks = append(c.checks, func(msg *mqttv3.Message) bool {
			return mqttv3.TopicMatch(filter, msg.Topic)
		})
	}
}

// WithQoS matches the QoS the message was delivered with.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.checks = append(c.checks, func(msg *mqttv3.Message) bool { return msg.QoS == qos })
	}
}

// WithRetain matches the retain flag.
func WithRetain(retain bool) ConditionOption {
	return func(c *Condition) {
		c.checks = append(c.checks, func(msg *mqttv3.Message) bool { return msg.Retain == retain })
	}
}

// WithTopicRegexp matches the topic name against pattern.
func WithTopicRegexp(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.checks = append(c.checks, func(msg *mqttv3.Message) bool { return pattern.MatchString(msg.Topic) })
	}
}

// WithPayload matches the payload against pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.checks = append(c.checks, func(msg *mqttv3.Message) bool { return pattern.Match(msg.Payload) })
	}
}

func (c *Condition) matches(msg *mqttv3.Message) bool {
	for _, check := range c.checks {
		if !check(msg) {
			return false
		}
	}
	return true
}

type route struct {
	handler Handler
	cond    Condition
}

// Router dispatches a message to every registered handler whose condition
// holds, in registration order. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// Handle registers handler. With no options it receives every message.
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{handler: handler, cond: cond})
}

// Route runs the matching handlers and returns how many ran. Handlers are
// called outside the lock, so they may register further routes.
func (r *Router) Route(msg *mqttv3.Message) int {
	if msg == nil {
		return 0
	}

	r.mu.RLock()
	var targets []Handler
	for _, rt := range r.routes {
		if rt.cond.matches(msg) {
			targets = append(targets, rt.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range targets {
		h(msg)
	}
	return len(targets)
}

// Filters returns the distinct topic filters registered with WithTopic, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	filters := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		if rt.cond.filter != "" {
			filters = append(filters, rt.cond.filter)
		}
	}
	r.mu.RUnlock()

	slices.Sort(filters)
	return slices.Compact(filters)
}

// Subscriptions returns one subscription per filter, each delivering into r.
func (r *Router) Subscriptions(qos byte) []mqttv3.Subscription {
	handler := r.MessageHandler()

	var subs []mqttv3.Subscription
	for _, filter := range r.Filters() {
		subs = append(subs, mqttv3.Subscription{Topic: filter, QoS: qos, Handler: handler})
	}
	return subs
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Clear drops every registration.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = nil
}

// MessageHandler adapts r to mqttv3.MessageHandler.
func (r *Router) MessageHandler() mqttv3.MessageHandler {
	return func(msg *mqttv3.Message) { r.Route(msg) }
}
