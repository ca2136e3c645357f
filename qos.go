package mqttv3

import (
	"sync"
	"time"
)

// maxPacketID is the largest packet identifier before wrapping back to 1.
const maxPacketID = 65535

// PacketIDAllocator issues sequential packet identifiers (1-65535).
// MQTT 3.1.1 spec: Section 2.3.1
//
// Identifiers are not checked against in-flight messages; after 65535
// allocations the sequence restarts at 1 whether or not 1 is still in use.
type PacketIDAllocator struct {
	mu   sync.Mutex
	last uint32
}

// NewPacketIDAllocator creates a new allocator. The first Next returns 1.
func NewPacketIDAllocator() *PacketIDAllocator {
	return &PacketIDAllocator{}
}

// Next pre-increments the counter and returns it, wrapping past 65535 to 1.
func (a *PacketIDAllocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.last++
	if a.last > maxPacketID {
		a.last = 1
	}

	return uint16(a.last)
}

// OutboundState is the acknowledgement state of a publish sent by the client.
// MQTT 3.1.1 spec: Section 4.3
type OutboundState int

const (
	// OutboundAwaitingPuback waits for the PUBACK of a QoS 1 publish.
	OutboundAwaitingPuback OutboundState = iota
	// OutboundAwaitingPubrec waits for the PUBREC of a QoS 2 publish.
	OutboundAwaitingPubrec
	// OutboundAwaitingPubcomp waits for the PUBCOMP after PUBREL was sent.
	OutboundAwaitingPubcomp
)

// String returns the string representation of the state.
func (s OutboundState) String() string {
	switch s {
	case OutboundAwaitingPuback:
		return "awaiting PUBACK"
	case OutboundAwaitingPubrec:
		return "awaiting PUBREC"
	case OutboundAwaitingPubcomp:
		return "awaiting PUBCOMP"
	default:
		return "unknown"
	}
}

// OutboundMessage is a QoS 1 or 2 publish awaiting acknowledgement.
type OutboundMessage struct {
	PacketID uint16
	Topic    string
	QoS      byte
	State    OutboundState
	SentAt   time.Time
}

// OutboundTracker tracks the acknowledgement state of outbound publishes.
//
// It only records progress: nothing is retransmitted, and an acknowledgement
// for an unknown identifier is accepted and ignored.
type OutboundTracker struct {
	mu       sync.Mutex
	messages map[uint16]*OutboundMessage
}

// NewOutboundTracker creates a new outbound tracker.
func NewOutboundTracker() *OutboundTracker {
	return &OutboundTracker{
		messages: make(map[uint16]*OutboundMessage),
	}
}

// Track records a publish that was just written.
func (t *OutboundTracker) Track(packetID uint16, topic string, qos byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := OutboundAwaitingPuback
	if qos == QoS2 {
		state = OutboundAwaitingPubrec
	}

	t.messages[packetID] = &OutboundMessage{
		PacketID: packetID,
		Topic:    topic,
		QoS:      qos,
		State:    state,
		SentAt:   time.Now(),
	}
}

// Puback completes a QoS 1 flow. Returns the message and whether it was tracked.
func (t *OutboundTracker) Puback(packetID uint16) (*OutboundMessage, bool) {
	return t.complete(packetID, OutboundAwaitingPuback)
}

// Pubrec advances a QoS 2 flow to awaiting PUBCOMP.
// Returns the message and whether it was tracked in the expected state.
func (t *OutboundTracker) Pubrec(packetID uint16) (*OutboundMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok || msg.State != OutboundAwaitingPubrec {
		return nil, false
	}

	msg.State = OutboundAwaitingPubcomp
	return msg, true
}

// Pubcomp completes a QoS 2 flow. Returns the message and whether it was tracked.
func (t *OutboundTracker) Pubcomp(packetID uint16) (*OutboundMessage, bool) {
	return t.complete(packetID, OutboundAwaitingPubcomp)
}

func (t *OutboundTracker) complete(packetID uint16, expected OutboundState) (*OutboundMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok || msg.State != expected {
		return nil, false
	}

	delete(t.messages, packetID)
	return msg, true
}

// Get returns a tracked message.
func (t *OutboundTracker) Get(packetID uint16) (*OutboundMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	return msg, ok
}

// Count returns the number of tracked messages.
func (t *OutboundTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.messages)
}

// Clear removes all tracked messages.
func (t *OutboundTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages = make(map[uint16]*OutboundMessage)
}

// InboundTracker tracks received QoS 2 publishes between sending PUBREC and
// receiving the matching PUBREL (the AwaitingPubrel state).
// MQTT 3.1.1 spec: Section 4.3.3
type InboundTracker struct {
	mu      sync.Mutex
	pending map[uint16]time.Time
}

// NewInboundTracker creates a new inbound tracker.
func NewInboundTracker() *InboundTracker {
	return &InboundTracker{
		pending: make(map[uint16]time.Time),
	}
}

// AwaitPubrel records that PUBREC was sent for packetID.
func (t *InboundTracker) AwaitPubrel(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[packetID] = time.Now()
}

// Release clears the AwaitingPubrel state for packetID.
// Returns whether the identifier was awaiting a PUBREL.
func (t *InboundTracker) Release(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[packetID]; !ok {
		return false
	}

	delete(t.pending, packetID)
	return true
}

// IsAwaiting returns true if packetID is waiting for a PUBREL.
func (t *InboundTracker) IsAwaiting(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.pending[packetID]
	return ok
}

// Count returns the number of identifiers awaiting a PUBREL.
func (t *InboundTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// Clear removes all pending identifiers.
func (t *InboundTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = make(map[uint16]time.Time)
}

// Forget drops a tracked message regardless of state, for publishes whose
// write failed.
func (t *OutboundTracker) Forget(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.messages, packetID)
}
