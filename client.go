package mqttv3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// generatedIDPrefix prefixes client identifiers generated for MQTT 3.1.
const generatedIDPrefix = "generated_"

// maxMQTT31ClientIDLength is the longest client identifier MQTT 3.1 accepts.
const maxMQTT31ClientIDLength = 23

// Client is a synchronous MQTT 3.1/3.1.1 client.
//
// The client connects lazily: the first operation that reads or writes dials
// the broker, performs the CONNECT handshake and replays every registered
// subscription. There is no background goroutine. Inbound packets are only
// processed by HandleNext, Loop, and while Publish, Subscribe or Unsubscribe
// wait for their acknowledgements, so all of those must be called from one
// goroutine. Handlers run on that goroutine and may call Publish.
//
// QoS 0 Publish, Ping, Disconnect and Close may be called from any goroutine.
type Client struct {
	options *clientOptions
	logger  Logger
	metrics *ClientMetrics

	// Connection state
	connMu    sync.Mutex
	conn      Conn
	connectMu sync.Mutex // serializes handshakes
	writeMu   sync.Mutex // keeps frames atomic on the wire

	// Session state
	packetIDs     *PacketIDAllocator
	subscriptions *SubscriptionManager
	outbound      *OutboundTracker
	inbound       *InboundTracker
	keepAlive     *KeepAliveTimer

	// draining is set while the dispatcher waits for outstanding PUBRELs.
	// Only the dispatching goroutine touches it.
	draining bool

	closed  atomic.Bool
	stopped atomic.Bool
}

// New creates a client. No connection is made until the first operation or
// an explicit Connect.
func New(opts ...Option) (*Client, error) {
	options := applyOptions(opts...)

	if err := options.validate(); err != nil {
		return nil, err
	}

	if options.clientID == "" {
		switch {
		case !options.cleanSession:
			return nil, fmt.Errorf("%w: client identifier is required when clean session is disabled", ErrInvalidConfig)
		case options.protocolLevel < ProtocolMQTT311:
			options.clientID = generateClientID()
		}
	}

	c := &Client{
		options:       options,
		logger:        options.logger,
		metrics:       NewClientMetrics(options.metrics),
		packetIDs:     NewPacketIDAllocator(),
		subscriptions: NewSubscriptionManager(),
		outbound:      NewOutboundTracker(),
		inbound:       NewInboundTracker(),
		keepAlive:     NewKeepAliveTimer(options.keepAlive),
	}

	if options.clientID != "" {
		c.logger = c.logger.WithFields(LogFields{LogFieldClientID: options.clientID})
	}

	return c, nil
}

// generateClientID returns a unique identifier that fits the 23 character
// limit of MQTT 3.1.
func generateClientID() string {
	id := xid.New().String()
	if room := maxMQTT31ClientIDLength - len(generatedIDPrefix); len(id) > room {
		id = id[len(id)-room:]
	}
	return generatedIDPrefix + id
}

// ClientID returns the client identifier. It is empty for MQTT 3.1.1 clean
// sessions that leave the choice to the broker.
func (c *Client) ClientID() string {
	return c.options.clientID
}

// IsConnected returns true if the client holds a live stream.
func (c *Client) IsConnected() bool {
	return !c.closed.Load() && c.currentConn() != nil
}

// Subscriptions returns the registered subscriptions sorted by topic filter.
func (c *Client) Subscriptions() []Subscription {
	return c.subscriptions.Snapshot()
}

// Publish sends a message and, for QoS 1 and 2, waits for its
// acknowledgements.
func (c *Client) Publish(msg *Message) error {
	return c.PublishContext(context.Background(), msg)
}

// PublishContext sends a message. The context only bounds the wait for the
// publish rate limiter; once written, a QoS 1 publish processes exactly one
// inbound packet and a QoS 2 publish exactly two, in arrival order. Those
// packets are not necessarily the acknowledgements of this publish: any
// inbound PUBLISH arriving first is dispatched to its handler instead.
func (c *Client) PublishContext(ctx context.Context, msg *Message) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidConfig)
	}

	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}

	if msg.QoS > QoS2 {
		return ErrInvalidQoS
	}

	if c.options.publishLimiter != nil {
		if err := c.options.publishLimiter.Wait(ctx); err != nil {
			return err
		}
	}

	pkt := &PublishPacket{}
	pkt.FromMessage(msg)

	if msg.QoS > QoS0 {
		pkt.PacketID = c.packetIDs.Next()
		c.outbound.Track(pkt.PacketID, msg.Topic, msg.QoS)
	}

	start := time.Now()

	if err := c.writePacket(pkt); err != nil {
		if msg.QoS > QoS0 {
			c.outbound.Forget(pkt.PacketID)
		}
		return fmt.Errorf("failed to publish to %q: %w", msg.Topic, err)
	}

	c.metrics.MessageSent(msg.QoS)
	c.logger.Debug("message published", LogFields{
		LogFieldTopic:    msg.Topic,
		LogFieldQoS:      msg.QoS,
		LogFieldPacketID: pkt.PacketID,
		LogFieldBytes:    len(msg.Payload),
	})

	for range int(msg.QoS) {
		if _, err := c.handleNext(); err != nil {
			return err
		}
	}

	if msg.QoS > QoS0 {
		c.metrics.PublishDuration(msg.QoS, time.Since(start))
	}

	return nil
}

// Subscribe sends SUBSCRIBE for the given entries, registers them and
// processes one inbound packet, normally the SUBACK. Every entry is validated
// before anything is sent. A filter that is already registered is replaced.
func (c *Client) Subscribe(subs ...Subscription) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	if len(subs) == 0 {
		return fmt.Errorf("%w: no subscriptions", ErrInvalidConfig)
	}

	for _, sub := range subs {
		if err := sub.validate(); err != nil {
			return err
		}
	}

	if err := c.sendSubscribe(subs); err != nil {
		return err
	}

	if err := c.subscriptions.Register(subs...); err != nil {
		return err
	}
	c.metrics.Subscriptions(c.subscriptions.Len())

	_, err := c.handleNext()
	return err
}

// sendSubscribe writes one SUBSCRIBE packet for subs.
func (c *Client) sendSubscribe(subs []Subscription) error {
	pkt := &SubscribePacket{
		PacketID: c.packetIDs.Next(),
		Filters:  make([]TopicFilter, 0, len(subs)),
	}

	for _, sub := range subs {
		pkt.Filters = append(pkt.Filters, TopicFilter{Filter: sub.Topic, QoS: sub.QoS})
	}

	if err := c.writePacket(pkt); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.logger.Debug("subscribe sent", LogFields{
		LogFieldPacketID: pkt.PacketID,
		"filters":        len(pkt.Filters),
	})

	return nil
}

// Unsubscribe sends UNSUBSCRIBE for the topic filters, removes them from the
// registry and processes one inbound packet, normally the UNSUBACK.
func (c *Client) Unsubscribe(topics ...string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics", ErrInvalidConfig)
	}

	if err := c.sendUnsubscribe(topics); err != nil {
		return err
	}

	c.subscriptions.Remove(topics...)
	c.metrics.Subscriptions(c.subscriptions.Len())

	_, err := c.handleNext()
	return err
}

// sendUnsubscribe writes one UNSUBSCRIBE packet for topics.
func (c *Client) sendUnsubscribe(topics []string) error {
	pkt := &UnsubscribePacket{
		PacketID:     c.packetIDs.Next(),
		TopicFilters: topics,
	}

	if err := c.writePacket(pkt); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	c.logger.Debug("unsubscribe sent", LogFields{
		LogFieldPacketID: pkt.PacketID,
		"filters":        len(topics),
	})

	return nil
}

// Ping sends PINGREQ. The PINGRESP is consumed by the dispatcher.
func (c *Client) Ping() error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	if err := c.writePacket(&PingreqPacket{}); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}

	c.keepAlive.Reset(time.Now())
	return nil
}

// Disconnect sends DISCONNECT and closes the stream, if one is live. A
// parked persistent stream for this client is discarded too. The client
// stays usable: the next operation connects again.
func (c *Client) Disconnect() error {
	conn := c.takeConn()

	if !c.options.cleanSession {
		c.options.streamPool.discard(c.streamKey())
	}

	if conn == nil {
		return nil
	}

	b, err := encodePacket(&DisconnectPacket{})
	if err != nil {
		conn.Close()
		return err
	}

	c.writeMu.Lock()
	_, writeErr := conn.Write(b)
	c.writeMu.Unlock()

	closeErr := conn.Close()

	c.inbound.Clear()
	c.outbound.Clear()
	c.metrics.Disconnected()
	c.emit(NewDisconnectError(nil))
	c.logger.Info("disconnected", nil)

	if writeErr != nil {
		return fmt.Errorf("failed to send DISCONNECT: %w", writeErr)
	}

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}

	return nil
}

// Close releases the stream without sending DISCONNECT and makes every later
// operation fail with ErrClientClosed. With clean session disabled the
// stream is parked in the stream pool, so the next client with the same
// address and identifier resumes it without a new handshake.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	conn := c.takeConn()
	if conn == nil {
		return nil
	}

	if pooled, ok := conn.(*pooledConn); ok && !c.options.cleanSession {
		c.options.streamPool.park(c.streamKey(), pooled)
		c.logger.Debug("persistent stream parked", nil)
		return nil
	}

	c.metrics.Disconnected()
	c.emit(NewDisconnectError(nil))

	return conn.Close()
}

// emit sends an event to the event handler.
func (c *Client) emit(event error) {
	if c.options.onEvent != nil {
		c.options.onEvent(c, event)
	}
}
