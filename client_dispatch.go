package mqttv3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// HandleNext reads and dispatches at most one control packet. It returns
// false and a nil error when nothing arrived within the read timeout.
//
// A QoS 2 PUBLISH is the exception: HandleNext keeps reading, through any
// number of read timeouts, until its PUBREL arrives and PUBCOMP is sent.
// No PINGREQ goes out meanwhile and Loop sees neither Stop nor ctx, so a
// broker that never releases the message holds the caller until it drops
// the stream.
//
// Any error except an unrecognized or malformed packet comes from the
// stream; in every case the stream has been dropped and the next operation
// connects again.
func (c *Client) HandleNext() (bool, error) {
	if c.closed.Load() {
		return false, ErrClientClosed
	}

	return c.handleNext()
}

// Loop dispatches inbound packets and sends PINGREQ every
// floor(keepAlive/2)-1 seconds until ctx is cancelled or Stop is called.
// Both are checked between packets only, so a handshake in progress
// completes first.
//
// Loop returns nil after Stop, ctx.Err() after cancellation and the first
// error otherwise. Nothing is retried. The stream is left to Disconnect or
// Close.
func (c *Client) Loop(ctx context.Context) error {
	c.stopped.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.stopped.Load() {
			return nil
		}

		if _, err := c.HandleNext(); err != nil {
			c.logger.Error("dispatch loop stopped", LogFields{LogFieldError: err.Error()})
			return err
		}

		if c.keepAlive.Due(time.Now()) {
			if err := c.Ping(); err != nil {
				return err
			}
		}
	}
}

// Stop makes a running Loop return after the packet it is processing.
func (c *Client) Stop() {
	c.stopped.Store(true)
}

func (c *Client) handleNext() (bool, error) {
	conn, err := c.autoConnect()
	if err != nil {
		return false, err
	}

	b, err := c.readOnce(conn, 1)
	if err != nil || len(b) == 0 {
		return false, err
	}

	command := b[0]
	if !recognizedCommand(command) {
		c.dropConn(conn, NewUnrecognizedCommandError(command))
		c.logger.Error("unrecognized command", LogFields{"command": fmt.Sprintf("0x%02x", command)})
		return false, NewUnrecognizedCommandError(command)
	}

	header := FixedHeader{
		PacketType: PacketType(command >> 4),
		Flags:      command & 0x0F,
	}

	r := &exactReader{c: c, conn: conn}
	header.RemainingLength, _, err = decodeRemainingLength(r)
	if err != nil {
		return false, c.malformed(conn, header, err)
	}

	if limit := c.options.maxPacketSize; limit > 0 && header.RemainingLength > limit {
		c.dropConn(conn, ErrPacketTooLarge)
		return false, fmt.Errorf("%w: %s of %d bytes", ErrPacketTooLarge, header.PacketType, header.RemainingLength)
	}

	body, err := c.readExact(conn, int(header.RemainingLength))
	if err != nil {
		return false, err
	}
	if len(body) < int(header.RemainingLength) {
		return false, c.malformed(conn, header, fmt.Errorf("read %d of %d bytes", len(body), header.RemainingLength))
	}

	c.metrics.PacketReceived(header.PacketType)

	return true, c.dispatch(conn, header, body)
}

// recognizedCommand reports whether the dispatcher handles a fixed header
// byte. PUBLISH, PUBREL and SUBACK match on the packet type alone; the other
// packets must carry zero flags.
func recognizedCommand(command byte) bool {
	switch PacketType(command >> 4) {
	case PacketPUBLISH, PacketPUBREL, PacketSUBACK:
		return true
	}

	switch command {
	case encodeFixedHeader(PacketPINGRESP, 0),
		encodeFixedHeader(PacketUNSUBACK, 0),
		encodeFixedHeader(PacketPUBACK, 0),
		encodeFixedHeader(PacketPUBREC, 0),
		encodeFixedHeader(PacketPUBCOMP, 0):
		return true
	}

	return false
}

// dispatch reacts to one complete packet.
func (c *Client) dispatch(conn Conn, header FixedHeader, body []byte) error {
	r := bytes.NewReader(body)

	switch header.PacketType {
	case PacketPUBLISH:
		var pkt PublishPacket
		if _, err := pkt.Decode(r, header); err != nil {
			return c.malformed(conn, header, err)
		}
		return c.handlePublish(&pkt)

	case PacketPINGRESP:
		c.logger.Debug("pingresp received", nil)
		return nil

	case PacketPUBREL:
		var pkt PubrelPacket
		if _, err := pkt.Decode(r, header); err != nil {
			return c.malformed(conn, header, err)
		}
		return c.handlePubrel(&pkt)

	case PacketSUBACK:
		var pkt SubackPacket
		if _, err := pkt.Decode(r, header); err != nil {
			return c.malformed(conn, header, err)
		}
		c.handleSuback(&pkt)
		return nil

	case PacketUNSUBACK:
		c.logger.Debug("unsuback received", LogFields{LogFieldBytes: len(body)})
		return nil

	case PacketPUBACK:
		var pkt PubackPacket
		if _, err := pkt.Decode(r, header); err != nil {
			return c.malformed(conn, header, err)
		}
		c.handlePuback(&pkt)
		return nil

	case PacketPUBREC:
		var pkt PubrecPacket
		if _, err := pkt.Decode(r, header); err != nil {
			return c.malformed(conn, header, err)
		}
		return c.handlePubrec(&pkt)

	case PacketPUBCOMP:
		var pkt PubcompPacket
		if _, err := pkt.Decode(r, header); err != nil {
			return c.malformed(conn, header, err)
		}
		c.handlePubcomp(&pkt)
		return nil

	default:
		return NewUnrecognizedCommandError(header.Command())
	}
}

// malformed drops the stream after a packet could not be framed or decoded.
// Errors that already come from the stream are returned unchanged.
func (c *Client) malformed(conn Conn, header FixedHeader, err error) error {
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrClientClosed) {
		return err
	}

	c.dropConn(conn, err)
	c.logger.Error("malformed packet", LogFields{
		LogFieldPacketType: header.PacketType.String(),
		LogFieldError:      err.Error(),
	})

	return fmt.Errorf("%w: %s: %w", ErrMalformedPacket, header.PacketType, err)
}

// handlePublish delivers a received message to its handler.
func (c *Client) handlePublish(pkt *PublishPacket) error {
	fields := LogFields{
		LogFieldTopic:    pkt.Topic,
		LogFieldQoS:      pkt.QoS,
		LogFieldPacketID: pkt.PacketID,
	}

	sub, ok := c.subscriptions.Lookup(pkt.Topic)
	if !ok {
		// The broker still routes a filter this client no longer tracks,
		// for example one left over from an earlier non-clean session.
		c.metrics.UnknownTopic()
		c.logger.Warn("message for unknown topic dropped, unsubscribing", fields)
		return c.sendUnsubscribe([]string{pkt.Topic})
	}

	// A redelivered QoS 2 message that is still awaiting PUBREL was already
	// handed to the application.
	if pkt.QoS == QoS2 && c.inbound.IsAwaiting(pkt.PacketID) {
		c.logger.Debug("duplicate QoS 2 message, PUBREC resent", fields)
		if err := c.writePacket(&PubrecPacket{PacketID: pkt.PacketID}); err != nil {
			return err
		}
		return c.awaitPubrel()
	}

	msg := pkt.ToMessage()
	msg.confirmFn = c.confirmFunc(pkt.QoS, pkt.PacketID)

	c.metrics.MessageReceived(pkt.QoS)
	c.logger.Debug("message received", fields)

	start := time.Now()
	sub.Handler(msg)
	c.metrics.HandlerDuration(time.Since(start))

	if err := msg.Confirm(); err != nil {
		return err
	}

	if pkt.QoS == QoS2 {
		return c.awaitPubrel()
	}

	return nil
}

// confirmFunc returns the acknowledgement action for a received message.
func (c *Client) confirmFunc(qos byte, packetID uint16) func() error {
	switch qos {
	case QoS1:
		return func() error {
			return c.writePacket(&PubackPacket{PacketID: packetID})
		}
	case QoS2:
		return func() error {
			if err := c.writePacket(&PubrecPacket{PacketID: packetID}); err != nil {
				return err
			}
			c.inbound.AwaitPubrel(packetID)
			return nil
		}
	default:
		return nil
	}
}

// awaitPubrel processes packets until every received QoS 2 message has been
// released by its PUBREL. QoS 2 messages arriving meanwhile only add to the
// awaited set; the outermost call waits for all of them.
// Timed-out reads do not end the wait and keep-alive is not serviced.
func (c *Client) awaitPubrel() error {
	if c.draining {
		return nil
	}

	c.draining = true
	defer func() { c.draining = false }()

	for c.inbound.Count() > 0 {
		if _, err := c.handleNext(); err != nil {
			return err
		}
	}

	return nil
}

// handlePubrel completes an inbound QoS 2 flow with PUBCOMP.
func (c *Client) handlePubrel(pkt *PubrelPacket) error {
	if !c.inbound.Release(pkt.PacketID) {
		c.logger.Debug("pubrel for unknown packet id", LogFields{LogFieldPacketID: pkt.PacketID})
	}

	return c.writePacket(&PubcompPacket{PacketID: pkt.PacketID})
}

// handlePuback completes an outbound QoS 1 flow.
func (c *Client) handlePuback(pkt *PubackPacket) {
	if _, ok := c.outbound.Puback(pkt.PacketID); !ok {
		c.logger.Debug("puback for unknown packet id", LogFields{LogFieldPacketID: pkt.PacketID})
	}
}

// handlePubrec answers PUBREC with PUBREL for the same packet identifier.
func (c *Client) handlePubrec(pkt *PubrecPacket) error {
	if _, ok := c.outbound.Pubrec(pkt.PacketID); !ok {
		c.logger.Debug("pubrec for unknown packet id", LogFields{LogFieldPacketID: pkt.PacketID})
	}

	return c.writePacket(&PubrelPacket{PacketID: pkt.PacketID})
}

// handlePubcomp completes an outbound QoS 2 flow.
func (c *Client) handlePubcomp(pkt *PubcompPacket) {
	if _, ok := c.outbound.Pubcomp(pkt.PacketID); !ok {
		c.logger.Debug("pubcomp for unknown packet id", LogFields{LogFieldPacketID: pkt.PacketID})
	}
}

// handleSuback logs the return code granted for each filter.
func (c *Client) handleSuback(pkt *SubackPacket) {
	for i, code := range pkt.ReturnCodes {
		fields := LogFields{
			LogFieldPacketID:   pkt.PacketID,
			LogFieldReturnCode: subackCodeString(code),
			"index":            i,
		}

		if code == SubackFailure {
			c.logger.Warn("subscription rejected", fields)
			continue
		}
		c.logger.Debug("subscription granted", fields)
	}
}
