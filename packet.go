package mqttv3

import (
	"io"
	"sync"
)

// QoS levels.
const (
	QoS0 byte = 0
	QoS1 byte = 1
	QoS2 byte = 2
)

// Packet is the interface that all MQTT control packets implement.
// MQTT 3.1.1 spec: Section 2
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the complete packet, fixed header included, to the writer.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet from the reader.
	// The fixed header should already be decoded.
	// Returns the number of bytes read.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that have a packet identifier.
// MQTT 3.1.1 spec: Section 2.3.1
type PacketWithID interface {
	Packet

	// GetPacketID returns the packet identifier.
	GetPacketID() uint16

	// SetPacketID sets the packet identifier.
	SetPacketID(id uint16)
}

// encodeFrame writes the fixed header followed by body to w in a single call.
func encodeFrame(w io.Writer, packetType PacketType, flags byte, body []byte) (int, error) {
	length, err := encodeRemainingLength(uint32(len(body)))
	if err != nil {
		return 0, err
	}

	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	buf.WriteByte(encodeFixedHeader(packetType, flags))
	buf.Write(length)
	buf.Write(body)

	return w.Write(buf.Bytes())
}

// MessageHandler handles incoming MQTT messages.
// It runs synchronously on the goroutine that dispatches the packet.
type MessageHandler func(msg *Message)

// Message represents an MQTT application message.
//
// Received messages carry an acknowledgement action which runs exactly once:
// either when the handler calls Confirm, or automatically after the handler
// returns.
type Message struct {
	// Topic is the topic name to publish to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// DUP is set on received messages the broker is redelivering.
	DUP bool

	// PacketID is the packet identifier of a received QoS 1 or 2 message.
	PacketID uint16

	confirmOnce sync.Once
	confirmFn   func() error
	confirmErr  error
	confirmed   bool
}

// Confirm sends the acknowledgement for a received message: nothing for
// QoS 0, PUBACK for QoS 1 and PUBREC for QoS 2. Only the first call has an
// effect; later calls return the first call's result.
func (m *Message) Confirm() error {
	m.confirmOnce.Do(func() {
		if m.confirmFn != nil {
			m.confirmErr = m.confirmFn()
		}
		m.confirmed = true
	})

	return m.confirmErr
}

// IsConfirmed reports whether the acknowledgement action has run.
func (m *Message) IsConfirmed() bool {
	return m.confirmed
}

// Clone creates a copy of the message without its acknowledgement state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := &Message{
		Topic:    m.Topic,
		QoS:      m.QoS,
		Retain:   m.Retain,
		DUP:      m.DUP,
		PacketID: m.PacketID,
	}

	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	return clone
}
