package mqttv3

import (
	"errors"
	"io"
)

// PUBLISH packet errors.
var (
	ErrInvalidQoS       = errors.New("invalid QoS level")
	ErrPacketIDRequired = errors.New("packet identifier required for QoS > 0")
)

// PublishPacket carries an application message in either direction.
// The packet identifier is only on the wire for QoS 1 and 2.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16
}

func (p *PublishPacket) Type() PacketType      { return PacketPUBLISH }
func (p *PublishPacket) GetPacketID() uint16   { return p.PacketID }
func (p *PublishPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the whole frame, fixed header included.
func (p *PublishPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	body.Write(encodeString(p.Topic))
	if p.QoS != QoS0 {
		body.Write(encodeUint16(p.PacketID))
	}
	body.Write(p.Payload)

	return encodeFrame(w, PacketPUBLISH, publishFlags(p.DUP, p.QoS, p.Retain), body.Bytes())
}

// Decode reads the variable header and payload. Whatever the remaining
// length leaves after the topic and packet identifier is payload.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.DUP, p.QoS, p.Retain = header.DUP(), header.QoS(), header.Retain()
	if p.QoS > QoS2 {
		return 0, ErrInvalidQoS
	}

	topic, read, err := decodeString(r)
	if err != nil {
		return read, err
	}
	p.Topic = topic

	if p.QoS != QoS0 {
		id, n, err := readUint16(r)
		read += n
		if err != nil {
			return read, err
		}
		p.PacketID = id
	}

	rest := int(header.RemainingLength) - read
	switch {
	case rest < 0:
		return read, ErrMalformedPacket
	case rest == 0:
		p.Payload = nil
		return read, nil
	}

	p.Payload = make([]byte, rest)
	n, err := io.ReadFull(r, p.Payload)
	return read + n, err
}

// Validate checks the invariants the broker would reject the packet for.
func (p *PublishPacket) Validate() error {
	switch {
	case p.QoS > QoS2:
		return ErrInvalidQoS
	case p.QoS == QoS0 && p.DUP:
		return ErrInvalidPacketFlags
	case p.QoS != QoS0 && p.PacketID == 0:
		return ErrPacketIDRequired
	case len(p.Topic) > maxUint16:
		return ErrStringTooLong
	}
	return nil
}

// ToMessage builds the Message handed to subscription handlers.
func (p *PublishPacket) ToMessage() *Message {
	return &Message{
		Topic:    p.Topic,
		Payload:  p.Payload,
		QoS:      p.QoS,
		Retain:   p.Retain,
		DUP:      p.DUP,
		PacketID: p.PacketID,
	}
}

// FromMessage copies the outgoing fields of m. DUP and the packet identifier
// are owned by the session, not the caller.
func (p *PublishPacket) FromMessage(m *Message) {
	p.Topic, p.Payload, p.QoS, p.Retain = m.Topic, m.Payload, m.QoS, m.Retain
}
