package mqttv3

import (
	"bytes"
	"errors"
	"io"
)

// SUBSCRIBE packet errors.
var (
	ErrInvalidPacketID    = errors.New("invalid packet identifier")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrNoTopicFilters     = errors.New("at least one topic filter is required")
	ErrMalformedSubscribe = errors.New("malformed subscribe payload")
)

// TopicFilter is a topic filter with its requested QoS, as carried on the wire.
type TopicFilter struct {
	Filter string
	QoS    byte
}

// SubscribePacket represents an MQTT SUBSCRIBE packet.
// MQTT 3.1.1 spec: Section 3.8
type SubscribePacket struct {
	PacketID uint16
	Filters  []TopicFilter
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *SubscribePacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubscribePacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	buf.Write(encodeUint16(p.PacketID))

	for _, f := range p.Filters {
		buf.Write(encodeString(f.Filter))
		buf.WriteByte(f.QoS)
	}

	return encodeFrame(w, PacketSUBSCRIBE, flagsSUBSCRIBE, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}

	id, n, err := readUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	p.Filters = nil
	for n < int(header.RemainingLength) {
		filter, n2, err := decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}

		var qos [1]byte
		n2, err = io.ReadFull(r, qos[:])
		n += n2
		if err != nil {
			return n, err
		}

		p.Filters = append(p.Filters, TopicFilter{Filter: filter, QoS: qos[0]})
	}

	if n != int(header.RemainingLength) {
		return n, ErrMalformedSubscribe
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}

	if len(p.Filters) == 0 {
		return ErrNoTopicFilters
	}

	for _, f := range p.Filters {
		if f.QoS > QoS2 {
			return ErrInvalidQoS
		}
		if len(f.Filter) > maxUint16 {
			return ErrStringTooLong
		}
	}

	return nil
}

// SubackPacket represents an MQTT SUBACK packet.
// MQTT 3.1.1 spec: Section 3.9
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubackPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := make([]byte, 0, uint16FieldSize+len(p.ReturnCodes))
	body = append(body, encodeUint16(p.PacketID)...)
	body = append(body, p.ReturnCodes...)

	return encodeFrame(w, PacketSUBACK, 0, body)
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}

	if header.RemainingLength < uint16FieldSize {
		return 0, ErrMalformedPacket
	}

	id, n, err := readUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	p.ReturnCodes = make([]byte, header.RemainingLength-uint16FieldSize)
	n2, err := io.ReadFull(r, p.ReturnCodes)
	return n + n2, err
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}

	for _, code := range p.ReturnCodes {
		if code > SubackGrantedQoS2 && code != SubackFailure {
			return ErrProtocolViolation
		}
	}

	return nil
}
