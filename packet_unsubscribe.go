package mqttv3

import (
	"bytes"
	"io"
)

// UnsubscribePacket represents an MQTT UNSUBSCRIBE packet.
// MQTT 3.1.1 spec: Section 3.10
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

// Type returns the packet type.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *UnsubscribePacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *UnsubscribePacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *UnsubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	buf.Write(encodeUint16(p.PacketID))

	for _, filter := range p.TopicFilters {
		buf.Write(encodeString(filter))
	}

	return encodeFrame(w, PacketUNSUBSCRIBE, flagsUNSUBSCRIBE, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}

	id, n, err := readUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	p.TopicFilters = nil
	for n < int(header.RemainingLength) {
		filter, n2, err := decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}
		p.TopicFilters = append(p.TopicFilters, filter)
	}

	if n != int(header.RemainingLength) {
		return n, ErrMalformedPacket
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}

	if len(p.TopicFilters) == 0 {
		return ErrNoTopicFilters
	}

	for _, filter := range p.TopicFilters {
		if len(filter) > maxUint16 {
			return ErrStringTooLong
		}
	}

	return nil
}

// UnsubackPacket confirms an UNSUBSCRIBE. It has no payload.
type UnsubackPacket struct{ PacketID uint16 }

func (p *UnsubackPacket) Type() PacketType      { return PacketUNSUBACK }
func (p *UnsubackPacket) GetPacketID() uint16   { return p.PacketID }
func (p *UnsubackPacket) SetPacketID(id uint16) { p.PacketID = id }
func (p *UnsubackPacket) Validate() error       { return requireAckID(p.PacketID, ErrInvalidPacketID) }

func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketUNSUBACK, p.PacketID, ErrInvalidPacketID)
}

func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketUNSUBACK, &p.PacketID)
}
