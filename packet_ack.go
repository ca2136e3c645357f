package mqttv3

import (
	"errors"
	"io"
)

// ErrInvalidAckLength is returned when an acknowledgement is not exactly 2 bytes long.
var ErrInvalidAckLength = errors.New("acknowledgement remaining length must be 2")

// PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK carry nothing but a packet
// identifier and share one wire layout.

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct{ PacketID uint16 }

// PubrecPacket is the first reply to a QoS 2 PUBLISH.
type PubrecPacket struct{ PacketID uint16 }

// PubrelPacket releases a QoS 2 message after PUBREC.
type PubrelPacket struct{ PacketID uint16 }

// PubcompPacket completes the QoS 2 handshake.
type PubcompPacket struct{ PacketID uint16 }

func (p *PubackPacket) Type() PacketType      { return PacketPUBACK }
func (p *PubackPacket) GetPacketID() uint16   { return p.PacketID }
func (p *PubackPacket) SetPacketID(id uint16) { p.PacketID = id }
func (p *PubackPacket) Validate() error       { return requireAckID(p.PacketID, ErrPacketIDRequired) }

func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBACK, p.PacketID, ErrPacketIDRequired)
}

func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBACK, &p.PacketID)
}

func (p *PubrecPacket) Type() PacketType      { return PacketPUBREC }
func (p *PubrecPacket) GetPacketID() uint16   { return p.PacketID }
func (p *PubrecPacket) SetPacketID(id uint16) { p.PacketID = id }
func (p *PubrecPacket) Validate() error       { return requireAckID(p.PacketID, ErrPacketIDRequired) }

func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREC, p.PacketID, ErrPacketIDRequired)
}

func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBREC, &p.PacketID)
}

func (p *PubrelPacket) Type() PacketType      { return PacketPUBREL }
func (p *PubrelPacket) GetPacketID() uint16   { return p.PacketID }
func (p *PubrelPacket) SetPacketID(id uint16) { p.PacketID = id }
func (p *PubrelPacket) Validate() error       { return requireAckID(p.PacketID, ErrPacketIDRequired) }

func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREL, p.PacketID, ErrPacketIDRequired)
}

func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBREL, &p.PacketID)
}

func (p *PubcompPacket) Type() PacketType      { return PacketPUBCOMP }
func (p *PubcompPacket) GetPacketID() uint16   { return p.PacketID }
func (p *PubcompPacket) SetPacketID(id uint16) { p.PacketID = id }
func (p *PubcompPacket) Validate() error       { return requireAckID(p.PacketID, ErrPacketIDRequired) }

func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBCOMP, p.PacketID, ErrPacketIDRequired)
}

func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBCOMP, &p.PacketID)
}

func requireAckID(id uint16, missing error) error {
	if id == 0 {
		return missing
	}
	return nil
}

// encodeAck writes the 4-byte frame. The flag nibble comes from requiredFlags,
// so PUBREL goes out with 0x62.
func encodeAck(w io.Writer, packetType PacketType, id uint16, missing error) (int, error) {
	if err := requireAckID(id, missing); err != nil {
		return 0, err
	}
	return w.Write([]byte{encodeFixedHeader(packetType, requiredFlags[packetType]), 2, byte(id >> 8), byte(id)})
}

func decodeAck(r io.Reader, header FixedHeader, packetType PacketType, id *uint16) (int, error) {
	switch {
	case header.PacketType != packetType:
		return 0, ErrInvalidPacketType
	case header.RemainingLength != 2:
		return 0, ErrInvalidAckLength
	}

	v, n, err := readUint16(r)
	if err != nil {
		return n, err
	}
	*id = v
	return n, nil
}
