package mqttv3

import (
	"errors"
	"io"
)

// connackRemainingLength is the fixed remaining length of a CONNACK.
const connackRemainingLength = 2

// ErrInvalidConnackFlags is returned when reserved CONNACK flag bits are set.
var ErrInvalidConnackFlags = errors.New("invalid connack flags")

// ConnackPacket represents an MQTT CONNACK packet.
// MQTT 3.1.1 spec: Section 3.2
type ConnackPacket struct {
	// SessionPresent indicates the broker resumed a stored session.
	SessionPresent bool

	// ReturnCode is the connection return code.
	ReturnCode ReturnCode
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType {
	return PacketCONNACK
}

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}

	return encodeFrame(w, PacketCONNACK, 0, []byte{flags, byte(p.ReturnCode)})
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}

	var buf [connackRemainingLength]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	if buf[0]&0xFE != 0 {
		return n, ErrInvalidConnackFlags
	}

	p.SessionPresent = buf[0]&0x01 != 0
	p.ReturnCode = ReturnCode(buf[1])

	return n, nil
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	return nil
}
