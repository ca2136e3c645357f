package mqttv3

import (
	"bytes"
	"errors"
	"io"
)

var (
	ErrPacketTooLarge    = errors.New("mqttv3: packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("mqttv3: unknown packet type")
)

// packetFactories builds the empty packet a frame of each type decodes into.
var packetFactories = [...]func() Packet{
	PacketCONNECT:     func() Packet { return new(ConnectPacket) },
	PacketCONNACK:     func() Packet { return new(ConnackPacket) },
	PacketPUBLISH:     func() Packet { return new(PublishPacket) },
	PacketPUBACK:      func() Packet { return new(PubackPacket) },
	PacketPUBREC:      func() Packet { return new(PubrecPacket) },
	PacketPUBREL:      func() Packet { return new(PubrelPacket) },
	PacketPUBCOMP:     func() Packet { return new(PubcompPacket) },
	PacketSUBSCRIBE:   func() Packet { return new(SubscribePacket) },
	PacketSUBACK:      func() Packet { return new(SubackPacket) },
	PacketUNSUBSCRIBE: func() Packet { return new(UnsubscribePacket) },
	PacketUNSUBACK:    func() Packet { return new(UnsubackPacket) },
	PacketPINGREQ:     func() Packet { return new(PingreqPacket) },
	PacketPINGRESP:    func() Packet { return new(PingrespPacket) },
	PacketDISCONNECT:  func() Packet { return new(DisconnectPacket) },
}

func newPacket(t PacketType) (Packet, error) {
	if !t.Valid() {
		return nil, ErrUnknownPacketType
	}
	return packetFactories[t](), nil
}

// ReadPacket reads one whole frame and decodes it. A non-zero maxSize rejects
// remaining lengths above it with ErrPacketTooLarge before the body is read.
//
// The client's dispatcher does not use ReadPacket: it reads field by field
// through the connection so it can react to each command byte. ReadPacket is
// for peers that want whole frames, such as test brokers and tooling.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	if err := header.ValidateFlags(); err != nil {
		return nil, n, err
	}

	remaining := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, remaining)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, n, err
	}

	if _, err := packet.Decode(bytes.NewReader(remaining), header); err != nil {
		return nil, n, err
	}

	return packet, n, nil
}

// WritePacket validates and writes packet in one Write call. A non-zero
// maxSize bounds the encoded frame, fixed header included.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	if err := packet.Validate(); err != nil {
		return 0, err
	}

	if maxSize > 0 {
		buf := getBytesBuffer()
		defer putBytesBuffer(buf)

		n, err := packet.Encode(buf)
		if err != nil {
			return 0, err
		}
		if uint32(n) > maxSize {
			return 0, ErrPacketTooLarge
		}
		return w.Write(buf.Bytes())
	}

	return packet.Encode(w)
}

// encodePacket returns the complete wire encoding of packet.
func encodePacket(packet Packet) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := packet.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
