package mqttv3

import "io"

// PingreqPacket is the keep-alive request sent by the client.
type PingreqPacket struct{}

// PingrespPacket is the broker's answer to PINGREQ.
type PingrespPacket struct{}

// DisconnectPacket ends the session cleanly; the broker discards the Will.
type DisconnectPacket struct{}

func (p *PingreqPacket) Type() PacketType                   { return PacketPINGREQ }
func (p *PingreqPacket) Validate() error                    { return nil }
func (p *PingreqPacket) Encode(w io.Writer) (int, error)    { return encodeEmpty(w, PacketPINGREQ) }
func (p *PingrespPacket) Type() PacketType                  { return PacketPINGRESP }
func (p *PingrespPacket) Validate() error                   { return nil }
func (p *PingrespPacket) Encode(w io.Writer) (int, error)   { return encodeEmpty(w, PacketPINGRESP) }
func (p *DisconnectPacket) Type() PacketType                { return PacketDISCONNECT }
func (p *DisconnectPacket) Validate() error                 { return nil }
func (p *DisconnectPacket) Encode(w io.Writer) (int, error) { return encodeEmpty(w, PacketDISCONNECT) }

func (p *PingreqPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, checkEmpty(header, PacketPINGREQ)
}

func (p *PingrespPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, checkEmpty(header, PacketPINGRESP)
}

func (p *DisconnectPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, checkEmpty(header, PacketDISCONNECT)
}

// encodeEmpty writes a packet that is nothing but a two-byte fixed header.
func encodeEmpty(w io.Writer, packetType PacketType) (int, error) {
	return w.Write([]byte{encodeFixedHeader(packetType, 0), 0x00})
}

func checkEmpty(header FixedHeader, packetType PacketType) error {
	if header.PacketType != packetType {
		return ErrInvalidPacketType
	}
	if header.RemainingLength != 0 {
		return ErrMalformedPacket
	}
	return nil
}
