package mqttv3

import (
	"errors"
	"io"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT 3.1.1 control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
}

// String returns the packet type name, or UNKNOWN for 0 and 15.
func (p PacketType) String() string {
	if !p.Valid() {
		return "UNKNOWN"
	}
	return packetTypeNames[p]
}

// Valid returns true if the packet type is valid.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketDISCONNECT
}

// Fixed header errors.
var (
	ErrInvalidPacketType  = errors.New("invalid packet type")
	ErrInvalidPacketFlags = errors.New("invalid packet flags")
)

// Fixed header flags for packets with reserved flag bits set.
const (
	flagsPUBREL      byte = 0x02
	flagsSUBSCRIBE   byte = 0x02
	flagsUNSUBSCRIBE byte = 0x02
)

// requiredFlags holds the only flag nibble every packet but PUBLISH may carry.
var requiredFlags = [...]byte{
	PacketPUBREL:      flagsPUBREL,
	PacketSUBSCRIBE:   flagsSUBSCRIBE,
	PacketUNSUBSCRIBE: flagsUNSUBSCRIBE,
	PacketDISCONNECT:  0x00,
}

// FixedHeader represents the fixed header of an MQTT control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// Command returns the first byte of the fixed header.
func (h *FixedHeader) Command() byte {
	return encodeFixedHeader(h.PacketType, h.Flags)
}

// Encode writes the fixed header to the writer.
// Returns the number of bytes written.
func (h *FixedHeader) Encode(w io.Writer) (int, error) {
	if !h.PacketType.Valid() {
		return 0, ErrInvalidPacketType
	}

	length, err := encodeRemainingLength(h.RemainingLength)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 0, 1+len(length))
	buf = append(buf, h.Command())
	buf = append(buf, length...)

	return w.Write(buf)
}

// Decode reads the fixed header from the reader.
// Returns the number of bytes read.
func (h *FixedHeader) Decode(r io.Reader) (int, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	h.PacketType = PacketType(buf[0] >> 4)
	h.Flags = buf[0] & 0x0F

	if !h.PacketType.Valid() {
		return n, ErrInvalidPacketType
	}

	length, n2, err := decodeRemainingLength(r)
	n += n2
	if err != nil {
		return n, err
	}

	h.RemainingLength = length
	return n, nil
}

// Size returns the encoded size of the fixed header in bytes.
func (h *FixedHeader) Size() int {
	return 1 + remainingLengthSize(h.RemainingLength)
}

// ValidateFlags checks the flag nibble: PUBLISH may carry any DUP and RETAIN
// with QoS 0-2, every other packet exactly its required value.
func (h *FixedHeader) ValidateFlags() error {
	switch {
	case !h.PacketType.Valid():
		return ErrInvalidPacketType
	case h.PacketType == PacketPUBLISH:
		if h.QoS() > QoS2 {
			return ErrInvalidPacketFlags
		}
	case h.Flags != requiredFlags[h.PacketType]:
		return ErrInvalidPacketFlags
	}

	return nil
}

// PUBLISH flag accessors

// DUP returns the DUP flag from PUBLISH packet flags.
func (h *FixedHeader) DUP() bool {
	return h.Flags&0x08 != 0
}

// QoS returns the QoS level from PUBLISH packet flags.
func (h *FixedHeader) QoS() byte {
	return (h.Flags >> 1) & 0x03
}

// Retain returns the RETAIN flag from PUBLISH packet flags.
func (h *FixedHeader) Retain() bool {
	return h.Flags&0x01 != 0
}

// publishFlags assembles the PUBLISH flag nibble: DUP, QoS (2 bits), RETAIN.
func publishFlags(dup bool, qos byte, retain bool) byte {
	// Input is always four '0'/'1' characters.
	b, _ := bitsToByte(bit(dup) + qosBits(qos) + bit(retain))
	return b
}
