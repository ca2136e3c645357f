package mqttv3

import (
	"bytes"
	"errors"
	"io"
)

// Protocol levels.
const (
	// ProtocolMQTT31 is MQTT 3.1, protocol name "MQIsdp".
	ProtocolMQTT31 byte = 3
	// ProtocolMQTT311 is MQTT 3.1.1, protocol name "MQTT".
	ProtocolMQTT311 byte = 4
)

// protocolNames maps protocol levels to their protocol name strings.
var protocolNames = map[byte]string{
	ProtocolMQTT31:  "MQIsdp",
	ProtocolMQTT311: "MQTT",
}

// ProtocolName returns the protocol name for a protocol level,
// or an empty string for unsupported levels.
func ProtocolName(level byte) string {
	return protocolNames[level]
}

// CONNECT packet errors.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
)

// ConnectPacket represents an MQTT CONNECT packet.
// MQTT 3.1.1 spec: Section 3.1
type ConnectPacket struct {
	// ProtocolLevel selects the protocol name: 3 ("MQIsdp") or 4 ("MQTT").
	ProtocolLevel byte

	// ClientID is the client identifier.
	ClientID string

	// CleanSession asks the broker to discard any previous session state.
	CleanSession bool

	// KeepAlive is the keep alive interval in seconds.
	KeepAlive uint16

	// Username for authentication.
	Username string

	// Password for authentication.
	Password []byte

	// Will message configuration.
	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType {
	return PacketCONNECT
}

// connectFlags assembles the connect flags byte from its individual bits:
// user name, password, will retain, will QoS (2 bits), will flag,
// clean session, reserved.
func (p *ConnectPacket) connectFlags() byte {
	willQoS := byte(0)
	if p.WillFlag {
		willQoS = p.WillQoS
	}

	bits := bit(p.Username != "") +
		bit(len(p.Password) > 0) +
		bit(p.WillFlag && p.WillRetain) +
		qosBits(willQoS) +
		bit(p.WillFlag) +
		bit(p.CleanSession) +
		"0"

	// Input is always eight '0'/'1' characters.
	flags, _ := bitsToByte(bits)
	return flags
}

// setConnectFlags parses the connect flags byte.
func (p *ConnectPacket) setConnectFlags(flags byte) (hasUsername, hasPassword bool, err error) {
	if flags&0x01 != 0 {
		return false, false, ErrInvalidConnectFlags
	}

	p.CleanSession = flags&0x02 != 0
	p.WillFlag = flags&0x04 != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&0x20 != 0
	hasPassword = flags&0x40 != 0
	hasUsername = flags&0x80 != 0

	if !p.WillFlag && (p.WillQoS != 0 || p.WillRetain) {
		return false, false, ErrInvalidConnectFlags
	}

	if p.WillQoS > QoS2 {
		return false, false, ErrInvalidConnectFlags
	}

	return hasUsername, hasPassword, nil
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	// Variable header: protocol name, level, flags, keep alive
	buf.Write(encodeString(ProtocolName(p.ProtocolLevel)))
	buf.WriteByte(p.ProtocolLevel)
	buf.WriteByte(p.connectFlags())
	buf.Write(encodeUint16(p.KeepAlive))

	// Payload
	buf.Write(encodeString(p.ClientID))

	if p.WillFlag {
		buf.Write(encodeString(p.WillTopic))
		buf.Write(encodeUint16(uint16(len(p.WillPayload))))
		buf.Write(p.WillPayload)
	}

	if p.Username != "" {
		buf.Write(encodeString(p.Username))
	}

	if len(p.Password) > 0 {
		buf.Write(encodeUint16(uint16(len(p.Password))))
		buf.Write(p.Password)
	}

	return encodeFrame(w, PacketCONNECT, 0, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	name, n, err := decodeString(r)
	if err != nil {
		return n, err
	}

	var buf [4]byte
	n2, err := io.ReadFull(r, buf[:])
	n += n2
	if err != nil {
		return n, err
	}

	p.ProtocolLevel = buf[0]
	expected, ok := protocolNames[p.ProtocolLevel]
	if !ok {
		return n, ErrInvalidProtocolVersion
	}
	if name != expected {
		return n, ErrInvalidProtocolName
	}

	hasUsername, hasPassword, err := p.setConnectFlags(buf[1])
	if err != nil {
		return n, err
	}

	p.KeepAlive = decodeUint16(buf[2:4])

	p.ClientID, n2, err = decodeString(r)
	n += n2
	if err != nil {
		return n, err
	}

	if p.WillFlag {
		p.WillTopic, n2, err = decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}

		p.WillPayload, n2, err = decodeBinary(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	if hasUsername {
		p.Username, n2, err = decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	if hasPassword {
		p.Password, n2, err = decodeBinary(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if _, ok := protocolNames[p.ProtocolLevel]; !ok {
		return ErrInvalidProtocolVersion
	}

	if p.WillFlag && p.WillQoS > QoS2 {
		return ErrInvalidConnectFlags
	}

	if len(p.ClientID) > maxUint16 || len(p.Username) > maxUint16 ||
		len(p.Password) > maxUint16 || len(p.WillTopic) > maxUint16 || len(p.WillPayload) > maxUint16 {
		return ErrStringTooLong
	}

	return nil
}
