package mqttv3

import (
	"encoding/binary"
	"errors"
	"io"
)

// Encoding errors.
var (
	ErrStringTooLong            = errors.New("string exceeds maximum length of 65535 bytes")
	ErrRemainingLengthTooLarge  = errors.New("remaining length exceeds maximum value")
	ErrMalformedRemainingLength = errors.New("malformed remaining length")
	ErrInvalidBitString         = errors.New("invalid bit string")
)

const (
	maxUint16             = 65535
	maxRemainingLength    = 268435455 // 0x0FFFFFFF
	remainingLengthBytes  = 4
	varintContinueBit     = 0x80
	varintValueMask       = 0x7F
	maxBitStringLength    = 8
	uint16FieldSize       = 2
	stringLengthFieldSize = 2
)

// encodeRemainingLength encodes n with the MQTT variable length scheme:
// 7 data bits per byte, continuation bit set on all but the last byte.
func encodeRemainingLength(n uint32) ([]byte, error) {
	if n > maxRemainingLength {
		return nil, ErrRemainingLengthTooLarge
	}

	buf := make([]byte, 0, remainingLengthBytes)

	for {
		digit := byte(n & varintValueMask)
		n >>= 7

		if n > 0 {
			digit |= varintContinueBit
		}

		buf = append(buf, digit)

		if n == 0 {
			return buf, nil
		}
	}
}

// decodeRemainingLength reads a remaining length from r one byte at a time.
// Every byte is a separate blocking read, so a peer that stalls mid-field
// stalls the caller.
// Returns the value, number of bytes read, and any error.
func decodeRemainingLength(r io.Reader) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1
	var buf [1]byte
	bytesRead := 0

	for {
		if bytesRead == remainingLengthBytes {
			return 0, bytesRead, ErrMalformedRemainingLength
		}

		n, err := io.ReadFull(r, buf[:])
		bytesRead += n
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, bytesRead, ErrMalformedRemainingLength
			}
			return 0, bytesRead, err
		}

		value += uint32(buf[0]&varintValueMask) * multiplier

		if buf[0]&varintContinueBit == 0 {
			return value, bytesRead, nil
		}

		multiplier *= 128
	}
}

// remainingLengthSize returns the number of bytes needed to encode n.
func remainingLengthSize(n uint32) int {
	switch {
	case n < 128:
		return 1
	case n < 16384:
		return 2
	case n < 2097152:
		return 3
	default:
		return 4
	}
}

// encodeUint16 returns v as two bytes, most significant first.
func encodeUint16(v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return buf[:]
}

// decodeUint16 decodes a big-endian 16-bit value. b must hold at least 2 bytes.
func decodeUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// readUint16 reads a big-endian 16-bit value from r.
func readUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return decodeUint16(buf[:]), n, nil
}

// encodeString returns s prefixed with its 2-byte length.
// No terminator is appended and the bytes are not checked for valid UTF-8.
// Strings longer than 65535 bytes are truncated to fit the length field;
// callers validate length first when it matters.
func encodeString(s string) []byte {
	if len(s) > maxUint16 {
		s = s[:maxUint16]
	}

	buf := make([]byte, stringLengthFieldSize+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[stringLengthFieldSize:], s)

	return buf
}

// decodeString reads a 2-byte length prefixed string from r.
func decodeString(r io.Reader) (string, int, error) {
	length, n, err := readUint16(r)
	if err != nil {
		return "", n, err
	}

	if length == 0 {
		return "", n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return "", n, err
	}

	return string(buf), n, nil
}

// decodeBinary reads 2-byte length prefixed binary data from r.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	length, n, err := readUint16(r)
	if err != nil {
		return nil, n, err
	}

	if length == 0 {
		return nil, n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return nil, n, err
	}

	return buf, n, nil
}

// encodeFixedHeader packs a 4-bit packet type and 4-bit flags into the
// first byte of a control packet.
func encodeFixedHeader(packetType PacketType, flags byte) byte {
	return byte(packetType)<<4 | (flags & 0x0F)
}

// bitsToByte converts a string of '0' and '1' characters, most significant
// bit first, into a byte. Used to assemble CONNECT and PUBLISH flag fields
// one named bit at a time.
func bitsToByte(bits string) (byte, error) {
	if len(bits) > maxBitStringLength {
		return 0, ErrInvalidBitString
	}

	var b byte
	for i := range len(bits) {
		b <<= 1
		switch bits[i] {
		case '1':
			b |= 1
		case '0':
		default:
			return 0, ErrInvalidBitString
		}
	}

	return b, nil
}

// bit returns "1" for true and "0" for false.
func bit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// qosBits returns the two QoS bits as a bit string.
func qosBits(qos byte) string {
	return bit(qos&0x02 != 0) + bit(qos&0x01 != 0)
}
