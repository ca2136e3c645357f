package mqttv3

import "fmt"

// ReturnCode represents an MQTT 3.1.1 CONNACK return code.
// MQTT 3.1.1 spec: Section 3.2.2.3
type ReturnCode byte

// CONNACK return codes.
const (
	// Connection accepted
	ReturnAccepted ReturnCode = 0x00
	// The Server does not support the level of the MQTT protocol requested by the Client
	ReturnUnacceptableProtocolVersion ReturnCode = 0x01
	// The Client identifier is correct UTF-8 but not allowed by the Server
	ReturnIdentifierRejected ReturnCode = 0x02
	// The Network Connection has been made but the MQTT service is unavailable
	ReturnServerUnavailable ReturnCode = 0x03
	// The data in the user name or password is malformed
	ReturnBadUsernameOrPassword ReturnCode = 0x04
	// The Client is not authorized to connect
	ReturnNotAuthorized ReturnCode = 0x05
)

// String returns the refusal reason for the return code.
func (c ReturnCode) String() string {
	switch c {
	case ReturnAccepted:
		return "accepted"
	case ReturnUnacceptableProtocolVersion:
		return "unacceptable protocol version"
	case ReturnIdentifierRejected:
		return "identifier rejected"
	case ReturnServerUnavailable:
		return "server unavailable"
	case ReturnBadUsernameOrPassword:
		return "bad user name or password"
	case ReturnNotAuthorized:
		return "not authorized"
	default:
		return "connect error"
	}
}

// IsAccepted returns true if the return code indicates an accepted connection.
func (c ReturnCode) IsAccepted() bool {
	return c == ReturnAccepted
}

// SUBACK return codes.
// MQTT 3.1.1 spec: Section 3.9.3
const (
	SubackGrantedQoS0 byte = 0x00
	SubackGrantedQoS1 byte = 0x01
	SubackGrantedQoS2 byte = 0x02
	SubackFailure     byte = 0x80
)

// subackCodeString returns a readable form of a SUBACK return code.
func subackCodeString(code byte) string {
	switch code {
	case SubackGrantedQoS0, SubackGrantedQoS1, SubackGrantedQoS2:
		return fmt.Sprintf("granted QoS %d", code)
	case SubackFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown (0x%02x)", code)
	}
}
