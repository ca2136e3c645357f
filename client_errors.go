package mqttv3

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// EventHandler receives client lifecycle events. Events are errors so they
// can be matched with errors.Is and errors.As.
type EventHandler func(client *Client, event error)

// Sentinel events for client lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted when the client successfully connects.
	ErrConnected = errors.New("connected")

	// ErrDisconnected is emitted when the client disconnects gracefully.
	ErrDisconnected = errors.New("disconnected")

	// ErrConnectionLost is returned when the broker closes the stream.
	// The client never reconnects on its own; the next operation dials again.
	ErrConnectionLost = errors.New("connection lost")
)

// Sentinel errors for connection setup - check with errors.Is().
var (
	// ErrConnectionRefused is returned when the broker rejects CONNECT.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrAuthFailed is returned when the broker rejects the credentials
	// or the client is not authorized to connect.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInvalidConfig is returned for configuration the client cannot use,
	// including malformed subscription entries. Nothing is sent in that case.
	ErrInvalidConfig = errors.New("invalid config")
)

// Sentinel errors for protocol issues - check with errors.Is().
var (
	// ErrProtocolError is returned when the broker violates the protocol.
	ErrProtocolError = errors.New("protocol error")

	// ErrMalformedPacket is returned when a packet is truncated or its
	// lengths are inconsistent.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrShortWrite is returned when the stream accepts fewer bytes than a frame holds.
	ErrShortWrite = errors.New("short write")
)

// Sentinel errors for operations - check with errors.Is().
var (
	// ErrClientClosed is returned when an operation is attempted on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNotConnected is returned when an operation requires an active connection.
	ErrNotConnected = errors.New("not connected")
)

// ConnectedEvent contains details about a successful connection.
// Extract with errors.As().
type ConnectedEvent struct {
	err            error
	SessionPresent bool
	Resumed        bool
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(sessionPresent, resumed bool) *ConnectedEvent {
	return &ConnectedEvent{
		err:            ErrConnected,
		SessionPresent: sessionPresent,
		Resumed:        resumed,
	}
}

// ConnectionRefusedError is returned when CONNACK carries a non-zero return code.
// Extract with errors.As().
type ConnectionRefusedError struct {
	err    error
	Code   ReturnCode
	Reason string
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("connection refused: %s (code %d)", e.Reason, byte(e.Code))
}

func (e *ConnectionRefusedError) Unwrap() []error {
	if e.err == nil {
		return []error{ErrConnectionRefused}
	}
	return []error{ErrConnectionRefused, e.err}
}

// NewConnectionRefusedError creates a new ConnectionRefusedError from a return code.
func NewConnectionRefusedError(code ReturnCode) *ConnectionRefusedError {
	var baseErr error
	if code == ReturnBadUsernameOrPassword || code == ReturnNotAuthorized {
		baseErr = ErrAuthFailed
	}
	return &ConnectionRefusedError{
		err:    baseErr,
		Code:   code,
		Reason: code.String(),
	}
}

// ShortWriteError contains details about a write that did not consume the
// whole frame. Extract with errors.As().
type ShortWriteError struct {
	Expected int
	Actual   int
	Buffer   []byte
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("short write: wrote %d of %d bytes (buffer %s)", e.Actual, e.Expected, hex.EncodeToString(e.Buffer))
}

func (e *ShortWriteError) Unwrap() error { return ErrShortWrite }

// NewShortWriteError creates a new ShortWriteError.
func NewShortWriteError(expected, actual int, buf []byte) *ShortWriteError {
	return &ShortWriteError{
		Expected: expected,
		Actual:   actual,
		Buffer:   buf,
	}
}

// UnrecognizedCommandError is returned when the dispatcher reads a fixed
// header byte it does not handle. Extract with errors.As().
type UnrecognizedCommandError struct {
	Command byte
}

func (e *UnrecognizedCommandError) Error() string {
	return fmt.Sprintf("unrecognized command: 0x%02x", e.Command)
}

func (e *UnrecognizedCommandError) Unwrap() error { return ErrProtocolError }

// NewUnrecognizedCommandError creates a new UnrecognizedCommandError.
func NewUnrecognizedCommandError(command byte) *UnrecognizedCommandError {
	return &UnrecognizedCommandError{Command: command}
}

// DisconnectError reports the end of a session. Extract with errors.As().
type DisconnectError struct {
	err   error
	Cause error
}

func (e *DisconnectError) Error() string {
	if e.Cause != nil {
		return e.err.Error() + ": " + e.Cause.Error()
	}
	return e.err.Error()
}

func (e *DisconnectError) Unwrap() error { return e.err }

// NewDisconnectError creates a new DisconnectError. A nil cause means the
// client disconnected on request; otherwise the connection was lost.
func NewDisconnectError(cause error) *DisconnectError {
	baseErr := ErrDisconnected
	if cause != nil {
		baseErr = ErrConnectionLost
	}
	return &DisconnectError{
		err:   baseErr,
		Cause: cause,
	}
}
