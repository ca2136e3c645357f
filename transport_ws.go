package mqttv3

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
const WebSocketSubprotocol = "mqtt"

// WSConn presents a WebSocket connection as a byte stream. Each Write is sent
// as one binary message; reads drain binary messages in order.
//
// gorilla/websocket treats a read timeout as fatal for the connection, while
// the client polls with short read deadlines. Messages are therefore read by
// a pump goroutine and read deadlines are enforced here, never on the socket.
type WSConn struct {
	conn    *websocket.Conn
	buf     []byte
	readPos int
	readErr error

	frames    chan wsFrame
	done      chan struct{}
	closeOnce sync.Once

	deadlineMu   sync.Mutex
	readDeadline time.Time
}

type wsFrame struct {
	data []byte
	err  error
}

// newWSConn creates a new WebSocket connection wrapper.
func newWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		conn:   conn,
		frames: make(chan wsFrame),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump forwards inbound messages until the first read error.
func (c *WSConn) pump() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		// MQTT over WebSocket uses binary messages
		if err == nil && messageType != websocket.BinaryMessage {
			err = ErrProtocolError
		}

		select {
		case c.frames <- wsFrame{data: data, err: err}:
		case <-c.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// Read reads data from the connection.
func (c *WSConn) Read(p []byte) (int, error) {
	if c.readPos < len(c.buf) {
		n := copy(p, c.buf[c.readPos:])
		c.readPos += n
		return n, nil
	}

	if c.readErr != nil {
		return 0, c.readErr
	}

	var timeout <-chan time.Time
	if deadline := c.getReadDeadline(); !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case frame := <-c.frames:
		if frame.err != nil {
			c.readErr = frame.err
			return 0, frame.err
		}
		c.buf = frame.data
		n := copy(p, c.buf)
		c.readPos = n
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-c.done:
		return 0, net.ErrClosed
	}
}

// Write writes data to the connection as a binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame when possible and closes the connection.
func (c *WSConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()

	c.readDeadline = t
	return nil
}

func (c *WSConn) getReadDeadline() time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()

	return c.readDeadline
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSDialer connects to MQTT brokers over WebSocket.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header
}

// NewWSDialer creates a new WebSocket dialer with MQTT subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: DefaultConnectTimeout,
		},
	}
}

// SetProxyFromEnvironment makes the handshake honour HTTP_PROXY and friends.
func (d *WSDialer) SetProxyFromEnvironment() {
	if d.Dialer == nil {
		d.Dialer = &websocket.Dialer{Subprotocols: []string{WebSocketSubprotocol}}
	}
	d.Dialer.Proxy = http.ProxyFromEnvironment
}

// Dial connects to the WebSocket URL (ws:// or wss://).
func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, resp, err := dialer.DialContext(ctx, address, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return newWSConn(conn), nil
}
