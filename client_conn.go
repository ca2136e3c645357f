package mqttv3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"
)

// connackLength is the size of a complete CONNACK frame.
const connackLength = 4

// Connect establishes the connection if no stream is live and replays the
// registered subscriptions. It returns true once the client is connected,
// including when a persistent stream was resumed without a handshake.
//
// A reply that is not a well-formed CONNACK fails with ErrProtocolError and
// a non-zero return code with *ConnectionRefusedError. The session present
// flag is reported through the OnEvent handler as a *ConnectedEvent.
//
// Calling Connect is optional: every operation connects on demand.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	if c.closed.Load() {
		return false, ErrClientClosed
	}

	return c.establish(ctx)
}

// establish connects when needed, then replays the subscription registry.
func (c *Client) establish(ctx context.Context) (bool, error) {
	c.connectMu.Lock()
	if c.currentConn() != nil {
		c.connectMu.Unlock()
		return true, nil
	}

	ok, err := c.connect(ctx)
	c.connectMu.Unlock()
	if err != nil {
		return false, err
	}

	if c.subscriptions.Len() > 0 {
		if err := c.replaySubscriptions(); err != nil {
			return false, err
		}
	}

	return ok, nil
}

// replaySubscriptions sends one SUBSCRIBE carrying every registered filter
// and processes one inbound packet.
func (c *Client) replaySubscriptions() error {
	subs := c.subscriptions.Snapshot()
	if len(subs) == 0 {
		return nil
	}

	c.logger.Debug("replaying subscriptions", LogFields{"filters": len(subs)})

	if err := c.sendSubscribe(subs); err != nil {
		return err
	}

	_, err := c.handleNext()
	return err
}

// autoConnect returns the live stream, connecting first if there is none.
func (c *Client) autoConnect() (Conn, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	if conn := c.currentConn(); conn != nil {
		return conn, nil
	}

	if _, err := c.establish(context.Background()); err != nil {
		return nil, err
	}

	conn := c.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	return conn, nil
}

// connect opens the stream and performs the CONNECT handshake.
func (c *Client) connect(ctx context.Context) (bool, error) {
	c.metrics.ConnectAttempted()

	if c.options.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.connectTimeout)
		defer cancel()
	}

	if !c.options.cleanSession {
		pooled, resumed := c.options.streamPool.take(c.streamKey())
		if pooled != nil {
			if resumed {
				c.setConn(pooled)
				c.metrics.Connected()
				c.logger.Info("resumed persistent stream", LogFields{
					LogFieldRemoteAddr: pooled.RemoteAddr().String(),
				})
				c.emit(NewConnectedEvent(false, true))
				return true, nil
			}
			pooled.Close()
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("dial failed", LogFields{LogFieldError: err.Error()})
		return false, fmt.Errorf("failed to connect to %s: %w", c.options.address, err)
	}

	if !c.options.cleanSession {
		conn = newPooledConn(conn)
	}

	sessionPresent, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		c.logger.Error("connect failed", LogFields{LogFieldError: err.Error()})
		return false, err
	}

	c.setConn(conn)
	c.keepAlive.Reset(time.Time{})
	c.metrics.Connected()
	c.logger.Info("connected", LogFields{
		LogFieldRemoteAddr: conn.RemoteAddr().String(),
		"session_present":  sessionPresent,
	})
	c.emit(NewConnectedEvent(sessionPresent, false))

	return true, nil
}

// handshake writes CONNECT and reads the 4 byte CONNACK.
// Returns the CONNACK session present flag.
func (c *Client) handshake(ctx context.Context, conn Conn) (bool, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	pkt := &ConnectPacket{
		ProtocolLevel: c.options.protocolLevel,
		ClientID:      c.options.clientID,
		CleanSession:  c.options.cleanSession,
		KeepAlive:     c.options.keepAlive,
		Username:      c.options.username,
		Password:      c.options.password,
	}

	if c.options.willTopic != "" {
		pkt.WillFlag = true
		pkt.WillTopic = c.options.willTopic
		pkt.WillPayload = c.options.willPayload
		pkt.WillQoS = c.options.willQoS
		pkt.WillRetain = c.options.willRetain
	}

	b, err := encodePacket(pkt)
	if err != nil {
		return false, fmt.Errorf("failed to encode CONNECT: %w", err)
	}

	n, err := conn.Write(b)
	c.metrics.BytesSent(n)
	if err != nil {
		return false, fmt.Errorf("failed to send CONNECT: %w", err)
	}
	if n != len(b) {
		return false, NewShortWriteError(len(b), n, b)
	}
	c.metrics.PacketSent(PacketCONNECT)

	var resp [connackLength]byte
	n, err = io.ReadFull(conn, resp[:])
	c.metrics.BytesReceived(n)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("failed to read CONNACK: %w", ctxErr)
		}
		return false, fmt.Errorf("%w: failed to read CONNACK: %w", ErrProtocolError, err)
	}

	if resp[0] != encodeFixedHeader(PacketCONNACK, 0) || resp[1] != connackRemainingLength {
		return false, fmt.Errorf("%w: unexpected CONNACK % x", ErrProtocolError, resp)
	}
	c.metrics.PacketReceived(PacketCONNACK)

	var connack ConnackPacket
	header := FixedHeader{PacketType: PacketCONNACK, RemainingLength: connackRemainingLength}
	if _, err := connack.Decode(bytes.NewReader(resp[2:]), header); err != nil {
		return false, fmt.Errorf("%w: %w", ErrProtocolError, err)
	}

	if !connack.ReturnCode.IsAccepted() {
		c.metrics.ConnectRefused(connack.ReturnCode)
		c.logger.Warn("connection refused", LogFields{
			LogFieldReturnCode: byte(connack.ReturnCode),
			"reason":           connack.ReturnCode.String(),
		})
		return false, NewConnectionRefusedError(connack.ReturnCode)
	}

	return connack.SessionPresent, nil
}

// dial opens the stream for the configured address.
// Supported schemes: tcp, mqtt, tls, ssl, mqtts, ws, wss, unix, quic.
func (c *Client) dial(ctx context.Context) (Conn, error) {
	addr := c.options.address

	if c.options.dialer != nil {
		return c.options.dialer.Dial(ctx, addr)
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %w", ErrInvalidConfig, err)
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "tcp", "mqtt":
			host = net.JoinHostPort(u.Hostname(), "1883")
		case "ssl", "tls", "mqtts":
			host = net.JoinHostPort(u.Hostname(), "8883")
		case "ws":
			host = net.JoinHostPort(u.Hostname(), "80")
		case "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		case "quic":
			host = net.JoinHostPort(u.Hostname(), "8883")
		}
	}

	tlsConfig := c.options.tlsConfig
	if tlsConfig == nil && isSecureScheme(u.Scheme) {
		tlsConfig = defaultTLSConfig()
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		proxyDialer, err := c.resolveProxy(addr)
		if err != nil {
			return nil, fmt.Errorf("proxy configuration error: %w", err)
		}
		if proxyDialer != nil {
			return proxyDialer.Dial(ctx, host)
		}
		return (&TCPDialer{}).Dial(ctx, host)

	case "ssl", "tls", "mqtts":
		proxyDialer, err := c.resolveProxy(addr)
		if err != nil {
			return nil, fmt.Errorf("proxy configuration error: %w", err)
		}
		if proxyDialer == nil {
			return (&TLSDialer{Config: tlsConfig}).Dial(ctx, host)
		}

		// Dial through proxy, then wrap with TLS
		conn, err := proxyDialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	case "ws", "wss":
		wsDialer := NewWSDialer()
		if tlsConfig != nil {
			wsDialer.Dialer.TLSClientConfig = tlsConfig
		}
		if c.options.proxyFromEnv {
			wsDialer.SetProxyFromEnvironment()
		}
		return wsDialer.Dial(ctx, addr)

	case "unix":
		// unix:///path/to/socket or unix://localhost/path/to/socket
		socketPath := u.Path
		if socketPath == "" {
			socketPath = u.Host + u.Path
		}
		return NewUnixDialer().Dial(ctx, socketPath)

	case "quic":
		keepAlive := time.Duration(c.options.keepAlive) * time.Second
		return NewQUICDialer(c.options.tlsConfig, keepAlive).Dial(ctx, host)

	default:
		return nil, fmt.Errorf("%w: unsupported scheme: %s", ErrInvalidConfig, u.Scheme)
	}
}

// resolveProxy returns a ProxyDialer based on client configuration.
// Returns nil if no proxy should be used.
func (c *Client) resolveProxy(targetAddr string) (*ProxyDialer, error) {
	if c.options.proxyConfig != nil {
		return NewProxyDialer(*c.options.proxyConfig)
	}

	if c.options.proxyFromEnv {
		proxyURL, err := ProxyFromEnvironment(targetAddr)
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return NewProxyDialer(ProxyConfig{URL: proxyURL.String()})
		}
	}

	return nil, nil
}

// isSecureScheme reports whether an address scheme runs over TLS.
func isSecureScheme(scheme string) bool {
	switch scheme {
	case "tls", "ssl", "mqtts", "wss", "quic":
		return true
	default:
		return false
	}
}

// streamKey identifies this client's persistent stream in the pool.
func (c *Client) streamKey() string {
	return streamKey(c.options.address, c.options.clientID)
}

func (c *Client) currentConn() Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.conn
}

func (c *Client) setConn(conn Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.conn = conn
}

// takeConn detaches and returns the live stream.
func (c *Client) takeConn() Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	conn := c.conn
	c.conn = nil
	return conn
}

// dropConn closes conn after a fatal error. Acknowledgement state belongs to
// the lost stream and is cleared.
func (c *Client) dropConn(conn Conn, cause error) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMu.Unlock()

	if !current {
		return
	}

	conn.Close()

	if !c.options.cleanSession {
		c.options.streamPool.discard(c.streamKey())
	}

	c.inbound.Clear()
	c.outbound.Clear()
	c.metrics.Disconnected()

	if c.closed.Load() {
		return
	}

	if cause == nil {
		cause = ErrConnectionLost
	}
	c.logger.Warn("connection lost", LogFields{LogFieldError: cause.Error()})
	c.emit(NewDisconnectError(cause))
}

// write sends one complete frame. Frames are written under writeMu in a
// single call, so concurrent writers never interleave.
func (c *Client) write(b []byte) (int, error) {
	conn, err := c.autoConnect()
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	n, err := conn.Write(b)
	c.writeMu.Unlock()

	c.metrics.BytesSent(n)

	if err == nil && n == len(b) {
		return n, nil
	}

	c.dropConn(conn, err)

	if c.closed.Load() {
		return n, ErrClientClosed
	}

	shortWrite := NewShortWriteError(len(b), n, b)
	if err != nil {
		return n, fmt.Errorf("%w: %w", shortWrite, err)
	}

	return n, shortWrite
}

// writePacket encodes and writes a packet.
func (c *Client) writePacket(pkt Packet) error {
	b, err := encodePacket(pkt)
	if err != nil {
		return err
	}

	if _, err := c.write(b); err != nil {
		return err
	}

	c.metrics.PacketSent(pkt.Type())
	return nil
}

// read reads from the stream, connecting first if needed.
//
// When exact is false a single read is made and whatever arrived is returned;
// an empty result with a nil error means nothing arrived within the read
// timeout. When exact is true the read loops until length bytes arrived or
// the broker closed the stream, and may return fewer bytes in that case.
func (c *Client) read(length int, exact bool) ([]byte, error) {
	conn, err := c.autoConnect()
	if err != nil {
		return nil, err
	}

	if exact {
		return c.readExact(conn, length)
	}

	return c.readOnce(conn, length)
}

func (c *Client) readOnce(conn Conn, length int) ([]byte, error) {
	buf := make([]byte, length)

	_ = conn.SetReadDeadline(time.Now().Add(c.options.readTimeout))
	n, err := conn.Read(buf)
	c.metrics.BytesReceived(n)

	if n > 0 {
		return buf[:n], nil
	}

	if err == nil || isTimeout(err) {
		return nil, nil
	}

	return nil, c.readFailed(conn, err)
}

func (c *Client) readExact(conn Conn, length int) ([]byte, error) {
	buf := make([]byte, length)
	read := 0

	for read < length {
		_ = conn.SetReadDeadline(time.Now().Add(c.options.readTimeout))
		n, err := conn.Read(buf[read:])
		read += n
		c.metrics.BytesReceived(n)

		switch {
		case err == nil, isTimeout(err):
			continue
		case errors.Is(err, io.EOF):
			c.dropConn(conn, err)
			return buf[:read], nil
		default:
			return buf[:read], c.readFailed(conn, err)
		}
	}

	return buf, nil
}

// readFailed drops the stream after a read error and maps the error.
func (c *Client) readFailed(conn Conn, err error) error {
	c.dropConn(conn, err)

	if c.closed.Load() {
		return ErrClientClosed
	}

	if errors.Is(err, io.EOF) {
		return ErrConnectionLost
	}

	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// exactReader adapts exact reads on one stream to io.Reader for the packet
// decoders. A short read surfaces as io.ErrUnexpectedEOF and the first error
// is kept, so a frame is never continued on another stream.
type exactReader struct {
	c    *Client
	conn Conn
	err  error
}

func (r *exactReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	if len(p) == 0 {
		return 0, nil
	}

	b, err := r.c.readExact(r.conn, len(p))
	n := copy(p, b)
	switch {
	case err != nil:
		r.err = err
	case n < len(p):
		r.err = io.ErrUnexpectedEOF
	}

	return n, r.err
}

// isTimeout reports whether err is a read deadline expiring.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
