package mqttv3

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is the application protocol negotiated for MQTT over QUIC.
const quicALPN = "mqtt"

// QUICConn is one bidirectional QUIC stream presented as a net.Conn. The
// stream supplies Read, Write and the deadlines; the connection supplies the
// addresses and is torn down with the stream.
type QUICConn struct {
	*quic.Stream
	session *quic.Conn

	closeOnce sync.Once
	closeErr  error
}

func newQUICConn(session *quic.Conn, stream *quic.Stream) *QUICConn {
	return &QUICConn{Stream: stream, session: session}
}

// Close finishes the send side of the stream and closes the connection with
// application error 0. Later calls return the first result.
func (c *QUICConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Stream.Close()
		if err := c.session.CloseWithError(0, ""); c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *QUICConn) LocalAddr() net.Addr  { return c.session.LocalAddr() }
func (c *QUICConn) RemoteAddr() net.Addr { return c.session.RemoteAddr() }

// QUICDialer opens a QUIC connection and a single stream per MQTT session.
type QUICDialer struct {
	// TLSConfig must allow TLS 1.3. When NextProtos is empty the dialer
	// offers "mqtt" on a copy, leaving the caller's config untouched.
	TLSConfig *tls.Config

	QUICConfig *quic.Config
}

// NewQUICDialer returns a dialer whose QUIC keep-alive period follows the
// MQTT keep alive, so an idle session is not dropped by the transport.
func NewQUICDialer(tlsConfig *tls.Config, keepAlive time.Duration) *QUICDialer {
	d := &QUICDialer{TLSConfig: tlsConfig}
	if keepAlive > 0 {
		d.QUICConfig = &quic.Config{KeepAlivePeriod: keepAlive}
	}
	return d
}

// Dial connects to a "host:port" UDP address.
func (d *QUICDialer) Dial(ctx context.Context, address string) (Conn, error) {
	tlsConfig := d.TLSConfig
	switch {
	case tlsConfig == nil:
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{quicALPN}}
	case len(tlsConfig.NextProtos) == 0:
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{quicALPN}
	}

	session, err := quic.DialAddr(ctx, address, tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		_ = session.CloseWithError(0, "open stream")
		return nil, err
	}

	return newQUICConn(session, stream), nil
}
