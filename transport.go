package mqttv3

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Conn is the byte stream MQTT runs over. Implementations must honour read
// deadlines: the client polls for inbound packets by letting reads time out.
type Conn interface {
	net.Conn
}

// Dialer opens a Conn to a transport-specific address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc lets a plain function serve as a Dialer.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

// TCPDialer dials plain TCP. A zero Timeout leaves the bound to ctx.
type TCPDialer struct {
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", address)
}

// TLSDialer dials TCP and completes the TLS handshake before returning.
type TLSDialer struct {
	Config  *tls.Config
	Timeout time.Duration
}

func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	td := tls.Dialer{NetDialer: &net.Dialer{Timeout: d.Timeout}, Config: d.Config}
	return td.DialContext(ctx, "tcp", address)
}

// defaultTLSConfig is used for secure schemes when WithTLS was not given.
func defaultTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
