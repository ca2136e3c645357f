package mqttv3

import (
	"context"
	"net"
)

// UnixDialer reaches a broker listening on a Unix domain socket. The address
// is the socket path, as taken from a unix:///path server URL.
type UnixDialer struct {
	nd net.Dialer
}

func NewUnixDialer() *UnixDialer {
	return &UnixDialer{}
}

func (d *UnixDialer) Dial(ctx context.Context, path string) (Conn, error) {
	return d.nd.DialContext(ctx, "unix", path)
}
