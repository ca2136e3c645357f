package mqttv3

import (
	"sync"
	"sync/atomic"
)

// DefaultStreamPool is the process-wide pool used by clients with
// clean session disabled.
var DefaultStreamPool = NewStreamPool()

// StreamPool keeps the streams of non-clean sessions alive between clients
// in the same process. A client that closes without DISCONNECT parks its
// stream here; the next client for the same broker address and client
// identifier takes it over and, if the stream has already carried bytes,
// skips the CONNECT handshake.
type StreamPool struct {
	mu      sync.Mutex
	streams map[string]*pooledConn
}

// NewStreamPool creates an empty pool.
func NewStreamPool() *StreamPool {
	return &StreamPool{
		streams: make(map[string]*pooledConn),
	}
}

// streamKey identifies a persistent stream.
func streamKey(address, clientID string) string {
	return address + "#" + clientID
}

// take removes and returns the stream parked under key.
// resumed reports whether the stream has already carried bytes.
func (p *StreamPool) take(key string) (conn *pooledConn, resumed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.streams[key]
	if !ok {
		return nil, false
	}

	delete(p.streams, key)
	return conn, conn.Position() > 0
}

// park stores conn under key. A stream already parked under the same key is closed.
func (p *StreamPool) park(key string, conn *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.streams[key]; ok && old != conn {
		old.Close()
	}
	p.streams[key] = conn
}

// discard closes and forgets the stream parked under key, if any.
func (p *StreamPool) discard(key string) {
	p.mu.Lock()
	conn, ok := p.streams[key]
	delete(p.streams, key)
	p.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// Len returns the number of parked streams.
func (p *StreamPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.streams)
}

// CloseAll closes every parked stream.
func (p *StreamPool) CloseAll() {
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, conn := range streams {
		conn.Close()
	}
}

// pooledConn counts the bytes a stream has carried in either direction.
type pooledConn struct {
	Conn
	position atomic.Int64
}

func newPooledConn(conn Conn) *pooledConn {
	return &pooledConn{Conn: conn}
}

func (c *pooledConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.position.Add(int64(n))
	return n, err
}

func (c *pooledConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.position.Add(int64(n))
	return n, err
}

// Position returns the number of bytes read and written so far.
func (c *pooledConn) Position() int64 {
	return c.position.Load()
}
