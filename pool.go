package mqttv3

import (
	"bytes"
	"sync"
)

// maxPooledBufferSize caps the capacity of buffers returned to the pool.
const maxPooledBufferSize = 65536

// bytesBufferPool reduces allocations when building packet frames.
var bytesBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// getBytesBuffer returns an empty pooled buffer.
func getBytesBuffer() *bytes.Buffer {
	b := bytesBufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// putBytesBuffer returns a buffer to the pool.
func putBytesBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	// Only pool if capacity is reasonable (64KB)
	if b.Cap() <= maxPooledBufferSize {
		b.Reset()
		bytesBufferPool.Put(b)
	}
}
