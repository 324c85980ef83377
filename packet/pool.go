package packet

import (
	"bytes"
	"sync"
)

// bufferPool hands out *bytes.Buffer scratch space for Unpack, so a
// busy session isn't allocating one per inbound packet.
type bufferPool struct {
	pool *sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: &sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

func (p *bufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

func (p *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	p.pool.Put(buf)
}

var scratchBuffers = newBufferPool()

// GetBuffer borrows a reset *bytes.Buffer; the caller must PutBuffer it back.
func GetBuffer() *bytes.Buffer {
	return scratchBuffers.Get()
}

func PutBuffer(buf *bytes.Buffer) {
	scratchBuffers.Put(buf)
}
