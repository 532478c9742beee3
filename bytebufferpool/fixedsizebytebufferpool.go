package bytebufferpool

import (
	"sync"
)

// FixedSizeByteBufferPool pools fixed size buffers of Size bytes,
// MaxSize is used when Size is not set.
type FixedSizeByteBufferPool struct {
	Size int
	pool sync.Pool
}

func (p *FixedSizeByteBufferPool) size() int {
	if p.Size > 0 {
		return p.Size
	}
	return MaxSize
}

// Get returns an empty fixed size buffer
func (p *FixedSizeByteBufferPool) Get() *FixedSizeByteBuffer {
	value := p.pool.Get()
	if value != nil {
		return value.(*FixedSizeByteBuffer)
	}
	return MakeFixedSizeByteBuffer(p.size())
}

// Put returns the buffer to the pool, buffers of a foreign size are dropped
func (p *FixedSizeByteBufferPool) Put(byteBuffer *FixedSizeByteBuffer) {
	if byteBuffer == nil || len(byteBuffer.B) != p.size() {
		return
	}
	byteBuffer.Reset()
	p.pool.Put(byteBuffer)
}
