package buffer

import (
	"sync"

	"github.com/haxii/fastconduit/bytebufferpool"
)

// SharedOutputBuffer carries request bytes from the writing goroutine to
// the dispatcher.
//
// Writes larger than twice the free space are not copied, the caller's
// slice is handed to the dispatcher as is and Write returns once it was
// drained.
type SharedOutputBuffer struct {
	mu       sync.Mutex
	cond     condition
	data     *bytebufferpool.ByteBuffer
	capacity int
	ioctrl   IOControl

	// large write staged without copying, drained after data
	large []byte

	endOfStream bool
	shutdown    bool
}

// NewSharedOutputBuffer makes an output buffer of size bytes
func NewSharedOutputBuffer(size int) *SharedOutputBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &SharedOutputBuffer{
		cond:     newCondition(),
		data:     bytebufferpool.Get(),
		capacity: size,
	}
}

// Write buffers p, waiting for the dispatcher whenever the buffer is full.
func (b *SharedOutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writable(); err != nil {
		return 0, err
	}
	written := 0
	for len(p) > 0 {
		free := b.capacity - b.data.Len()
		switch {
		case free <= 0:
			if err := b.flushAndWait(b.hasRoom); err != nil {
				return written, err
			}
		case len(p) > 2*free:
			b.large = p
			if err := b.flushAndWait(b.largeDrained); err != nil {
				b.large = nil
				return written, err
			}
			written += len(p)
			p = nil
		default:
			n := len(p)
			if n > free {
				n = free
			}
			b.data.Write(p[:n])
			written += n
			p = p[n:]
		}
	}
	return written, nil
}

// WriteByte writes a single byte, see Write
func (b *SharedOutputBuffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

func (b *SharedOutputBuffer) hasRoom() bool { return b.data.Len() < b.capacity }

func (b *SharedOutputBuffer) largeDrained() bool { return b.large == nil }

func (b *SharedOutputBuffer) writable() error {
	if b.shutdown {
		return ErrOutputAborted
	}
	if b.endOfStream {
		return ErrStreamClosed
	}
	return nil
}

// flushAndWait asks the dispatcher for output until ready holds,
// it must be called with the lock held
func (b *SharedOutputBuffer) flushAndWait(ready func() bool) error {
	for {
		if b.shutdown {
			return ErrOutputAborted
		}
		if ready() {
			return nil
		}
		if b.ioctrl != nil {
			b.ioctrl.RequestOutput()
		}
		ch := b.cond.wait()
		b.mu.Unlock()
		<-ch
		b.mu.Lock()
	}
}

// Flush asks the dispatcher to send what is buffered, it does not wait
func (b *SharedOutputBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return ErrOutputAborted
	}
	if b.ioctrl != nil {
		b.ioctrl.RequestOutput()
	}
	return nil
}

// WriteCompleted marks the end of the request body. Calling it again is a
// no-op, writes issued afterwards fail with ErrStreamClosed.
func (b *SharedOutputBuffer) WriteCompleted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endOfStream && !b.shutdown {
		return nil
	}
	if b.shutdown {
		return ErrOutputAborted
	}
	b.endOfStream = true
	if b.ioctrl != nil {
		b.ioctrl.RequestOutput()
	}
	return nil
}

// ProduceContent moves buffered bytes into enc without waiting.
//
// Buffered bytes go first, then a staged large write. Once everything is
// drained the encoder is completed if the body was completed, otherwise
// output is suspended until the writer provides more.
func (b *SharedOutputBuffer) ProduceContent(enc ContentEncoder, ioctrl IOControl) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ioctrl != nil {
		b.ioctrl = ioctrl
	}
	if b.shutdown {
		return 0, ErrOutputAborted
	}

	total := 0
	var err error
	if b.data.Len() > 0 {
		var n int
		n, err = enc.Write(b.data.Bytes())
		b.data.Discard(n)
		total += n
	}
	if err == nil && b.data.Len() == 0 && len(b.large) > 0 {
		var n int
		n, err = enc.Write(b.large)
		total += n
		if b.large = b.large[n:]; len(b.large) == 0 {
			b.large = nil
		}
	}
	if total > 0 {
		b.cond.broadcast()
	}
	if err != nil {
		return total, err
	}

	if b.data.Len() == 0 && b.large == nil {
		if b.endOfStream {
			if !enc.IsCompleted() {
				if err := enc.Complete(); err != nil {
					return total, err
				}
			}
		} else if b.ioctrl != nil {
			b.ioctrl.SuspendOutput()
		}
	}
	return total, nil
}

// Shutdown discards buffered bytes and fails every pending and future
// call with ErrOutputAborted. It may be called more than once.
func (b *SharedOutputBuffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true
	b.large = nil
	bytebufferpool.Put(b.data)
	b.data = &bytebufferpool.ByteBuffer{}
	b.cond.broadcast()
	if b.ioctrl != nil {
		b.ioctrl.RequestOutput()
	}
}

// Length number of buffered bytes, a staged large write included
func (b *SharedOutputBuffer) Length() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.Len() + len(b.large)
}

// Capacity buffer size
func (b *SharedOutputBuffer) Capacity() int {
	return b.capacity
}

// Available free space before a write has to wait
func (b *SharedOutputBuffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if free := b.capacity - b.data.Len(); free > 0 {
		return free
	}
	return 0
}

// HasData reports buffered bytes
func (b *SharedOutputBuffer) HasData() bool {
	return b.Length() > 0
}

// IsEndOfStream reports whether WriteCompleted was called
func (b *SharedOutputBuffer) IsEndOfStream() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endOfStream
}

// IsShutdown reports whether Shutdown was called
func (b *SharedOutputBuffer) IsShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}
