package buffer

import (
	"io"
	"sync"
	"time"

	"github.com/haxii/fastconduit/bytebufferpool"
)

// DefaultStallTimeout how long ConsumeContent waits for a reader to make
// room in a full buffer before growing it
const DefaultStallTimeout = 50 * time.Millisecond

// SharedInputBuffer carries response bytes from the dispatcher to the
// reading goroutine.
//
// It is safe calling SharedInputBuffer methods from concurrently running
// go routines, but only one goroutine should consume and one should read.
type SharedInputBuffer struct {
	// StallTimeout bounds the wait of ConsumeContent on a full buffer.
	//
	// DefaultStallTimeout is used if not set.
	StallTimeout time.Duration

	mu       sync.Mutex
	cond     condition
	data     *bytebufferpool.ByteBuffer
	capacity int
	ioctrl   IOControl

	// destination of a parked Read, filled directly by ConsumeContent
	waiting  []byte
	waitingN int

	endOfStream bool
	shutdown    bool
}

// NewSharedInputBuffer makes an input buffer holding size bytes before it
// pushes back on the dispatcher
func NewSharedInputBuffer(size int) *SharedInputBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &SharedInputBuffer{
		StallTimeout: DefaultStallTimeout,
		cond:         newCondition(),
		data:         bytebufferpool.Get(),
		capacity:     size,
	}
}

// ConsumeContent takes response bytes from the dispatcher.
//
// A parked reader receives the bytes straight into its own slice. Whatever
// remains is buffered, a full buffer stalls the call for at most
// StallTimeout and then grows, so p is always taken completely unless the
// buffer was shut down. After a stall, or when the buffer is left full,
// input is suspended until the reader drains it.
//
// It returns (0, nil) when p is empty and (0, io.EOF) once the end of the
// stream has already been reached.
func (b *SharedInputBuffer) ConsumeContent(p []byte, last bool, ioctrl IOControl) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ioctrl != nil {
		b.ioctrl = ioctrl
	}
	if b.shutdown {
		return 0, ErrInputAborted
	}
	if b.endOfStream {
		return 0, io.EOF
	}

	total := 0
	if len(b.waiting) > b.waitingN && b.data.Len() == 0 {
		n := copy(b.waiting[b.waitingN:], p)
		b.waitingN += n
		b.waiting = nil
		total += n
		p = p[n:]
	}
	stalled := false
	for len(p) > 0 {
		free := b.capacity - b.data.Len()
		if free <= 0 {
			stalled = true
			if !b.stall() {
				return total, ErrInputAborted
			}
			continue
		}
		n := len(p)
		if n > free {
			n = free
		}
		b.data.Write(p[:n])
		total += n
		p = p[n:]
	}
	if last {
		b.endOfStream = true
	} else if (stalled || b.data.Len() >= b.capacity) && b.ioctrl != nil {
		b.ioctrl.SuspendInput()
	}
	b.cond.broadcast()
	return total, nil
}

// stall waits for the reader to drain a full buffer and grows the buffer
// if the reader does not make room within StallTimeout.
// It must be called with the lock held and reports false on shutdown.
func (b *SharedInputBuffer) stall() bool {
	timeout := b.StallTimeout
	if timeout <= 0 {
		timeout = DefaultStallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// the reader may be parked on data that arrived earlier
	b.cond.broadcast()
	for !b.shutdown && b.data.Len() >= b.capacity {
		ch := b.cond.wait()
		b.mu.Unlock()
		expired := false
		select {
		case <-ch:
		case <-timer.C:
			expired = true
		}
		b.mu.Lock()
		if expired && !b.shutdown && b.data.Len() >= b.capacity {
			b.capacity *= 2
		}
	}
	return !b.shutdown
}

// Read reads buffered response bytes, waiting until some arrive.
//
// It returns io.EOF once the stream ended and everything was read, and
// ErrInputAborted after Shutdown.
func (b *SharedInputBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.shutdown {
			return 0, ErrInputAborted
		}
		if b.data.Len() > 0 {
			n, _ := b.data.Read(p)
			b.drained()
			return n, nil
		}
		if b.endOfStream {
			return 0, io.EOF
		}

		b.waiting, b.waitingN = p, 0
		if b.ioctrl != nil {
			b.ioctrl.RequestInput()
		}
		ch := b.cond.wait()
		b.mu.Unlock()
		<-ch
		b.mu.Lock()
		n := b.waitingN
		b.waiting, b.waitingN = nil, 0
		if n > 0 && !b.shutdown {
			return n, nil
		}
	}
}

// ReadByte reads a single byte, see Read
func (b *SharedInputBuffer) ReadByte() (byte, error) {
	var one [1]byte
	for {
		n, err := b.Read(one[:])
		if n == 1 {
			return one[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func (b *SharedInputBuffer) drained() {
	if b.data.Len() < b.capacity && b.ioctrl != nil {
		b.ioctrl.RequestInput()
	}
	b.cond.broadcast()
}

// Close marks the end of the stream, buffered bytes stay readable
func (b *SharedInputBuffer) Close() {
	b.mu.Lock()
	if !b.endOfStream {
		b.endOfStream = true
		b.cond.broadcast()
	}
	b.mu.Unlock()
}

// Shutdown discards buffered bytes and fails every pending and future
// call with ErrInputAborted. It may be called more than once.
func (b *SharedInputBuffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true
	b.endOfStream = true
	b.waiting, b.waitingN = nil, 0
	bytebufferpool.Put(b.data)
	b.data = &bytebufferpool.ByteBuffer{}
	b.cond.broadcast()
	if b.ioctrl != nil {
		b.ioctrl.RequestInput()
	}
}

// Length number of buffered bytes
func (b *SharedInputBuffer) Length() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.Len()
}

// Capacity current capacity, it only grows after a stall
func (b *SharedInputBuffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Available free space before the buffer pushes back
func (b *SharedInputBuffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if free := b.capacity - b.data.Len(); free > 0 {
		return free
	}
	return 0
}

// HasData reports buffered bytes
func (b *SharedInputBuffer) HasData() bool {
	return b.Length() > 0
}

// IsEndOfStream reports whether the stream ended
func (b *SharedInputBuffer) IsEndOfStream() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endOfStream
}

// IsShutdown reports whether Shutdown was called
func (b *SharedInputBuffer) IsShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}
