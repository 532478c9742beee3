package bufiopool

import (
	"bufio"
	"io"
	"sync"
)

// Pool pools buffered readers and writers wrapping exchange connections
type Pool struct {
	readBufferSize  int
	writeBufferSize int

	readerPool sync.Pool
	writerPool sync.Pool
}

const (
	// MinReadBufferSize smallest read buffer handed out, response heads
	// larger than this are still parsed since the reader grows via Peek
	MinReadBufferSize = 4096
	// MinWriteBufferSize smallest write buffer handed out
	MinWriteBufferSize = 4096
)

// New make a new buff io pool,
// sizes below MinReadBufferSize / MinWriteBufferSize are raised to them
func New(readBufferSize, writeBufferSize int) *Pool {
	if readBufferSize < MinReadBufferSize {
		readBufferSize = MinReadBufferSize
	}
	if writeBufferSize < MinWriteBufferSize {
		writeBufferSize = MinWriteBufferSize
	}
	return &Pool{
		readBufferSize:  readBufferSize,
		writeBufferSize: writeBufferSize,
	}
}

// ReadBufferSize size of the readers handed out by the pool
func (p *Pool) ReadBufferSize() int { return p.readBufferSize }

// WriteBufferSize size of the writers handed out by the pool
func (p *Pool) WriteBufferSize() int { return p.writeBufferSize }

// AcquireReader acquire a buffered reader based on net connection
func (p *Pool) AcquireReader(c io.Reader) *bufio.Reader {
	v := p.readerPool.Get()
	if v == nil {
		return bufio.NewReaderSize(c, p.readBufferSize)
	}
	r := v.(*bufio.Reader)
	r.Reset(c)
	return r
}

// ReleaseReader release a buffered reader, the reader must not hold
// bytes still needed by a pooled connection
func (p *Pool) ReleaseReader(r *bufio.Reader) {
	if r == nil {
		return
	}
	r.Reset(nil)
	p.readerPool.Put(r)
}

// AcquireWriter acquire a buffered writer based on net connection
func (p *Pool) AcquireWriter(c io.Writer) *bufio.Writer {
	v := p.writerPool.Get()
	if v == nil {
		return bufio.NewWriterSize(c, p.writeBufferSize)
	}
	bw := v.(*bufio.Writer)
	bw.Reset(c)
	return bw
}

// ReleaseWriter release a buffered writer
func (p *Pool) ReleaseWriter(bw *bufio.Writer) {
	if bw == nil {
		return
	}
	bw.Reset(nil)
	p.writerPool.Put(bw)
}
