package bytebufferpool

import (
	"io"
)

// ByteBuffer provides byte buffer, which can be used for minimizing
// memory allocations.
//
// Data is appended at the tail and consumed from the head, so the
// same buffer may be used as a simple FIFO by the shared buffers.
//
// Use Get for obtaining an empty byte buffer.
type ByteBuffer struct {
	// B is a byte buffer to use in append-like workloads.
	B []byte

	// off is the read offset into B
	off int
}

// Len returns the number of unread bytes.
func (b *ByteBuffer) Len() int {
	return len(b.B) - b.off
}

// Bytes returns the unread portion of the buffer.
//
// The purpose of this function is bytes.Buffer compatibility.
func (b *ByteBuffer) Bytes() []byte {
	return b.B[b.off:]
}

// Write implements io.Writer - it appends p to ByteBuffer.B
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.compact(len(p))
	b.B = append(b.B, p...)
	return len(p), nil
}

// WriteByte appends the byte c to the buffer.
//
// The function always returns nil.
func (b *ByteBuffer) WriteByte(c byte) error {
	b.compact(1)
	b.B = append(b.B, c)
	return nil
}

// WriteString appends s to ByteBuffer.B.
func (b *ByteBuffer) WriteString(s string) (int, error) {
	b.compact(len(s))
	b.B = append(b.B, s...)
	return len(s), nil
}

// Read copies unread bytes into p and advances the read offset
// by exactly the number of bytes copied.
//
// It returns io.EOF only when the buffer is empty and p is not.
func (b *ByteBuffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		b.Reset()
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.B[b.off:])
	b.off += n
	if b.off == len(b.B) {
		b.Reset()
	}
	return n, nil
}

// Discard skips the next n unread bytes.
func (b *ByteBuffer) Discard(n int) int {
	if n > b.Len() {
		n = b.Len()
	}
	b.off += n
	if b.off == len(b.B) {
		b.Reset()
	}
	return n
}

// ReadFrom implements io.ReaderFrom.
//
// The function appends all the data read from r to b.
func (b *ByteBuffer) ReadFrom(r io.Reader) (int64, error) {
	b.compact(0)
	p := b.B
	nStart := int64(len(p))
	nMax := int64(cap(p))
	n := nStart
	if nMax == 0 {
		nMax = 64
		p = make([]byte, nMax)
	} else {
		p = p[:nMax]
	}
	for {
		if n == nMax {
			nMax *= 2
			bNew := make([]byte, nMax)
			copy(bNew, p)
			p = bNew
		}
		nn, err := r.Read(p[n:])
		n += int64(nn)
		if err != nil {
			b.B = p[:n]
			n -= nStart
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
	}
}

// WriteTo implements io.WriterTo, it drains the unread bytes into w.
func (b *ByteBuffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.B[b.off:])
	b.Discard(n)
	return int64(n), err
}

// Set sets ByteBuffer.B to p.
func (b *ByteBuffer) Set(p []byte) {
	b.off = 0
	b.B = append(b.B[:0], p...)
}

// SetString sets ByteBuffer.B to s.
func (b *ByteBuffer) SetString(s string) {
	b.off = 0
	b.B = append(b.B[:0], s...)
}

// String returns string representation of the unread bytes.
func (b *ByteBuffer) String() string {
	return string(b.B[b.off:])
}

// Reset makes ByteBuffer.B empty.
func (b *ByteBuffer) Reset() {
	b.B = b.B[:0]
	b.off = 0
}

// compact moves the unread bytes to the front when appending n more
// bytes would otherwise force a reallocation.
func (b *ByteBuffer) compact(n int) {
	if b.off == 0 {
		return
	}
	if len(b.B)+n <= cap(b.B) && b.off < len(b.B)/2 {
		return
	}
	m := copy(b.B, b.B[b.off:])
	b.B = b.B[:m]
	b.off = 0
}

// Copy copies from src to dst until either EOF is reached
// on src or an error occurs. It returns the number of bytes
// copied and the first error encountered while copying, if any.
func (b *ByteBuffer) Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	b.Reset()
	if cap(b.B) < 32*1024 {
		b.B = make([]byte, 32*1024)
	}
	buf := b.B[:cap(b.B)]
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	b.Reset()
	return written, err
}
