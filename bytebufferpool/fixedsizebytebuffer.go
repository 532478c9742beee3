package bytebufferpool

import (
	"io"
)

// MaxSize default size for fixed size byte buffers
var MaxSize = 32 * 1024

// FixedSizeByteBuffer provides a fixed size byte window.
//
// Writes accept as many bytes as still fit and report io.ErrShortBuffer
// for the rest, which makes it usable as the staging area of an encoder
// that must never grow beyond one socket write.
type FixedSizeByteBuffer struct {
	// B is the backing storage, its length is the window size.
	B    []byte
	used int
}

// Bytes returns all the bytes accumulated in the buffer.
func (b *FixedSizeByteBuffer) Bytes() []byte {
	return b.B[:b.used]
}

// Len returns the usage of fixed size byte buffer
func (b *FixedSizeByteBuffer) Len() int {
	return b.used
}

// Available returns how many more bytes the window accepts.
func (b *FixedSizeByteBuffer) Available() int {
	return len(b.B) - b.used
}

// Write implements io.Writer
func (b *FixedSizeByteBuffer) Write(p []byte) (int, error) {
	n := copy(b.B[b.used:], p)
	b.used += n
	if n < len(p) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// WriteString writes s, truncating it the same way as Write.
func (b *FixedSizeByteBuffer) WriteString(s string) (int, error) {
	n := copy(b.B[b.used:], s)
	b.used += n
	if n < len(s) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// WriteTo implements io.WriterTo and resets the window on success.
func (b *FixedSizeByteBuffer) WriteTo(w io.Writer) (int64, error) {
	if b.used == 0 {
		return 0, nil
	}
	n, err := w.Write(b.B[:b.used])
	if err == nil && n < b.used {
		err = io.ErrShortWrite
	}
	if err == nil {
		b.used = 0
	}
	return int64(n), err
}

// MakeFixedSizeByteBuffer makes a fixed size ByteBuffer of size bytes
func MakeFixedSizeByteBuffer(size int) *FixedSizeByteBuffer {
	return &FixedSizeByteBuffer{B: make([]byte, size)}
}

// Reset reset byteBuffer
func (b *FixedSizeByteBuffer) Reset() {
	b.used = 0
}
