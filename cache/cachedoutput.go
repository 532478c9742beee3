// Package cache keeps a copy of a request body so it can be replayed when
// a request has to be sent again.
package cache

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/haxii/fastconduit/bytebufferpool"
	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
)

// DefaultThreshold bodies larger than this are spilled to a temp file
const DefaultThreshold = 128 * 1024

var (
	errCacheClosed = errors.New("cached output already closed")
	errNotInMemory = errors.New("cached output is file backed")
)

// CachedOutputStream caches everything written to it, in memory first and
// in a temp file once Threshold is exceeded.
//
// When MaxSize is set and exceeded the cache stops recording and is no
// longer complete, writes keep succeeding.
type CachedOutputStream struct {
	// Threshold memory limit before spilling to disk, DefaultThreshold if not set
	Threshold int64
	// MaxSize upper limit of cached bytes, unlimited if not set
	MaxSize int64
	// Dir directory of the spill file, os.TempDir if not set
	Dir string

	mu         sync.Mutex
	mem        *bytebufferpool.ByteBuffer
	file       *os.File
	size       int64
	overflowed bool
	closed     bool
}

// Write implements io.Writer
func (c *CachedOutputStream) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errCacheClosed
	}
	if c.overflowed {
		return len(p), nil
	}
	if c.MaxSize > 0 && c.size+int64(len(p)) > c.MaxSize {
		c.overflowed = true
		c.dropLocked()
		return len(p), nil
	}
	if c.file == nil && c.size+int64(len(p)) > c.threshold() {
		if err := c.spillLocked(); err != nil {
			return 0, err
		}
	}
	if c.file != nil {
		if _, err := c.file.Write(p); err != nil {
			return 0, errors.Wrapf(err, "fail to write cache file %s", c.file.Name())
		}
	} else {
		if c.mem == nil {
			c.mem = bytebufferpool.Get()
		}
		c.mem.Write(p)
	}
	c.size += int64(len(p))
	return len(p), nil
}

func (c *CachedOutputStream) threshold() int64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultThreshold
}

func (c *CachedOutputStream) spillLocked() error {
	f, err := os.CreateTemp(c.Dir, "fastconduit-cos-*")
	if err != nil {
		return errors.Wrap(err, "cannot create cache file")
	}
	if c.mem != nil {
		if _, err := f.Write(c.mem.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return errors.Wrapf(err, "fail to write cache file %s", f.Name())
		}
		bytebufferpool.Put(c.mem)
		c.mem = nil
	}
	log.Debugf("cached output spilled %d bytes to %s", c.size, f.Name())
	c.file = f
	return nil
}

func (c *CachedOutputStream) dropLocked() {
	if c.mem != nil {
		bytebufferpool.Put(c.mem)
		c.mem = nil
	}
	if c.file != nil {
		name := c.file.Name()
		c.file.Close()
		if err := os.Remove(name); err != nil {
			log.Errorf(err, "cannot remove cache file %s", name)
		}
		c.file = nil
	}
}

// Close finishes recording, the cache stays readable until Release
func (c *CachedOutputStream) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Size number of cached bytes
func (c *CachedOutputStream) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// IsComplete reports whether every written byte is cached and recording
// has finished
func (c *CachedOutputStream) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && !c.overflowed
}

// IsFileBacked reports whether the cache spilled to disk
func (c *CachedOutputStream) IsFileBacked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file != nil
}

// Bytes returns the cached bytes of a memory backed cache
func (c *CachedOutputStream) Bytes() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return nil, errNotInMemory
	}
	if c.mem == nil {
		return nil, nil
	}
	return c.mem.Bytes(), nil
}

// Reader returns a fresh reader over the cached bytes, every call starts
// at the beginning
func (c *CachedOutputStream) Reader() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overflowed {
		return nil, errors.New("cached output exceeded its limit")
	}
	if c.file != nil {
		f, err := os.Open(c.file.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open cache file %s", c.file.Name())
		}
		return f, nil
	}
	if c.mem == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(bytes.NewReader(c.mem.Bytes())), nil
}

// Release drops the cached bytes and removes the spill file
func (c *CachedOutputStream) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.dropLocked()
}
