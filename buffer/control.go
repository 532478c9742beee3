// Package buffer hands request and response bytes between a goroutine
// using blocking stream calls and the exchange dispatcher that drives the
// connection.
package buffer

import (
	"github.com/pkg/errors"
)

// DefaultBufferSize buffer size used when none is configured
const DefaultBufferSize = 16320

var (
	// ErrInputAborted is returned by input buffer operations after Shutdown
	ErrInputAborted = errors.New("input operation aborted")
	// ErrOutputAborted is returned by output buffer operations after Shutdown
	ErrOutputAborted = errors.New("output operation aborted")
	// ErrStreamClosed is returned by writes issued after WriteCompleted
	ErrStreamClosed = errors.New("output stream already completed")
)

// IOControl lets a buffer park and unpark the dispatcher of its exchange.
//
// Implementations must not block and must not call back into the buffer.
type IOControl interface {
	RequestInput()
	SuspendInput()
	RequestOutput()
	SuspendOutput()
}

// ContentEncoder is the request body sink of one exchange.
//
// Write accepts as many bytes as currently fit and reports how many it
// took, it never waits for the peer.
type ContentEncoder interface {
	Write(p []byte) (int, error)
	Complete() error
	IsCompleted() bool
}

// condition is a broadcast condition variable that can be used in a
// select, it must be used under the owning buffer's mutex
type condition struct {
	ch chan struct{}
}

func newCondition() condition {
	return condition{ch: make(chan struct{})}
}

func (c *condition) wait() <-chan struct{} {
	return c.ch
}

func (c *condition) broadcast() {
	close(c.ch)
	c.ch = make(chan struct{})
}
