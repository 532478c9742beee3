package client

import (
	"bytes"
	"sync"

	"github.com/haxii/fastconduit/buffer"
)

// bytesProducer writes a fixed body as fast as the encoder takes it
type bytesProducer struct {
	data   []byte
	off    int
	resets int
	err    error
}

func (p *bytesProducer) Produce(enc buffer.ContentEncoder, ioctrl buffer.IOControl) error {
	n, err := enc.Write(p.data[p.off:])
	p.off += n
	if err != nil {
		return err
	}
	if p.off == len(p.data) {
		return enc.Complete()
	}
	return nil
}

func (p *bytesProducer) IsRepeatable() bool { return true }

func (p *bytesProducer) ResetRequest() error {
	p.off = 0
	p.resets++
	return nil
}

func (p *bytesProducer) Failed(err error) { p.err = err }

// recordingConsumer keeps the response and its body
type recordingConsumer struct {
	mu             sync.Mutex
	resp           *Response
	body           bytes.Buffer
	bodyBeforeHead bool
	consumeCalls   int
	err            error
	cancelled      bool
	done           chan struct{}
	once           sync.Once
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{done: make(chan struct{})}
}

func (c *recordingConsumer) finish() {
	c.once.Do(func() { close(c.done) })
}

func (c *recordingConsumer) ResponseReceived(resp *Response) error {
	c.mu.Lock()
	c.resp = resp
	c.mu.Unlock()
	return nil
}

func (c *recordingConsumer) Consume(p []byte, last bool, ioctrl buffer.IOControl) error {
	c.mu.Lock()
	if c.resp == nil {
		c.bodyBeforeHead = true
	}
	c.consumeCalls++
	c.body.Write(p)
	c.mu.Unlock()
	if last {
		c.finish()
	}
	return nil
}

func (c *recordingConsumer) Failed(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.finish()
}

func (c *recordingConsumer) Cancel() bool {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.finish()
	return true
}

func (c *recordingConsumer) bodyString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body.String()
}

func (c *recordingConsumer) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// recordingCallback records which callback fired
type recordingCallback struct {
	completed chan *Response
	failed    chan error
	cancelled chan struct{}
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{
		completed: make(chan *Response, 1),
		failed:    make(chan error, 1),
		cancelled: make(chan struct{}, 1),
	}
}

func (c *recordingCallback) Completed(resp *Response) { c.completed <- resp }
func (c *recordingCallback) Failed(err error)         { c.failed <- err }
func (c *recordingCallback) Cancelled()               { c.cancelled <- struct{}{} }
