package conduit

import (
	"io"

	"github.com/haxii/fastconduit/buffer"
	"github.com/haxii/fastconduit/cache"
	"github.com/haxii/fastconduit/client"
	"github.com/pkg/errors"
)

// size of the slices a cached body is replayed in
const replayChunkSize = 8192

// requestProducer feeds the request body to the exchange, out of the
// shared output buffer or, when replaying, straight out of the cache
type requestProducer struct {
	out    *buffer.SharedOutputBuffer
	replay *cache.CachedOutputStream

	r     io.ReadCloser
	buf   []byte
	chunk []byte
	eof   bool
}

var _ client.RequestProducer = &requestProducer{}

func newRequestProducer(out *buffer.SharedOutputBuffer, replay *cache.CachedOutputStream) *requestProducer {
	return &requestProducer{out: out, replay: replay}
}

func (p *requestProducer) Produce(enc buffer.ContentEncoder, ioctrl buffer.IOControl) error {
	if p.replay == nil {
		_, err := p.out.ProduceContent(enc, ioctrl)
		return err
	}
	return p.produceCached(enc)
}

// produceCached moves cached bytes into enc until it is full or the body
// ended
func (p *requestProducer) produceCached(enc buffer.ContentEncoder) error {
	if p.r == nil && !p.eof {
		r, err := p.replay.Reader()
		if err != nil {
			return errors.Wrap(err, "fail to replay request body")
		}
		p.r = r
		p.buf = make([]byte, replayChunkSize)
	}
	for {
		if len(p.chunk) == 0 {
			if p.eof {
				p.closeReader()
				if enc.IsCompleted() {
					return nil
				}
				return enc.Complete()
			}
			n, err := p.r.Read(p.buf)
			p.chunk = p.buf[:n]
			if err == io.EOF {
				p.eof = true
			} else if err != nil {
				return errors.Wrap(err, "fail to read cached request body")
			}
			continue
		}
		n, err := enc.Write(p.chunk)
		p.chunk = p.chunk[n:]
		if err != nil {
			return err
		}
		if len(p.chunk) > 0 {
			return nil
		}
	}
}

func (p *requestProducer) closeReader() {
	if p.r != nil {
		p.r.Close()
		p.r = nil
	}
}

func (p *requestProducer) IsRepeatable() bool {
	return p.replay != nil
}

func (p *requestProducer) ResetRequest() error {
	if p.replay == nil {
		return errors.New("streamed request body cannot be reset")
	}
	p.closeReader()
	p.chunk, p.eof = nil, false
	return nil
}

func (p *requestProducer) Failed(err error) {
	p.closeReader()
	p.out.Shutdown()
}

// responseConsumer hands the response of an asynchronous attempt to the
// goroutine waiting in Response
type responseConsumer struct {
	a *asyncAttempt
	// first chunk seen, dispatch goroutine only
	started bool
}

var _ client.ResponseConsumer = &responseConsumer{}

func (c *responseConsumer) ResponseReceived(resp *client.Response) error {
	c.a.received(resp)
	return nil
}

func (c *responseConsumer) Consume(p []byte, last bool, ioctrl buffer.IOControl) error {
	if !c.started || last {
		c.started = true
		c.a.s.scheduleContinuation(last)
	}
	_, err := c.a.in.ConsumeContent(p, last, ioctrl)
	if err == io.EOF {
		// input was closed by a cancel
		return nil
	}
	return err
}

func (c *responseConsumer) Failed(err error) {
	c.a.fail(err)
	c.a.s.scheduleContinuation(true)
}

func (c *responseConsumer) Cancel() bool {
	cancelled := c.a.cancelled.CompareAndSwap(false, true)
	c.a.setTerminal(StateCancelled)
	c.a.in.Close()
	c.a.out.Shutdown()
	c.a.signal()
	c.a.s.scheduleContinuation(true)
	return cancelled
}
