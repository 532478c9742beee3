package client

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/haxii/fastconduit/transport"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// roundTripHTTP2 sends the exchange as one stream of h2, the producer
// feeds the request body through a pipe
func (ex *exchange) roundTripHTTP2(cc *transport.Conn, h2 *http2.ClientConn) (*Response, bool, error) {
	req := ex.req
	c := ex.c
	if !h2.CanTakeNewRequest() {
		c.pool.CloseConn(cc)
		return nil, true, errors.New("HTTP/2 connection no longer takes requests")
	}

	hreq, err := http.NewRequestWithContext(ex.ctx, req.method(), req.URL.String(), nil)
	if err != nil {
		c.pool.ReleaseConn(cc, true)
		return nil, false, errors.Wrap(err, "invalid HTTP/2 request")
	}
	if req.Header != nil {
		hreq.Header = req.Header.Clone()
	}
	hreq.Host = req.hostHeader()

	var (
		produced chan error
		pr       *io.PipeReader
	)
	if ex.producer != nil {
		var pw *io.PipeWriter
		pr, pw = io.Pipe()
		defer pr.Close()
		hreq.Body = pr
		hreq.ContentLength = req.ContentLength
		contentEncoding := encodingFixed
		if req.ContentLength < 0 {
			contentEncoding = encodingRaw
		}
		produced = make(chan error, 1)
		go func() {
			window := c.windowPool.Get()
			err := ex.writeBody(pw, newBodyEncoder(window, contentEncoding, req.ContentLength))
			c.windowPool.Put(window)
			pw.CloseWithError(err)
			produced <- err
		}()
	}
	// stopBody ends the body goroutine and waits for it, the producer is
	// not touched by it any more afterwards
	stopBody := func(cause error, retrying bool) {
		if produced == nil {
			return
		}
		pr.CloseWithError(cause)
		if !retrying {
			ex.ctl.interrupt()
		}
		<-produced
		produced = nil
	}

	// a watchdog renewed before every read bounds the response wait
	var (
		watchdog *time.Timer
		timedOut atomic.Bool
	)
	readTimeout := minTimeout(req.Config.ResponseTimeout, c.dialer.SoTimeout)
	if readTimeout > 0 {
		watchdog = time.AfterFunc(readTimeout, func() {
			timedOut.Store(true)
			ex.cancel()
		})
		defer watchdog.Stop()
	}
	timeoutErr := func(err error) error {
		if timedOut.Load() {
			return errors.Wrap(transport.ErrTimeout, "HTTP/2 response timed out")
		}
		return err
	}
	renew := func() {
		if watchdog != nil {
			watchdog.Reset(readTimeout)
		}
	}

	hresp, err := h2.RoundTrip(hreq)
	if err != nil {
		c.pool.CloseConn(cc)
		retry := cc.Reused() && (ex.producer == nil || ex.producer.IsRepeatable())
		err = timeoutErr(errors.Wrap(err, "HTTP/2 round trip failed"))
		stopBody(err, retry)
		return nil, retry, err
	}
	defer hresp.Body.Close()
	renew()

	resp := &Response{
		StatusCode:    hresp.StatusCode,
		Reason:        http.StatusText(hresp.StatusCode),
		Proto:         hresp.Proto,
		Header:        hresp.Header,
		ContentLength: hresp.ContentLength,
	}
	if err := ex.consumer.ResponseReceived(resp); err != nil {
		c.pool.CloseConn(cc)
		return nil, false, err
	}
	if bodyAllowed(req.method(), resp.StatusCode) {
		if err := ex.feed(hresp.Body, renew); err != nil {
			c.pool.CloseConn(cc)
			return nil, false, timeoutErr(err)
		}
	} else if err := ex.consumer.Consume(nil, true, ex.ctl); err != nil {
		c.pool.CloseConn(cc)
		return nil, false, err
	}

	if produced != nil {
		// a body cut short by the answer fails the producer, a writer
		// still feeding it must not wait for a reader that is gone
		early := errors.Errorf("%s answered %d before the request body was sent",
			req.URL.Host, resp.StatusCode)
		select {
		case err := <-produced:
			produced = nil
			if errors.Is(err, io.ErrClosedPipe) {
				ex.producer.Failed(early)
			} else if err != nil {
				c.pool.CloseConn(cc)
				return nil, false, errors.Wrap(err, "fail to write request body")
			}
		default:
			stopBody(early, false)
			ex.producer.Failed(early)
		}
	}
	ex.release(cc, h2.CanTakeNewRequest())
	return resp, false, nil
}
