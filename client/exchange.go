package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/haxii/fastconduit/bytebufferpool"
	"github.com/haxii/fastconduit/transport"
	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/http2"
)

// ErrConnectionClosed may be returned if the server closes the connection
// before returning the first response byte.
var ErrConnectionClosed = errors.New("the server closed connection before returning the first response byte")

// how long a request with 'Expect: 100-continue' waits before sending
// its body anyway
const continueTimeout = time.Second

// exchange one request/response run by its own dispatch goroutine
type exchange struct {
	c        *Client
	req      *Request
	producer RequestProducer
	consumer ResponseConsumer
	callback FutureCallback
	future   *Future
	ctl      *ioControl

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     net.Conn
	abortErr error
}

func (ex *exchange) run() {
	defer ex.c.exchangeDone(ex)
	defer ex.cancel()
	resp, err := ex.execute()
	if err != nil {
		if abortErr := ex.aborted(); abortErr != nil {
			err = abortErr
		}
		ex.future.failed(err)
		return
	}
	ex.future.completed(resp)
}

// abort fails the exchange with err, blocked I/O is interrupted
func (ex *exchange) abort(err error) {
	ex.mu.Lock()
	if ex.abortErr == nil {
		ex.abortErr = err
	}
	if ex.conn != nil {
		ex.conn.SetDeadline(aLongTimeAgo)
	}
	ex.mu.Unlock()
	ex.cancel()
	ex.ctl.interrupt()
}

var aLongTimeAgo = time.Unix(1, 0)

func (ex *exchange) aborted() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.abortErr
}

func (ex *exchange) setConn(conn net.Conn) {
	ex.mu.Lock()
	ex.conn = conn
	if conn != nil && ex.abortErr != nil {
		conn.SetDeadline(aLongTimeAgo)
	}
	ex.mu.Unlock()
}

func (ex *exchange) execute() (*Response, error) {
	for attempt := 0; ; attempt++ {
		resp, retry, err := ex.attempt()
		if err == nil {
			return resp, nil
		}
		if !retry || attempt > 0 || ex.aborted() != nil {
			return nil, err
		}
		if ex.producer != nil {
			if !ex.producer.IsRepeatable() {
				return nil, err
			}
			if rerr := ex.producer.ResetRequest(); rerr != nil {
				return nil, err
			}
		}
		log.Debugf("retrying %s %s on a fresh connection: %s", ex.req.method(), ex.req.URL, err)
	}
}

// attempt runs the exchange once, retry is set when a reused connection
// failed before the first response byte
func (ex *exchange) attempt() (resp *Response, retry bool, err error) {
	req := ex.req
	cc, err := ex.c.pool.AcquireConn(ex.ctx, routeKey(req), req.UserToken,
		req.Config.ConnectionRequestTimeout, ex.connect)
	if err != nil {
		return nil, false, err
	}
	ex.setConn(cc.Get())
	defer ex.setConn(nil)

	conn := cc.Get()
	if req.OnSession != nil {
		if tc, ok := conn.(*tls.Conn); ok {
			req.OnSession(tc.ConnectionState())
		}
	}
	if !cc.Reused() && negotiatedHTTP2(req, conn) {
		h2, err := (&http2.Transport{AllowHTTP: true}).NewClientConn(conn)
		if err != nil {
			ex.c.pool.CloseConn(cc)
			return nil, false, errors.Wrap(err, "fail to start HTTP/2")
		}
		cc.SetAttachment(h2)
	}
	if h2, ok := cc.Attachment().(*http2.ClientConn); ok {
		return ex.roundTripHTTP2(cc, h2)
	}
	return ex.roundTripHTTP1(cc)
}

func (ex *exchange) roundTripHTTP1(cc *transport.Conn) (*Response, bool, error) {
	req := ex.req
	c := ex.c
	conn := &timedConn{Conn: cc.Get(), ex: ex, cc: cc,
		readTimeout:  minTimeout(req.Config.ResponseTimeout, c.dialer.SoTimeout),
		writeTimeout: c.dialer.SoTimeout,
	}
	reused := cc.Reused()
	fail := func(err error, retry bool) (*Response, bool, error) {
		c.pool.CloseConn(cc)
		return nil, retry && reused, err
	}

	hasBody := ex.producer != nil
	expectContinue := hasBody && req.Config.ExpectContinue && req.ContentLength != 0
	viaHTTPProxy := parseRequestType(effectiveProxy(req), req.isTLS()) == requestProxyHTTP

	bw := c.bufioPool.AcquireWriter(conn)
	err := writeHead(bw, req, viaHTTPProxy, hasBody, expectContinue)
	if err == nil {
		err = bw.Flush()
	}
	c.bufioPool.ReleaseWriter(bw)
	if err != nil {
		return fail(errors.Wrap(err, "fail to write request head"), true)
	}

	br := c.bufioPool.AcquireReader(conn)
	defer c.bufioPool.ReleaseReader(br)
	var h fasthttp.ResponseHeader
	h.SetNoDefaultContentType(true)

	headRead := false
	bodySent := !hasBody
	if expectContinue {
		final, err := ex.awaitContinue(conn, br, &h)
		if err != nil {
			return fail(err, true)
		}
		headRead = final
	}
	if hasBody && !headRead {
		contentEncoding := encodingFixed
		if req.ContentLength < 0 {
			contentEncoding = encodingChunked
		}
		window := c.windowPool.Get()
		err := ex.writeBody(conn, newBodyEncoder(window, contentEncoding, req.ContentLength))
		c.windowPool.Put(window)
		if err != nil {
			return fail(errors.Wrap(err, "fail to write request body"), true)
		}
		bodySent = true
	}

	if !headRead {
		if err := readResponseHead(br, &h); err != nil {
			if err == io.EOF {
				return fail(ErrConnectionClosed, true)
			}
			return fail(errors.Wrap(err, "fail to read response head"), isConnReset(err))
		}
	}
	resp := makeResponse(&h)
	if err := ex.consumer.ResponseReceived(resp); err != nil {
		return fail(err, false)
	}

	untilClose := false
	if bodyAllowed(req.method(), resp.StatusCode) {
		var body io.Reader
		body, untilClose = bodyReader(br, h.ContentLength())
		if err := ex.feed(body, nil); err != nil {
			return fail(err, false)
		}
	} else if err := ex.consumer.Consume(nil, true, ex.ctl); err != nil {
		return fail(err, false)
	}

	reusable := bodySent && !untilClose && !h.ConnectionClose() &&
		!strings.EqualFold(req.Header.Get("Connection"), "close") && br.Buffered() == 0
	ex.release(cc, reusable)
	return resp, false, nil
}

// awaitContinue waits for the interim response of a request sent with
// 'Expect: 100-continue'. final is set when the server answered with a
// final response instead, which is left in h.
func (ex *exchange) awaitContinue(conn *timedConn, br *bufio.Reader, h *fasthttp.ResponseHeader) (final bool, err error) {
	readTimeout := conn.readTimeout
	conn.setReadTimeout(continueTimeout)
	_, err = br.Peek(1)
	conn.setReadTimeout(readTimeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() && ex.aborted() == nil {
			return false, nil
		}
		return false, err
	}
	if err := h.Read(br); err != nil {
		return false, errors.Wrap(err, "fail to read interim response")
	}
	if h.StatusCode() == http.StatusContinue {
		return false, nil
	}
	if h.StatusCode() < 200 && h.StatusCode() != http.StatusSwitchingProtocols {
		return true, readResponseHead(br, h)
	}
	return true, nil
}

// writeBody drives the producer until the body is complete, flushing the
// encoder window to w after every round
func (ex *exchange) writeBody(w io.Writer, enc *bodyEncoder) error {
	for {
		if err := ex.producer.Produce(enc, ex.ctl); err != nil {
			return err
		}
		if err := enc.flush(w); err != nil {
			return err
		}
		if enc.IsCompleted() {
			return nil
		}
		if err := ex.ctl.waitOutput(ex.c.selectInterval); err != nil {
			return err
		}
	}
}

// feed hands the body to the consumer, waiting while input is suspended.
// beforeRead, if set, is called before every read.
func (ex *exchange) feed(body io.Reader, beforeRead func()) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < ex.c.readChunkSize {
		buf.B = make([]byte, ex.c.readChunkSize)
	}
	p := buf.B[:cap(buf.B)]
	for {
		if err := ex.ctl.waitInput(ex.c.selectInterval); err != nil {
			return err
		}
		if beforeRead != nil {
			beforeRead()
		}
		n, err := body.Read(p)
		last := err == io.EOF
		if err != nil && !last {
			return errors.Wrap(err, "fail to read response body")
		}
		if n > 0 || last {
			if cerr := ex.consumer.Consume(p[:n], last, ex.ctl); cerr != nil {
				return cerr
			}
		}
		if last {
			return nil
		}
	}
}

func (ex *exchange) release(cc *transport.Conn, reusable bool) {
	if reusable {
		cc.Get().SetDeadline(time.Time{})
		cc.LastReadDeadlineTime = time.Time{}
		cc.LastWriteDeadlineTime = time.Time{}
	}
	ex.c.pool.ReleaseConn(cc, reusable)
}

// isConnReset reports a peer that went away while the request was sent
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func minTimeout(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}

// timedConn renews the read and write deadlines before every call,
// unless the exchange was aborted
type timedConn struct {
	net.Conn
	ex *exchange
	cc *transport.Conn

	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *timedConn) setReadTimeout(d time.Duration) {
	c.readTimeout = d
	c.cc.LastReadDeadlineTime = time.Time{}
	if d <= 0 {
		c.Conn.SetReadDeadline(time.Time{})
	}
}

func (c *timedConn) Read(p []byte) (int, error) {
	if err := c.arm(c.readTimeout, &c.cc.LastReadDeadlineTime, c.Conn.SetReadDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *timedConn) Write(p []byte) (int, error) {
	if err := c.arm(c.writeTimeout, &c.cc.LastWriteDeadlineTime, c.Conn.SetWriteDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func (c *timedConn) arm(timeout time.Duration, last *time.Time, set func(time.Time) error) error {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()
	if c.ex.abortErr != nil {
		return c.ex.abortErr
	}
	if timeout <= 0 {
		return nil
	}
	// Optimization: update the deadline only if more than 25%
	// of the last deadline exceeded.
	// See https://github.com/golang/go/issues/15133 for details.
	currentTime := time.Now()
	if currentTime.Sub(*last) > (timeout >> 2) {
		if err := set(currentTime.Add(timeout)); err != nil {
			return err
		}
		*last = currentTime
	}
	return nil
}
