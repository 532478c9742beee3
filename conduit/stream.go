package conduit

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/haxii/fastconduit/buffer"
	"github.com/haxii/fastconduit/bytebufferpool"
	"github.com/haxii/fastconduit/cache"
	"github.com/haxii/fastconduit/transport"
	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
)

// State of the current attempt of an exchange
type State int32

// attempt states, the last three are terminal
const (
	StateInit State = iota
	StateConnecting
	StateWriting
	StateAwaitingResponse
	StateReceived
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateWriting:
		return "WRITING"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateReceived:
		return "RECEIVED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	}
	return "INIT"
}

func (s State) terminal() bool {
	return s >= StateReceived
}

// how often a response continuation is offered to a saturated work queue
// before its chunk is buffered anyway
const consumeRetries = 8

// transmission one attempt of sending the request, asynchronously
// through a pooled client or through the sync fallback
type transmission interface {
	// start begins the exchange, contentLength -1 sends the body chunked
	start(contentLength int64) error
	Write(p []byte) (int, error)
	flush() error
	// complete marks the end of the body
	complete() error
	// await waits for the response head or the end of the exchange
	await(ctx context.Context) (*Response, error)
	// abort fails the attempt with err, releasing everything it holds
	abort(err error)
	cancel() bool
	state() State
	failure() error
	tlsInfo(ctx context.Context) (*TLSSessionInfo, error)
	// done is closed once the attempt no longer touches the request body
	done() <-chan struct{}
}

// OutputStream body of one request. Bytes written are framed with a
// fixed length or chunked, and Response returns the answer.
//
// Write, Flush and Close belong to a single goroutine, the other methods
// may be called from any goroutine.
type OutputStream struct {
	conduit *Conduit
	msg     *Message
	policy  *ClientPolicy
	async   bool
	ctx     context.Context

	method             string
	url                *url.URL
	header             http.Header
	authorization      string
	proxyAuthorization string

	bufSize     int
	fixedLength int64
	chunking    bool
	threshold   int
	pending     *bytebufferpool.ByteBuffer
	chunked     bool
	written     int64
	cache       *cache.CachedOutputStream

	mu      sync.Mutex
	cur     transmission
	started bool

	closed   bool
	closeErr error
	closedCh chan struct{}

	retransmits int
	visited     map[string]bool
	authSeen    map[string]bool

	respMu    sync.Mutex
	responded bool
	resp      *Response
	respErr   error

	contMu       sync.Mutex
	contQueued   bool
	contDeferred bool
}

func newOutputStream(c *Conduit, msg *Message, u *url.URL, policy *ClientPolicy, async bool) (*OutputStream, error) {
	s := &OutputStream{
		conduit:   c,
		msg:       msg,
		policy:    policy,
		async:     async,
		ctx:       msg.Context,
		method:    strings.ToUpper(msg.Method),
		url:       u,
		bufSize:   policy.ChunkLength,
		chunking:  policy.AllowChunking,
		threshold: policy.threshold(),
		pending:   bytebufferpool.Get(),
		closedCh:  make(chan struct{}),
		visited:   map[string]bool{u.String(): true},
		authSeen:  make(map[string]bool),
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if len(s.method) == 0 {
		s.method = http.MethodPost
	}
	if s.bufSize <= 0 {
		s.bufSize = buffer.DefaultBufferSize
	}
	if msg.ContentLengthHint > 0 {
		s.fixedLength = msg.ContentLengthHint
	}

	s.header = msg.Header.Clone()
	if s.header == nil {
		s.header = http.Header{}
	}
	if len(msg.ContentType) > 0 {
		s.header.Set("Content-Type", msg.ContentType)
	}
	if len(policy.AcceptEncoding) > 0 && len(s.header.Get("Accept-Encoding")) == 0 {
		s.header.Set("Accept-Encoding", policy.AcceptEncoding)
	}
	if !policy.keepAlive() {
		s.header.Set("Connection", "close")
	}
	if len(s.header.Get("Authorization")) == 0 {
		s.authorization = s.preemptiveAuthorization(u)
	}
	if s.needsCache() {
		s.cache = &cache.CachedOutputStream{}
	}
	return s, nil
}

// needsCache reports whether the body must be kept for a retransmit or
// for a fixed length send at close
func (s *OutputStream) needsCache() bool {
	return !s.chunking || s.policy.AutoRedirect ||
		s.conduit.endpoint.AuthSupplier != nil ||
		len(s.conduit.authPolicy(s.msg).header()) > 0
}

func (s *OutputStream) newTransmission(u *url.URL, replay *cache.CachedOutputStream) (transmission, error) {
	if s.async {
		return newAsyncAttempt(s, u, replay), nil
	}
	st, err := s.conduit.syncTransport(s.policy, s.msg, u)
	if err != nil {
		return nil, err
	}
	return newSyncAttempt(s, st, u, replay), nil
}

func (s *OutputStream) startAttempt(contentLength int64, replay *cache.CachedOutputStream) error {
	t, err := s.newTransmission(s.url, replay)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = t
	s.started = true
	s.mu.Unlock()
	return t.start(contentLength)
}

func (s *OutputStream) current() transmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Write implements io.Writer
func (s *OutputStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, buffer.ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.cache != nil {
		if _, err := s.cache.Write(p); err != nil {
			return 0, err
		}
	}
	s.written += int64(len(p))
	switch {
	case s.started:
		return s.write(p)
	case s.fixedLength > 0:
		if err := s.startAttempt(s.fixedLength, nil); err != nil {
			return 0, err
		}
		return s.write(p)
	case !s.chunking:
		return len(p), nil
	}

	s.pending.Write(p)
	if s.pending.Len() <= s.threshold {
		return len(p), nil
	}
	s.chunked = true
	if err := s.startAttempt(-1, nil); err != nil {
		return 0, err
	}
	if _, err := s.write(s.pending.B); err != nil {
		return 0, err
	}
	s.pending.Reset()
	return len(p), nil
}

func (s *OutputStream) write(p []byte) (int, error) {
	t := s.current()
	n, err := t.Write(p)
	if err != nil {
		if cause := t.failure(); cause != nil {
			return n, cause
		}
		return n, err
	}
	return n, nil
}

// Flush hands buffered bytes to the connection, it does not start the
// exchange while the framing is undecided
func (s *OutputStream) Flush() error {
	if !s.started {
		return nil
	}
	return s.current().flush()
}

// Close ends the body, starting the exchange if no byte was sent yet.
// Closing again is a no-op returning the first result.
func (s *OutputStream) Close() error {
	if s.closed {
		return s.closeErr
	}
	s.closed = true
	defer close(s.closedCh)
	if s.cache != nil {
		s.cache.Close()
	}
	s.closeErr = s.finish()
	bytebufferpool.Put(s.pending)
	s.pending = nil
	if s.closeErr != nil {
		s.scheduleContinuation(true)
	}
	return s.closeErr
}

func (s *OutputStream) finish() error {
	if !s.started {
		var err error
		if !s.chunking && s.fixedLength <= 0 {
			err = s.startAttempt(s.cache.Size(), s.cache)
		} else {
			err = s.startAttempt(int64(s.pending.Len()), nil)
			if err == nil && s.pending.Len() > 0 {
				_, err = s.write(s.pending.B)
			}
		}
		if err != nil {
			return err
		}
	}
	t := s.current()
	if err := t.complete(); err != nil {
		if cause := t.failure(); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

// Chunked reports whether the body went out chunked
func (s *OutputStream) Chunked() bool {
	return s.chunked
}

// State of the current attempt
func (s *OutputStream) State() State {
	t := s.current()
	if t == nil {
		return StateInit
	}
	return t.state()
}

// Exchange handle cancelling the exchange from another goroutine
type Exchange struct {
	s *OutputStream
}

// Exchange returns the handle of the exchange
func (s *OutputStream) Exchange() *Exchange {
	return &Exchange{s: s}
}

// Cancel aborts the current attempt, Response then returns an empty
// cancelled response. It reports false if nothing was cancelled.
func (e *Exchange) Cancel() bool {
	t := e.s.current()
	if t == nil {
		return false
	}
	return t.cancel()
}

// State of the current attempt
func (e *Exchange) State() State {
	return e.s.State()
}

// TLSConnectionInfo waits up to the connection timeout for the TLS session
// of the current attempt, nil for plain http
func (s *OutputStream) TLSConnectionInfo() (*TLSSessionInfo, error) {
	t := s.current()
	if t == nil {
		return nil, errors.New("exchange not started")
	}
	ctx := s.ctx
	if timeout := s.policy.ConnectionTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return t.tlsInfo(ctx)
}

// Response closes the stream if needed and waits for the response,
// following redirects and answering auth challenges when configured.
// Every call returns the same result.
func (s *OutputStream) Response() (*Response, error) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	if !s.responded {
		s.responded = true
		s.resp, s.respErr = s.response()
	}
	return s.resp, s.respErr
}

func (s *OutputStream) response() (*Response, error) {
	if !s.closed {
		s.Close()
	}
	defer s.release()
	for {
		t := s.current()
		if t == nil {
			return nil, s.closeErr
		}
		resp, err := s.await(t)
		if err != nil {
			return nil, err
		}
		if resp.Cancelled {
			return resp, nil
		}
		s.conduit.storeCookies(s.policy, resp.URL, resp.Header)

		next, err := s.retransmitTarget(resp)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if next == nil {
			return resp, nil
		}
		if err := s.retransmit(resp, next); err != nil {
			return nil, err
		}
	}
}

func (s *OutputStream) await(t transmission) (*Response, error) {
	ctx := s.ctx
	timeout := s.policy.ReceiveTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := t.await(ctx)
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		if s.ctx.Err() == nil {
			err = errors.Wrapf(ErrReadTimeout, "no response from %s within %s", s.url, timeout)
		}
		t.abort(err)
		return nil, err
	}
	return nil, err
}

// retransmit drains resp and sends the cached body again to next
func (s *OutputStream) retransmit(resp *Response, next *url.URL) error {
	if _, err := transport.Forward(io.Discard, resp.Body); err != nil {
		log.Debugf("fail to drain response of %s: %s", s.url, err)
	}
	resp.Body.Close()

	replay := s.cache
	if s.bodyless() {
		replay = nil
	} else if replay == nil || !replay.IsComplete() {
		return errors.Wrapf(ErrNotRetransmittable, "%d from %s", resp.StatusCode, s.url)
	}
	s.retransmits++
	log.Debugf("retransmitting %s %s to %s after %d", s.method, s.url, next, resp.StatusCode)
	s.url = next

	length := int64(0)
	if replay != nil {
		length = replay.Size()
	}
	if err := s.startAttempt(length, replay); err != nil {
		return err
	}
	return s.current().complete()
}

// bodyless reports whether the next attempt carries no body
func (s *OutputStream) bodyless() bool {
	return s.written == 0 || s.method == http.MethodGet || s.method == http.MethodHead
}

// release drops the cached body once the last attempt stopped reading it
func (s *OutputStream) release() {
	if s.cache == nil {
		return
	}
	t := s.current()
	if t == nil {
		s.cache.Release()
		return
	}
	go func() {
		<-t.done()
		s.cache.Release()
	}()
}

// requestHeader header of the next attempt to u
func (s *OutputStream) requestHeader(u *url.URL) http.Header {
	h := s.header.Clone()
	if len(s.authorization) > 0 {
		h.Set("Authorization", s.authorization)
	}
	if len(s.proxyAuthorization) > 0 {
		h.Set("Proxy-Authorization", s.proxyAuthorization)
	}
	s.conduit.addCookies(s.policy, u, h)
	return h
}

// scheduleContinuation queues the OnResponse continuation once. The
// first body chunk offers it consumeRetries times. A saturated queue
// defers it to the end of the exchange, where a plain goroutine takes
// it if the queue is still full.
func (s *OutputStream) scheduleContinuation(final bool) {
	if s.msg.OnResponse == nil {
		return
	}
	s.contMu.Lock()
	defer s.contMu.Unlock()
	if s.contQueued || (s.contDeferred && !final) {
		return
	}
	var queue *WorkQueue
	if s.conduit.factory != nil {
		queue = s.conduit.factory.WorkQueue()
	}
	retries := consumeRetries
	if final {
		retries = 1
	}
	for i := 0; queue != nil && i < retries; i++ {
		if i > 0 {
			runtime.Gosched()
			time.Sleep(time.Millisecond)
		}
		err := queue.Submit(s.runContinuation)
		if err == nil {
			s.contQueued = true
			return
		}
		if err == ErrQueueClosed {
			break
		}
	}
	if !final && queue != nil {
		s.contDeferred = true
		log.Debugf("work queue is full, continuation of %s deferred", s.url)
		return
	}
	s.contQueued = true
	go runTask(s.runContinuation)
}

func (s *OutputStream) runContinuation() {
	<-s.closedCh
	s.msg.OnResponse(s.Response())
}

// preemptiveAuthorization the Authorization value sent without waiting
// for a challenge
func (s *OutputStream) preemptiveAuthorization(u *url.URL) string {
	policy := s.conduit.authPolicy(s.msg)
	if v := policy.header(); len(v) > 0 {
		return v
	}
	if supplier := s.conduit.endpoint.AuthSupplier; supplier != nil {
		return supplier.PreemptiveAuthorization(policy, u)
	}
	return ""
}
