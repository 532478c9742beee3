package conduit

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/haxii/fastconduit/buffer"
	"github.com/haxii/fastconduit/cache"
	"github.com/haxii/fastconduit/client"
	"github.com/pkg/errors"
)

// asyncAttempt one attempt sent through the pooled client of the policy.
// Body bytes go through a shared output buffer, the response comes back
// through a shared input buffer.
type asyncAttempt struct {
	s      *OutputStream
	u      *url.URL
	replay *cache.CachedOutputStream
	out    *buffer.SharedOutputBuffer
	in     *buffer.SharedInputBuffer
	tc     *tlsContext

	st        atomic.Int32
	cancelled atomic.Bool

	mu     sync.Mutex
	future *client.Future
	resp   *client.Response
	err    error
	cs     *tls.ConnectionState

	// closed once the head arrived or the attempt ended
	ready      chan struct{}
	readyOnce  sync.Once
	session    chan struct{}
	sessionSet sync.Once
	// closed when the attempt could not even start
	startFailed chan struct{}
}

func newAsyncAttempt(s *OutputStream, u *url.URL, replay *cache.CachedOutputStream) *asyncAttempt {
	return &asyncAttempt{
		s:           s,
		u:           u,
		replay:      replay,
		out:         buffer.NewSharedOutputBuffer(s.bufSize),
		in:          buffer.NewSharedInputBuffer(s.bufSize),
		ready:       make(chan struct{}),
		session:     make(chan struct{}),
		startFailed: make(chan struct{}),
	}
}

func (a *asyncAttempt) start(contentLength int64) error {
	s := a.s
	a.setState(StateConnecting)
	cl, err := s.conduit.factory.Client(s.policy)
	if err != nil {
		a.failStart(err)
		return err
	}
	proxy, err := s.conduit.proxyFor(s.policy, s.msg)
	if err != nil {
		a.failStart(err)
		return err
	}
	req := &client.Request{
		Method:        s.method,
		URL:           a.u,
		Header:        s.requestHeader(a.u),
		ContentLength: contentLength,
		Proxy:         proxy,
		HTTP2:         s.policy.Version == "2.0",
		Config: client.RequestConfig{
			ConnectTimeout:           s.policy.ConnectionTimeout,
			ConnectionRequestTimeout: s.policy.ConnectionRequestTimeout,
			ResponseTimeout:          s.policy.ReceiveTimeout,
		},
	}
	if a.u.Scheme == "https" {
		tc, strategy, leaseState := s.conduit.tls.strategy(s.conduit.tlsParams(s.msg), a.u)
		a.tc = tc
		req.TLS = strategy
		req.UserToken = leaseState
		req.OnSession = func(cs tls.ConnectionState) {
			s.conduit.tls.negotiated(tc, a.u)
			a.negotiated(cs)
		}
	}

	var producer client.RequestProducer
	if contentLength != 0 {
		producer = newRequestProducer(a.out, a.replay)
	}
	future := cl.Execute(req, producer, &responseConsumer{a: a}, nil)
	a.mu.Lock()
	a.future = future
	a.mu.Unlock()
	a.setState(StateWriting)
	return nil
}

func (a *asyncAttempt) failStart(err error) {
	a.fail(err)
	close(a.startFailed)
}

func (a *asyncAttempt) Write(p []byte) (int, error) {
	if a.replay != nil {
		return 0, buffer.ErrStreamClosed
	}
	return a.out.Write(p)
}

func (a *asyncAttempt) flush() error {
	return a.out.Flush()
}

func (a *asyncAttempt) complete() error {
	if err := a.failure(); err != nil {
		return err
	}
	if err := a.out.WriteCompleted(); err != nil {
		return err
	}
	a.setState(StateAwaitingResponse)
	return nil
}

func (a *asyncAttempt) await(ctx context.Context) (*Response, error) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.state() == StateCancelled {
		return cancelledResponse(a.u), nil
	}
	a.mu.Lock()
	resp, err := a.resp, a.err
	a.mu.Unlock()
	if resp == nil {
		if err == nil {
			err = errors.Errorf("exchange with %s ended without response", a.u)
		}
		return nil, err
	}
	r := responseFromClient(resp, &inputBody{in: a.in, a: a}, a.u)
	if a.tc != nil {
		a.mu.Lock()
		if a.cs != nil {
			r.TLS = makeTLSSessionInfo(*a.cs, a.tc)
		}
		a.mu.Unlock()
	}
	return r, nil
}

func (a *asyncAttempt) abort(err error) {
	a.fail(err)
	a.mu.Lock()
	future := a.future
	a.mu.Unlock()
	if future != nil {
		future.Cancel()
	}
}

func (a *asyncAttempt) cancel() bool {
	a.mu.Lock()
	future := a.future
	a.mu.Unlock()
	if future == nil {
		return false
	}
	return future.Cancel()
}

func (a *asyncAttempt) state() State {
	return State(a.st.Load())
}

// setState moves to a non terminal state unless the attempt already ended
func (a *asyncAttempt) setState(to State) {
	for {
		cur := State(a.st.Load())
		if cur.terminal() || cur >= to {
			return
		}
		if a.st.CompareAndSwap(int32(cur), int32(to)) {
			return
		}
	}
}

// setTerminal ends the attempt in to, it reports false if the attempt
// already ended
func (a *asyncAttempt) setTerminal(to State) bool {
	for {
		cur := State(a.st.Load())
		if cur.terminal() {
			return false
		}
		if a.st.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

func (a *asyncAttempt) received(resp *client.Response) {
	a.mu.Lock()
	if a.resp == nil {
		a.resp = resp
	}
	a.mu.Unlock()
	a.setTerminal(StateReceived)
	a.signal()
}

// fail captures err, a failure after the head fails the body reads
func (a *asyncAttempt) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
	a.setTerminal(StateFailed)
	a.out.Shutdown()
	a.in.Shutdown()
	a.signal()
}

func (a *asyncAttempt) failure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *asyncAttempt) signal() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *asyncAttempt) negotiated(cs tls.ConnectionState) {
	a.mu.Lock()
	a.cs = &cs
	a.mu.Unlock()
	a.sessionSet.Do(func() { close(a.session) })
}

func (a *asyncAttempt) tlsInfo(ctx context.Context) (*TLSSessionInfo, error) {
	if a.tc == nil {
		return nil, nil
	}
	select {
	case <-a.session:
	case <-a.ready:
		select {
		case <-a.session:
		default:
			if err := a.failure(); err != nil {
				return nil, err
			}
			return nil, errors.New("no TLS session was negotiated")
		}
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for the TLS session")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return makeTLSSessionInfo(*a.cs, a.tc), nil
}

func (a *asyncAttempt) done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.future == nil {
		return a.startFailed
	}
	return a.future.Done()
}
