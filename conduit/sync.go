package conduit

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haxii/fastconduit/cache"
	"github.com/haxii/fastconduit/superproxy"
	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
)

// keep-alive probe period of sync fallback sockets
const syncKeepAlivePeriod = 30 * time.Second

// socketSettings factory settings the sync fallback follows
type socketSettings struct {
	soTimeout   time.Duration
	keepAlive   bool
	maxIdle     time.Duration
	maxPerRoute int
}

func defaultSocketSettings() socketSettings {
	cfg := defaultFactoryConfig()
	return socketSettings{
		soTimeout:   cfg.socket.SoTimeout,
		keepAlive:   cfg.socket.SoKeepAlive,
		maxIdle:     cfg.maxIdle,
		maxPerRoute: cfg.maxPerRoute,
	}
}

// syncKey identifies the settings a sync transport was built for
type syncKey struct {
	policy    uint64
	tls       uint64
	authority string
}

// syncOptions what a sync transport is built from
type syncOptions struct {
	policy *ClientPolicy
	params *TLSClientParameters
	tc     *tlsContext
	proxy  *superproxy.SuperProxy
	// proxyPolicy carries the proxy credentials
	proxyPolicy *ClientPolicy
	settings    socketSettings
}

// syncTransport net/http client used whenever a request cannot go through
// the asynchronous engine
type syncTransport struct {
	key       syncKey
	tc        *tlsContext
	transport *http.Transport
	client    *http.Client
}

func newSyncTransport(key syncKey, opts syncOptions) *syncTransport {
	policy := opts.policy
	dialer := &net.Dialer{
		Timeout:   policy.ConnectionTimeout,
		KeepAlive: syncKeepAlivePeriod,
	}
	if !opts.settings.keepAlive {
		dialer.KeepAlive = -1
	}
	responseHeaderTimeout := policy.ReceiveTimeout
	if responseHeaderTimeout <= 0 {
		responseHeaderTimeout = opts.settings.soTimeout
	}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   opts.settings.maxPerRoute,
		IdleConnTimeout:       opts.settings.maxIdle,
		TLSHandshakeTimeout:   policy.ConnectionTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     !policy.keepAlive(),
		DisableCompression:    true,
		ForceAttemptHTTP2:     policy.Version == "2.0",
	}
	if opts.tc != nil {
		tr.TLSClientConfig = opts.tc.config
	}
	if opts.params != nil && opts.params.SocketFactory != nil {
		tr.DialContext = opts.params.SocketFactory
	}
	if opts.proxy != nil {
		proxyURL := syncProxyURL(opts.proxy, opts.proxyPolicy)
		proxy := opts.proxy
		tr.Proxy = func(req *http.Request) (*url.URL, error) {
			if proxy.Bypass(req.URL.Hostname()) {
				return nil, nil
			}
			return proxyURL, nil
		}
	}
	return &syncTransport{
		key:       key,
		tc:        opts.tc,
		transport: tr,
		client: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// syncProxyURL the proxy address in the form net/http takes it
func syncProxyURL(proxy *superproxy.SuperProxy, policy *ClientPolicy) *url.URL {
	u := &url.URL{Host: proxy.HostWithPort()}
	switch proxy.GetProxyType() {
	case superproxy.ProxyTypeHTTPS:
		u.Scheme = "https"
	case superproxy.ProxyTypeSOCKS5:
		u.Scheme = "socks5"
	default:
		u.Scheme = "http"
	}
	if policy != nil && len(policy.ProxyUserName) > 0 {
		u.User = url.UserPassword(policy.ProxyUserName, policy.ProxyPassword)
	}
	return u
}

func (st *syncTransport) close() {
	st.transport.CloseIdleConnections()
}

// syncAttempt one attempt sent through the sync fallback. The body is
// streamed through a pipe while the request runs on its own goroutine.
type syncAttempt struct {
	s      *OutputStream
	t      *syncTransport
	u      *url.URL
	replay *cache.CachedOutputStream

	ctx  context.Context
	stop context.CancelFunc
	pw   *io.PipeWriter

	st        atomic.Int32
	cancelled atomic.Bool

	mu   sync.Mutex
	resp *http.Response
	err  error

	// closed once the request returned
	ready chan struct{}
	// closed once the request body was closed
	bodyDone     chan struct{}
	bodyDoneOnce sync.Once
}

func newSyncAttempt(s *OutputStream, t *syncTransport, u *url.URL, replay *cache.CachedOutputStream) *syncAttempt {
	a := &syncAttempt{
		s:        s,
		t:        t,
		u:        u,
		replay:   replay,
		ready:    make(chan struct{}),
		bodyDone: make(chan struct{}),
	}
	a.ctx, a.stop = context.WithCancel(s.ctx)
	return a
}

// signalBody closes bodyDone when the transport closes the request body
type signalBody struct {
	io.Reader
	closer io.Closer
	a      *syncAttempt
}

func (b *signalBody) Close() error {
	var err error
	if b.closer != nil {
		err = b.closer.Close()
	}
	b.a.bodyDoneOnce.Do(func() { close(b.a.bodyDone) })
	return err
}

func (a *syncAttempt) start(contentLength int64) error {
	a.setState(StateConnecting)
	var body io.ReadCloser
	switch {
	case a.replay != nil && contentLength != 0:
		r, err := a.replay.Reader()
		if err != nil {
			a.fail(err)
			return err
		}
		body = &signalBody{Reader: r, closer: r, a: a}
	case contentLength == 0:
		a.bodyDoneOnce.Do(func() { close(a.bodyDone) })
	default:
		pr, pw := io.Pipe()
		a.pw = pw
		body = &signalBody{Reader: pr, closer: pr, a: a}
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = body
	}
	req, err := http.NewRequestWithContext(a.ctx, a.s.method, a.u.String(), reqBody)
	if err != nil {
		err = errors.Wrapf(err, "invalid request to %s", a.u)
		a.fail(err)
		return err
	}
	req.Header = a.s.requestHeader(a.u)
	if contentLength > 0 {
		req.ContentLength = contentLength
	}
	if a.replay != nil && contentLength != 0 {
		replay := a.replay
		req.GetBody = func() (io.ReadCloser, error) {
			return replay.Reader()
		}
	}
	go a.run(req)
	a.setState(StateWriting)
	return nil
}

func (a *syncAttempt) run(req *http.Request) {
	resp, err := a.t.client.Do(req)
	a.mu.Lock()
	if err != nil {
		if a.err == nil {
			a.err = errors.Wrapf(err, "fail to send %s %s", req.Method, a.u)
		}
	} else {
		a.resp = resp
	}
	a.mu.Unlock()
	if err != nil {
		if a.pw != nil {
			a.pw.CloseWithError(err)
		}
		a.setTerminal(StateFailed)
	} else {
		if resp.TLS != nil && a.t.tc != nil {
			a.s.conduit.tls.negotiated(a.t.tc, a.u)
		}
		a.setTerminal(StateReceived)
	}
	close(a.ready)
	a.s.scheduleContinuation(true)
}

func (a *syncAttempt) Write(p []byte) (int, error) {
	if a.pw == nil {
		return 0, errors.Errorf("request to %s takes no more body bytes", a.u)
	}
	return a.pw.Write(p)
}

func (a *syncAttempt) flush() error {
	return nil
}

func (a *syncAttempt) complete() error {
	if a.pw != nil {
		a.pw.Close()
	}
	a.setState(StateAwaitingResponse)
	return nil
}

func (a *syncAttempt) await(ctx context.Context) (*Response, error) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.cancelled.Load() {
		a.mu.Lock()
		if a.resp != nil {
			a.resp.Body.Close()
		}
		a.mu.Unlock()
		return cancelledResponse(a.u), nil
	}
	a.mu.Lock()
	resp, err := a.resp, a.err
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r := &Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Proto:         resp.Proto,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          &syncBody{ReadCloser: resp.Body, a: a},
		URL:           a.u,
	}
	if len(r.Status) == 0 {
		r.Status = makeStatus(resp.StatusCode, "")
	}
	if resp.TLS != nil {
		r.TLS = makeTLSSessionInfo(*resp.TLS, a.t.tc)
	}
	return r, nil
}

func (a *syncAttempt) abort(err error) {
	a.fail(err)
	a.stop()
}

func (a *syncAttempt) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
	a.setTerminal(StateFailed)
	if a.pw != nil {
		a.pw.CloseWithError(err)
	}
}

func (a *syncAttempt) cancel() bool {
	if !a.cancelled.CompareAndSwap(false, true) {
		return false
	}
	a.setTerminal(StateCancelled)
	a.stop()
	if a.pw != nil {
		a.pw.CloseWithError(context.Canceled)
	}
	log.Debugf("cancelled sync request to %s", a.u)
	return true
}

func (a *syncAttempt) state() State {
	return State(a.st.Load())
}

func (a *syncAttempt) setState(to State) {
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

func (a *syncAttempt) setTerminal(to State) bool {
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

func (a *syncAttempt) failure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *syncAttempt) tlsInfo(ctx context.Context) (*TLSSessionInfo, error) {
	if a.t.tc == nil {
		return nil, nil
	}
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for the TLS session")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resp == nil || a.resp.TLS == nil {
		if a.err != nil {
			return nil, a.err
		}
		return nil, errors.New("no TLS session was negotiated")
	}
	return makeTLSSessionInfo(*a.resp.TLS, a.t.tc), nil
}

func (a *syncAttempt) done() <-chan struct{} {
	return a.bodyDone
}
