package client

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haxii/fastconduit/buffer"
	"github.com/haxii/fastconduit/superproxy"
)

// RequestProducer streams the request body of one exchange.
//
// Produce is called by the dispatcher whenever output is requested, it
// writes what it has into enc without waiting and completes enc once the
// body ends.
type RequestProducer interface {
	Produce(enc buffer.ContentEncoder, ioctrl buffer.IOControl) error
	// IsRepeatable reports whether ResetRequest can replay the body
	IsRepeatable() bool
	ResetRequest() error
	Failed(err error)
}

// ResponseConsumer receives the response of one exchange.
//
// ResponseReceived is called exactly once, before any body bytes are
// passed to Consume. Consume must take p completely, the last call has
// last set and may carry no bytes.
type ResponseConsumer interface {
	ResponseReceived(resp *Response) error
	Consume(p []byte, last bool, ioctrl buffer.IOControl) error
	Failed(err error)
	Cancel() bool
}

// FutureCallback is notified once an exchange ends
type FutureCallback interface {
	Completed(resp *Response)
	Failed(err error)
	Cancelled()
}

// RequestConfig per request timeouts
type RequestConfig struct {
	// ConnectTimeout bounds the dial, the proxy tunnel and the TLS handshake
	ConnectTimeout time.Duration
	// ConnectionRequestTimeout bounds the wait for a pooled connection
	ConnectionRequestTimeout time.Duration
	// ResponseTimeout bounds every single read of the response
	ResponseTimeout time.Duration
	// ExpectContinue sends 'Expect: 100-continue' before a request body
	ExpectContinue bool
}

// Request http request executed by the client
type Request struct {
	// Method request method in UPPER case, GET if not set
	Method string
	URL    *url.URL
	Header http.Header
	// ContentLength request body length, -1 sends the body chunked.
	// It is ignored without a producer.
	ContentLength int64

	// Proxy super proxy the request goes through, nil for a direct connection
	Proxy *superproxy.SuperProxy
	// TLS upgrades https connections, DefaultTLSStrategy is used if not set
	TLS    TLSStrategy
	Config RequestConfig

	// UserToken state of the leased connection, connections established
	// for another token are not reused
	UserToken string
	// HTTP2 negotiates HTTP/2, via ALPN for https and with prior knowledge
	// for http
	HTTP2 bool
	// OnSession is called with the TLS state of every connection the
	// request is sent on
	OnSession func(tls.ConnectionState)
}

func (r *Request) method() string {
	if len(r.Method) == 0 {
		return http.MethodGet
	}
	return r.Method
}

func (r *Request) isTLS() bool {
	return strings.EqualFold(r.URL.Scheme, "https")
}

// hostWithPort target host with its port, the default port is added if
// missing
func (r *Request) hostWithPort() string {
	port := r.URL.Port()
	if len(port) == 0 {
		port = defaultHTTPPort
		if r.isTLS() {
			port = defaultHTTPSPort
		}
	}
	return net.JoinHostPort(r.URL.Hostname(), port)
}

// hostHeader Host header value, the default port is left out
func (r *Request) hostHeader() string {
	port := r.URL.Port()
	if (port == defaultHTTPPort && !r.isTLS()) || (port == defaultHTTPSPort && r.isTLS()) {
		return strings.TrimSuffix(r.URL.Host, ":"+port)
	}
	return r.URL.Host
}

func (r *Request) tlsStrategy() TLSStrategy {
	if r.TLS == nil {
		return DefaultTLSStrategy
	}
	return r.TLS
}

// Response http response head
type Response struct {
	StatusCode int
	Reason     string
	Proto      string
	Header     http.Header
	// ContentLength body length, -1 if unknown
	ContentLength int64
}
