package conduit

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/haxii/fastconduit/buffer"
	"github.com/haxii/fastconduit/client"
	"github.com/pkg/errors"
)

var (
	// ErrReadTimeout no response arrived within the receive timeout
	ErrReadTimeout = errors.New("read timed out")
	// ErrNotRetransmittable the request has to be sent again but its body
	// was not cached completely
	ErrNotRetransmittable = errors.New("request body is not retransmittable")
	// ErrRedirectLoop a redirect points to an address already visited
	ErrRedirectLoop = errors.New("redirect loop detected")
	// ErrAuthLoop the same realm of the same address challenged twice
	ErrAuthLoop = errors.New("authorization loop detected")
)

// Response of one exchange
type Response struct {
	StatusCode int
	// Status status line without the protocol, e.g. "200 OK"
	Status string
	Proto  string
	Header http.Header
	// ContentLength -1 if unknown
	ContentLength int64
	// Body is never nil, closing it before EOF drops the connection
	Body io.ReadCloser
	// TLS session of an https exchange
	TLS *TLSSessionInfo
	// URL address the response came from, redirects included
	URL *url.URL
	// Cancelled the exchange was cancelled, the response is empty
	Cancelled bool
}

func cancelledResponse(u *url.URL) *Response {
	return &Response{
		Header:        http.Header{},
		ContentLength: 0,
		Body:          http.NoBody,
		URL:           u,
		Cancelled:     true,
	}
}

func makeStatus(code int, reason string) string {
	if len(reason) == 0 {
		reason = http.StatusText(code)
	}
	return strconv.Itoa(code) + " " + reason
}

func responseFromClient(r *client.Response, body io.ReadCloser, u *url.URL) *Response {
	h := r.Header
	if h == nil {
		h = http.Header{}
	}
	return &Response{
		StatusCode:    r.StatusCode,
		Status:        makeStatus(r.StatusCode, r.Reason),
		Proto:         r.Proto,
		Header:        h,
		ContentLength: r.ContentLength,
		Body:          body,
		URL:           u,
	}
}

// inputBody reads a response body out of the shared input buffer
type inputBody struct {
	in     *buffer.SharedInputBuffer
	a      *asyncAttempt
	closed atomic.Bool
}

func (b *inputBody) Read(p []byte) (int, error) {
	n, err := b.in.Read(p)
	if err == buffer.ErrInputAborted {
		if b.a.cancelled.Load() {
			return n, io.EOF
		}
		if !b.closed.Load() {
			if cause := b.a.failure(); cause != nil {
				return n, cause
			}
		}
	}
	return n, err
}

// Close drops whatever was not read yet
func (b *inputBody) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.in.Shutdown()
	}
	return nil
}

// syncBody maps the errors of a cancelled sync exchange to io.EOF
type syncBody struct {
	io.ReadCloser
	a *syncAttempt
}

func (b *syncBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && b.a.cancelled.Load() {
		return n, io.EOF
	}
	return n, err
}
