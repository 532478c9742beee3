package conduit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haxii/fastconduit/buffer"
	"github.com/haxii/fastconduit/client"
	"github.com/stretchr/testify/require"
)

func TestStreamSmallBodyFixedLength(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, Properties{PropUsePolicy: "ALWAYS"})
	c := newTestConduit(t, f, EndpointInfo{Address: "hc://" + srv.URL})

	body := makeBody(200)
	resp, data := send(t, c, &Message{}, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "200 OK", resp.Status)
	require.Equal(t, "200", resp.Header.Get("X-Content-Length"))
	require.Empty(t, resp.Header.Get("X-Transfer-Encoding"))
	require.Equal(t, "POST", resp.Header.Get("X-Method"))
	require.Equal(t, body, data)
	require.Len(t, f.Stats(), 1)
}

func TestStreamThresholdSwitchesToChunked(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, nil)
	policy := DefaultClientPolicy()
	policy.ChunkingThreshold = 100
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL, ClientPolicy: policy})

	out, err := c.Prepare(asyncMessage())
	require.NoError(t, err)
	body := makeBody(450)
	for i := 0; i < len(body); i += 50 {
		_, err := out.Write(body[i : i+50])
		require.NoError(t, err)
		if i+50 <= 100 {
			require.False(t, out.Chunked())
			require.Equal(t, StateInit, out.State())
		}
	}
	require.True(t, out.Chunked())
	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	resp, err := out.Response()
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, body, data)
	require.Equal(t, "chunked", resp.Header.Get("X-Transfer-Encoding"))
	require.Equal(t, StateReceived, out.State())

	_, err = out.Write([]byte("late"))
	require.ErrorIs(t, err, buffer.ErrStreamClosed)
	again, err := out.Response()
	require.NoError(t, err)
	require.Same(t, resp, again)
}

func TestStreamRoundTripSizes(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, nil)
	policy := DefaultClientPolicy()
	policy.ChunkLength = 1024
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL, ClientPolicy: policy})

	for _, size := range []int{0, 1, 1023, 1024, 10 * 1024} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			body := makeBody(size)
			for _, msg := range []*Message{asyncMessage(), syncMessage()} {
				resp, data := send(t, c, msg, body)
				require.Equal(t, http.StatusOK, resp.StatusCode)
				require.Equal(t, size, len(data))
				require.True(t, bytes.Equal(body, data))
			}
		})
	}
}

func TestStreamContentLengthHint(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})

	body := makeBody(10000)
	msg := asyncMessage()
	msg.ContentLengthHint = int64(len(body))
	resp, data := send(t, c, msg, body)
	require.Equal(t, "10000", resp.Header.Get("X-Content-Length"))
	require.Empty(t, resp.Header.Get("X-Transfer-Encoding"))
	require.Equal(t, body, data)
}

func TestStreamChunkingDisallowed(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, nil)
	policy := DefaultClientPolicy()
	policy.AllowChunking = false
	policy.ChunkingThreshold = 10
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL, ClientPolicy: policy})

	body := makeBody(5000)
	resp, data := send(t, c, asyncMessage(), body)
	require.Equal(t, "5000", resp.Header.Get("X-Content-Length"))
	require.Empty(t, resp.Header.Get("X-Transfer-Encoding"))
	require.Equal(t, body, data)
}

func TestStreamEmptyBody(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})

	resp, data := send(t, c, asyncMessage(), nil)
	require.Equal(t, "POST", resp.Header.Get("X-Method"))
	require.Equal(t, "0", resp.Header.Get("X-Content-Length"))
	require.Empty(t, data)

	msg := asyncMessage()
	msg.Method = "get"
	resp, _ = send(t, c, msg, nil)
	require.Equal(t, "GET", resp.Header.Get("X-Method"))
}

func TestStreamHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()
	f := newTestFactory(t, nil)
	policy := DefaultClientPolicy()
	policy.AcceptEncoding = "identity"
	policy.Connection = "close"
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL, ClientPolicy: policy})

	msg := asyncMessage()
	msg.ContentType = "text/xml"
	msg.Header = http.Header{"X-Trace": {"42"}}
	send(t, c, msg, []byte("<a/>"))
	require.Equal(t, "text/xml", got.Get("Content-Type"))
	require.Equal(t, "identity", got.Get("Accept-Encoding"))
	require.Equal(t, "42", got.Get("X-Trace"))
}

func TestStreamAddressErrors(t *testing.T) {
	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: "ftp://example.com/file"})

	_, err := c.Prepare(&Message{})
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	_, err = c.Prepare(&Message{Address: "hc5://%zz"})
	require.ErrorIs(t, err, ErrMalformedURL)
	_, err = c.Prepare(&Message{Address: "http:///nohost"})
	require.ErrorIs(t, err, ErrMalformedURL)

	u, err := ParseAddress("hc://http://example.com")
	require.NoError(t, err)
	require.Equal(t, "/", u.Path)
	require.Equal(t, "example.com", u.Host)
}

func TestStreamReceiveTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFactory(t, nil)
	policy := DefaultClientPolicy()
	policy.ReceiveTimeout = 200 * time.Millisecond
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL, ClientPolicy: policy})

	for _, msg := range []*Message{asyncMessage(), syncMessage()} {
		out, err := c.Prepare(msg)
		require.NoError(t, err)
		out.Write([]byte("ping"))
		start := time.Now()
		_, err = out.Response()
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrReadTimeout) || isTimeout(err), "unexpected error: %s", err)
		require.Less(t, time.Since(start), 3*time.Second)
		require.Equal(t, StateFailed, out.State())
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestStreamCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})

	for _, msg := range []*Message{asyncMessage(), syncMessage()} {
		out, err := c.Prepare(msg)
		require.NoError(t, err)
		require.False(t, out.Exchange().Cancel())
		require.NoError(t, out.Close())

		time.AfterFunc(100*time.Millisecond, func() { out.Exchange().Cancel() })
		resp, err := out.Response()
		require.NoError(t, err)
		require.True(t, resp.Cancelled)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Empty(t, data)
		require.Equal(t, StateCancelled, out.State())
	}
}

func TestStreamFactoryShutdownAbortsExchange(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})
	out, err := c.Prepare(asyncMessage())
	require.NoError(t, err)
	require.NoError(t, out.Close())
	<-arrived
	require.Equal(t, StateAwaitingResponse, out.State())

	f.Shutdown()
	_, err = out.Response()
	require.ErrorIs(t, err, client.ErrAborted)
	require.True(t, f.IsShutdown())

	_, err = f.CreateConduit(EndpointInfo{Address: srv.URL})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestStreamSyncFallbackAfterShutdown(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, Properties{PropUsePolicy: "ALWAYS"})
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})
	f.Shutdown()

	out, err := c.Prepare(&Message{})
	require.NoError(t, err)
	require.False(t, out.async)
	out.Write([]byte("still works"))
	resp, err := out.Response()
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, "still works", string(data))
}

func TestStreamUsePolicy(t *testing.T) {
	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: "http://127.0.0.1:1"})
	u, err := ParseAddress(c.Endpoint().Address)
	require.NoError(t, err)

	require.False(t, c.useAsync(&Message{}, u))
	require.True(t, c.useAsync(&Message{Async: true}, u))
	require.True(t, c.useAsync(asyncMessage(), u))
	require.False(t, c.useAsync(&Message{Async: true, UseAsyncPolicy: syncMessage().UseAsyncPolicy}, u))

	https, err := ParseAddress("https://127.0.0.1:1")
	require.NoError(t, err)
	msg := asyncMessage()
	msg.TLS = &TLSClientParameters{SocketFactory: (&net.Dialer{}).DialContext}
	require.False(t, c.useAsync(msg, https))
	require.True(t, c.useAsync(msg, u))
}

func TestStreamResponseBodyFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort"))
		conn.Close()
	}()

	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: "http://" + ln.Addr().String()})
	out, err := c.Prepare(asyncMessage())
	require.NoError(t, err)
	resp, err := out.Response()
	require.NoError(t, err)
	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
}

func TestStreamOnResponse(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, nil, WithWorkQueue(4, 1))
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})

	type result struct {
		body string
		err  error
	}
	results := make(chan result, 1)
	msg := asyncMessage()
	msg.OnResponse = func(resp *Response, err error) {
		if err != nil {
			results <- result{err: err}
			return
		}
		data, err := io.ReadAll(resp.Body)
		results <- result{body: string(data), err: err}
	}
	out, err := c.Prepare(msg)
	require.NoError(t, err)
	out.Write([]byte("continued"))
	require.NoError(t, out.Close())

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Equal(t, "continued", r.body)
	case <-time.After(5 * time.Second):
		t.Fatalf("continuation did not run")
	}
}

func TestStreamOnResponseSaturatedQueue(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, nil, WithWorkQueue(1, 1))
	block := make(chan struct{})
	defer close(block)
	busy := make(chan struct{})
	require.NoError(t, f.WorkQueue().Submit(func() {
		close(busy)
		<-block
	}))
	<-busy
	for f.WorkQueue().Submit(func() { <-block }) == nil {
	}

	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})
	var calls atomic.Int32
	done := make(chan struct{})
	msg := asyncMessage()
	msg.OnResponse = func(resp *Response, err error) {
		if calls.Add(1) == 1 {
			close(done)
		}
	}
	out, err := c.Prepare(msg)
	require.NoError(t, err)
	out.Write([]byte("payload"))
	require.NoError(t, out.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("continuation did not run")
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFactory(t, nil)
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msg := asyncMessage()
	msg.Context = ctx
	out, err := c.Prepare(msg)
	require.NoError(t, err)
	_, err = out.Response()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
