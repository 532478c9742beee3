package conduit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T, props Properties, opts ...Option) *Factory {
	if props == nil {
		props = Properties{}
	}
	if _, ok := props[PropSelectInterval]; !ok {
		props[PropSelectInterval] = "50"
	}
	if _, ok := props[PropIOThreadCount]; !ok {
		props[PropIOThreadCount] = "2"
	}
	f, err := NewFactory(props, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.BusShutdown(ctx)
	})
	return f
}

func newTestConduit(t *testing.T, f *Factory, endpoint EndpointInfo) *Conduit {
	c, err := f.CreateConduit(endpoint)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func asyncMessage() *Message {
	always := Always
	return &Message{UseAsyncPolicy: &always}
}

func syncMessage() *Message {
	never := Never
	return &Message{UseAsyncPolicy: &never}
}

// echoHandler answers with the request body and how it was framed
func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("X-Method", r.Method)
	w.Header().Set("X-Transfer-Encoding", strings.Join(r.TransferEncoding, ","))
	w.Header().Set("X-Content-Length", fmt.Sprint(r.ContentLength))
	w.Header().Set("X-Authorization", r.Header.Get("Authorization"))
	w.Header().Set("X-Cookie", r.Header.Get("Cookie"))
	w.Write(body)
}

func newEchoServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	t.Cleanup(srv.Close)
	return srv
}

// send writes body through a prepared stream and reads the whole response
func send(t *testing.T, c *Conduit, msg *Message, body []byte) (*Response, []byte) {
	out, err := c.Prepare(msg)
	require.NoError(t, err)
	if len(body) > 0 {
		n, err := out.Write(body)
		require.NoError(t, err)
		require.Equal(t, len(body), n)
	}
	require.NoError(t, out.Close())
	resp, err := out.Response()
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func makeBody(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
