package conduit

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/haxii/fastconduit/client"
	"github.com/haxii/fastconduit/transport"
	"github.com/stretchr/testify/require"
)

func TestParseUseAsyncPolicy(t *testing.T) {
	for s, want := range map[string]UseAsyncPolicy{
		"":           AsyncOnly,
		"ASYNC_ONLY": AsyncOnly,
		"always":     Always,
		"NEVER":      Never,
		"true":       Always,
		"false":      Never,
		"sometimes":  Never,
	} {
		require.Equal(t, want, ParseUseAsyncPolicy(s), "policy %q", s)
	}
	require.Equal(t, "ASYNC_ONLY", AsyncOnly.String())
}

func TestFactoryProperties(t *testing.T) {
	f := newTestFactory(t, Properties{
		PropMaxConnections:        "10",
		PropMaxPerHostConnections: "-1",
		PropConnectionTTL:         "0",
		PropConnectionMaxIdle:     "500",
		PropUsePolicy:             "ALWAYS",
		PropHTTP2Enabled:          "true",
	})
	require.Equal(t, Always, f.UseAsyncPolicy())
	require.True(t, f.HTTP2Enabled())
	require.Equal(t, 10, f.cfg.maxConnections)
	require.Equal(t, transport.DefaultMaxPerRoute, f.cfg.maxPerRoute)
	require.Equal(t, time.Duration(0), f.cfg.ttl)
	require.Equal(t, 500*time.Millisecond, f.cfg.maxIdle)

	_, err := NewFactory(Properties{PropMaxConnections: "many"})
	require.Error(t, err)
	_, err = NewFactory(Properties{PropTCPNoDelay: "perhaps"})
	require.Error(t, err)
}

func TestFactoryNonPositiveReactorSettings(t *testing.T) {
	f := newTestFactory(t, Properties{PropSelectInterval: "0", PropIOThreadCount: "0"})
	require.Equal(t, time.Second, f.cfg.selectInterval)
	require.Equal(t, runtime.NumCPU(), f.cfg.ioThreadCount)
	c, err := f.Client(DefaultClientPolicy())
	require.NoError(t, err)
	require.Equal(t, client.StatusActive, c.Status())

	require.NoError(t, f.Update(Properties{PropSelectInterval: "-20"}))
	require.Equal(t, time.Second, f.cfg.selectInterval)
	_, err = f.Client(DefaultClientPolicy())
	require.NoError(t, err)
}

func TestFactoryHTTP2ForcesVersion(t *testing.T) {
	f := newTestFactory(t, Properties{PropHTTP2Enabled: "true"})
	c := newTestConduit(t, f, EndpointInfo{Address: "http://127.0.0.1:1"})
	require.Equal(t, "2.0", c.effectivePolicy(&Message{}).Version)
	require.Equal(t, "auto", c.policy.Version)
}

func TestFactoryPoolIdentity(t *testing.T) {
	f := newTestFactory(t, nil)
	a, err := f.Client(DefaultClientPolicy())
	require.NoError(t, err)
	b, err := f.Client(DefaultClientPolicy())
	require.NoError(t, err)
	require.Same(t, a, b)

	other := DefaultClientPolicy()
	other.ChunkLength = 1
	c, err := f.Client(other)
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.Len(t, f.Stats(), 2)

	pool, err := f.ConnectionManager(DefaultClientPolicy())
	require.NoError(t, err)
	require.Same(t, a.Pool(), pool)

	f.Close(other)
	require.Len(t, f.Stats(), 1)
	f.Close(other)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
}

func TestFactoryConcurrentClient(t *testing.T) {
	f := newTestFactory(t, nil)
	clients := make(chan *client.Client, 16)
	for i := 0; i < cap(clients); i++ {
		go func() {
			c, err := f.Client(DefaultClientPolicy())
			if err != nil {
				clients <- nil
				return
			}
			clients <- c
		}()
	}
	first := <-clients
	require.NotNil(t, first)
	for i := 1; i < cap(clients); i++ {
		require.Same(t, first, <-clients)
	}
}

func TestFactoryIdleReaper(t *testing.T) {
	srv := newEchoServer(t)
	f := newTestFactory(t, Properties{
		PropConnectionTTL:     "0",
		PropConnectionMaxIdle: "200",
		PropSelectInterval:    "50",
	})
	c := newTestConduit(t, f, EndpointInfo{Address: srv.URL})
	resp, _ := send(t, c, asyncMessage(), []byte("idle"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pool, err := f.ConnectionManager(DefaultClientPolicy())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pool.Stats().Available == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pool.Stats().Available == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestFactoryUpdate(t *testing.T) {
	f := newTestFactory(t, nil)
	before, err := f.Client(DefaultClientPolicy())
	require.NoError(t, err)

	require.NoError(t, f.Update(Properties{PropMaxConnections: "7", PropSelectInterval: "50", PropIOThreadCount: "2"}))
	require.Equal(t, 7, before.Pool().Stats().Max)
	after, err := f.Client(DefaultClientPolicy())
	require.NoError(t, err)
	require.Same(t, before, after)

	require.NoError(t, f.Update(Properties{PropSelectInterval: "60", PropIOThreadCount: "2"}))
	restarted, err := f.Client(DefaultClientPolicy())
	require.NoError(t, err)
	require.NotSame(t, before, restarted)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, before.AwaitTermination(ctx))
	require.Equal(t, client.StatusShutDown, before.Status())

	require.Error(t, f.Update(Properties{PropSoTimeout: "soon"}))
}

func TestFactoryShutdown(t *testing.T) {
	f := newTestFactory(t, nil)
	c, err := f.Client(DefaultClientPolicy())
	require.NoError(t, err)
	f.Shutdown()
	f.Shutdown()
	require.True(t, f.IsShutdown())
	_, err = f.Client(DefaultClientPolicy())
	require.ErrorIs(t, err, ErrShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.BusShutdown(ctx))
	require.Equal(t, client.StatusShutDown, c.Status())
	require.ErrorIs(t, f.WorkQueue().Submit(func() {}), ErrQueueClosed)
}

func TestClientPolicyKey(t *testing.T) {
	a, b := DefaultClientPolicy(), DefaultClientPolicy()
	require.Equal(t, a.Key(), b.Key())
	b.ReceiveTimeout = time.Second
	require.NotEqual(t, a.Key(), b.Key())
	b = DefaultClientPolicy()
	b.ProxyServer = "proxy"
	require.NotEqual(t, a.Key(), b.Key())
	// field boundaries are part of the key
	c, d := DefaultClientPolicy(), DefaultClientPolicy()
	c.ProxyUserName, c.ProxyPassword = "ab", "c"
	d.ProxyUserName, d.ProxyPassword = "a", "bc"
	require.NotEqual(t, c.Key(), d.Key())
}

func TestClientPolicyProxy(t *testing.T) {
	p := DefaultClientPolicy()
	proxy, err := p.proxy()
	require.NoError(t, err)
	require.Nil(t, proxy)

	p.ProxyServer = "127.0.0.1"
	p.ProxyServerType = "socks5"
	p.NonProxyHosts = "localhost|*.internal"
	proxy, err = p.proxy()
	require.NoError(t, err)
	require.Equal(t, "SOCKS5 proxy 127.0.0.1:8080", proxy.String())
	require.True(t, proxy.Bypass("db.internal"))
	require.False(t, proxy.Bypass("example.com"))

	p.ProxyServerType = "gopher"
	_, err = p.proxy()
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
properties:
  org.apache.cxf.transport.http.async.MAX_CONNECTIONS: 100
  org.apache.cxf.transport.http.async.usePolicy: ALWAYS
clientPolicy:
  receiveTimeout: 10s
  chunkingThreshold: 8192
  autoRedirect: true
`), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "100", cfg.Properties[PropMaxConnections])
	require.Equal(t, 10*time.Second, cfg.ClientPolicy.ReceiveTimeout)
	require.Equal(t, 8192, cfg.ClientPolicy.ChunkingThreshold)
	require.True(t, cfg.ClientPolicy.AutoRedirect)
	require.True(t, cfg.ClientPolicy.AllowChunking)
	require.Equal(t, DefaultConnectionTimeout, cfg.ClientPolicy.ConnectionTimeout)

	f := newTestFactory(t, cfg.Properties)
	require.Equal(t, Always, f.UseAsyncPolicy())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	_, err = ParseConfig([]byte("properties: [1, 2"))
	require.Error(t, err)
}
