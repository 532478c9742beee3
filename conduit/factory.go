package conduit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/haxii/fastconduit/client"
	"github.com/haxii/fastconduit/transport"
	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrShutdown is returned once the factory was shut down
var ErrShutdown = errors.New("conduit factory is shut down")

// Option configures a Factory
type Option func(*Factory)

// WithWorkQueue sizes the queue running response continuations
func WithWorkQueue(size, workers int) Option {
	return func(f *Factory) {
		f.queueSize, f.queueWorkers = size, workers
	}
}

// asyncClient pooled client of one client policy
type asyncClient struct {
	key    uint64
	policy *ClientPolicy
	client *client.Client
	pool   *transport.ConnManager
}

// Factory creates conduits and owns the pooled clients they share, one
// client per distinct client policy.
//
// It is safe calling Factory methods from concurrently running go routines.
type Factory struct {
	queueSize    int
	queueWorkers int
	queue        *WorkQueue

	mu       sync.Mutex
	cfg      factoryConfig
	clients  map[uint64]*asyncClient
	shutdown bool
	group    singleflight.Group

	// reapers and background shutdowns
	wg sync.WaitGroup
}

// NewFactory makes a factory configured by props
func NewFactory(props Properties, opts ...Option) (*Factory, error) {
	f := &Factory{
		cfg:     defaultFactoryConfig(),
		clients: make(map[uint64]*asyncClient),
	}
	if _, err := f.cfg.apply(props); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(f)
	}
	f.queue = NewWorkQueue(f.queueSize, f.queueWorkers)
	return f, nil
}

// UseAsyncPolicy the policy requests fall back to
func (f *Factory) UseAsyncPolicy() UseAsyncPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.usePolicy
}

// HTTP2Enabled reports whether HTTP/2 is forced for every policy
func (f *Factory) HTTP2Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.http2Enabled
}

// WorkQueue the queue running response continuations
func (f *Factory) WorkQueue() *WorkQueue {
	return f.queue
}

// CreateConduit makes a conduit for endpoint, it fails with ErrShutdown
// once the factory was shut down
func (f *Factory) CreateConduit(endpoint EndpointInfo) (*Conduit, error) {
	if f.IsShutdown() {
		return nil, ErrShutdown
	}
	return NewConduit(f, endpoint)
}

// Client returns the pooled client of policy, creating it on first use
func (f *Factory) Client(policy *ClientPolicy) (*client.Client, error) {
	e, err := f.entry(policy)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// ConnectionManager returns the connection pool of policy, creating the
// client on first use
func (f *Factory) ConnectionManager(policy *ClientPolicy) (*transport.ConnManager, error) {
	e, err := f.entry(policy)
	if err != nil {
		return nil, err
	}
	return e.pool, nil
}

func (f *Factory) entry(policy *ClientPolicy) (*asyncClient, error) {
	if policy == nil {
		policy = DefaultClientPolicy()
	}
	key := policy.Key()
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil, ErrShutdown
	}
	if e := f.clients[key]; e != nil {
		f.mu.Unlock()
		return e, nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.shutdown {
			return nil, ErrShutdown
		}
		if e := f.clients[key]; e != nil {
			return e, nil
		}
		e := f.createClient(key, policy.clone())
		f.clients[key] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*asyncClient), nil
}

// createClient starts a client and its idle reaper, it must be called
// with the lock held
func (f *Factory) createClient(key uint64, policy *ClientPolicy) *asyncClient {
	cfg := f.cfg
	pool := transport.NewConnManager(cfg.maxConnections, cfg.maxPerRoute, cfg.ttl)
	socket := cfg.socket
	c := client.New(client.Config{
		Name:           strconv.FormatUint(key, 16),
		Pool:           pool,
		SocketConfig:   &socket,
		IOThreadCount:  cfg.ioThreadCount,
		SelectInterval: cfg.selectInterval,
	})
	c.Start()
	e := &asyncClient{key: key, policy: policy, client: c, pool: pool}
	f.wg.Add(1)
	go f.reap(e, cfg.selectInterval)
	log.Debugf("created client %x with %d max connections, %d per host", key,
		cfg.maxConnections, cfg.maxPerRoute)
	return e
}

// reap closes connections idle for longer than the max idle time while
// the connection TTL is disabled, it exits once the client stops
func (f *Factory) reap(e *asyncClient, interval time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_, maxIdle := f.idleSettings()
	nextIdleCheck := time.Now().Add(maxIdle)
	for range ticker.C {
		if e.client.Status() != client.StatusActive {
			return
		}
		ttl, maxIdle := f.idleSettings()
		switch {
		case ttl == 0 && maxIdle > 0 && !time.Now().Before(nextIdleCheck):
			nextIdleCheck = nextIdleCheck.Add(maxIdle)
			e.pool.CloseIdle(maxIdle)
		case ttl > 0:
			e.pool.CloseExpired()
		}
	}
}

func (f *Factory) idleSettings() (ttl, maxIdle time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.ttl, f.cfg.maxIdle
}

// Update applies props. Pool sizing changes on the live pools, thread
// count, select interval and socket options restart every client.
func (f *Factory) Update(props Properties) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.cfg
	restart, err := cfg.apply(props)
	if err != nil {
		return err
	}
	f.cfg = cfg
	for _, e := range f.clients {
		e.pool.SetMaxTotal(cfg.maxConnections)
		e.pool.SetDefaultMaxPerRoute(cfg.maxPerRoute)
		e.pool.SetTTL(cfg.ttl)
	}
	if restart && len(f.clients) > 0 {
		f.restartReactor()
	}
	return nil
}

// restartReactor swaps in an empty client map and closes the old clients
// gracefully in the background, it must be called with the lock held
func (f *Factory) restartReactor() {
	old := f.clients
	f.clients = make(map[uint64]*asyncClient)
	log.Debugf("restarting %d clients", len(old))
	f.closeInBackground(old, client.CloseGraceful)
}

func (f *Factory) closeInBackground(clients map[uint64]*asyncClient, mode client.CloseMode) {
	var g errgroup.Group
	for _, e := range clients {
		e := e
		g.Go(func() error {
			e.client.Close(mode)
			return e.client.AwaitTermination(context.Background())
		})
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := g.Wait(); err != nil {
			log.Errorf(err, "fail to close clients")
		}
	}()
}

// Close shuts down the client of policy, no-op if there is none
func (f *Factory) Close(policy *ClientPolicy) {
	if policy == nil {
		return
	}
	key := policy.Key()
	f.mu.Lock()
	e := f.clients[key]
	delete(f.clients, key)
	f.mu.Unlock()
	if e != nil {
		f.closeInBackground(map[uint64]*asyncClient{key: e}, client.CloseGraceful)
	}
}

// Shutdown aborts every client, conduits created afterwards fail with
// ErrShutdown and requests of live conduits use the sync fallback
func (f *Factory) Shutdown() {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return
	}
	f.shutdown = true
	old := f.clients
	f.clients = make(map[uint64]*asyncClient)
	f.mu.Unlock()
	log.Debugf("shutting down %d clients", len(old))
	f.closeInBackground(old, client.CloseImmediate)
}

// IsShutdown reports whether Shutdown was called
func (f *Factory) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

// BusShutdown shuts the factory down and waits until every client and
// reaper exited and the work queue drained
func (f *Factory) BusShutdown(ctx context.Context) error {
	f.Shutdown()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		f.queue.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PolicyStats statistics of the client of one policy
type PolicyStats struct {
	// Policy hex key of the client policy
	Policy    string
	Pool      transport.PoolStats
	Exchanges client.ExchangeStats
}

// Stats statistics of every live client
func (f *Factory) Stats() []PolicyStats {
	f.mu.Lock()
	clients := make([]*asyncClient, 0, len(f.clients))
	for _, e := range f.clients {
		clients = append(clients, e)
	}
	f.mu.Unlock()
	stats := make([]PolicyStats, 0, len(clients))
	for _, e := range clients {
		stats = append(stats, PolicyStats{
			Policy:    strconv.FormatUint(e.key, 16),
			Pool:      e.pool.Stats(),
			Exchanges: e.client.Stats(),
		})
	}
	return stats
}
