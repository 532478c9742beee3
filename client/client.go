// Package client is an asynchronous HTTP/1.1 and HTTP/2 client.
//
// Every exchange is driven by its own dispatch goroutine which streams the
// request body from a RequestProducer and the response into a
// ResponseConsumer, parking whenever they suspend I/O.
package client

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haxii/fastconduit/bufiopool"
	"github.com/haxii/fastconduit/bytebufferpool"
	"github.com/haxii/fastconduit/transport"
	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
)

var (
	// ErrAborted fails the exchanges in flight when the client is closed
	// immediately
	ErrAborted = errors.New("operation aborted")

	// ErrNotActive is returned for exchanges executed on a client that
	// was not started or is shutting down
	ErrNotActive = errors.New("client is not active")

	errNilRequest  = errors.New("nil request")
	errNilURL      = errors.New("nil request URL")
	errNilConsumer = errors.New("nil response consumer")
)

const (
	// DefaultSelectInterval interval parked dispatchers re-check their
	// exchange
	DefaultSelectInterval = time.Second

	// DefaultWindowSize size of the request body window flushed to the
	// connection
	DefaultWindowSize = 16 * 1024

	// DefaultReadChunkSize size of the response chunks handed to a consumer
	DefaultReadChunkSize = 16 * 1024
)

// Status client lifecycle status
type Status int32

const (
	// StatusInactive not started yet
	StatusInactive Status = iota
	// StatusActive executing exchanges
	StatusActive
	// StatusShuttingDown no longer accepting exchanges
	StatusShuttingDown
	// StatusShutDown every exchange ended and the pool is closed
	StatusShutDown
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusShuttingDown:
		return "SHUTTING_DOWN"
	case StatusShutDown:
		return "SHUT_DOWN"
	}
	return "INACTIVE"
}

// CloseMode how Close treats exchanges in flight
type CloseMode int

const (
	// CloseGraceful lets exchanges in flight finish
	CloseGraceful CloseMode = iota
	// CloseImmediate fails exchanges in flight with ErrAborted
	CloseImmediate
)

// Config client configuration
type Config struct {
	// Name shows up in logs
	Name string

	// Pool leases connections, a pool with the default caps is made if
	// not set. The client closes it on shutdown.
	Pool *transport.ConnManager

	// SocketConfig options of dialed sockets,
	// transport.DefaultSocketConfig is used if not set
	SocketConfig *transport.SocketConfig

	BufioPool *bufiopool.Pool

	// IOThreadCount number of goroutines delivering callbacks,
	// runtime.NumCPU() if not set
	IOThreadCount int

	// SelectInterval interval parked dispatchers re-check their exchange,
	// DefaultSelectInterval is used if not set
	SelectInterval time.Duration

	// WindowSize request body window, DefaultWindowSize if not set
	WindowSize int

	// ReadChunkSize response chunk size, DefaultReadChunkSize if not set
	ReadChunkSize int
}

// ExchangeStats number of ended exchanges per result
type ExchangeStats struct {
	Completed uint64
	Failed    uint64
	Cancelled uint64
}

// Client executes asynchronous exchanges over a pool of connections.
//
// It is safe calling Client methods from concurrently running go routines.
type Client struct {
	name           string
	pool           *transport.ConnManager
	dialer         *transport.Dialer
	bufioPool      *bufiopool.Pool
	windowPool     *bytebufferpool.FixedSizeByteBufferPool
	selectInterval time.Duration
	readChunkSize  int
	ioThreadCount  int
	dispatcher     *dispatcher

	mu         sync.Mutex
	status     Status
	exchanges  map[*exchange]struct{}
	wg         sync.WaitGroup
	terminated chan struct{}

	stats struct {
		completed atomic.Uint64
		failed    atomic.Uint64
		cancelled atomic.Uint64
	}
}

// New makes an inactive client, call Start before executing exchanges
func New(cfg Config) *Client {
	c := &Client{
		name:           cfg.Name,
		pool:           cfg.Pool,
		bufioPool:      cfg.BufioPool,
		selectInterval: cfg.SelectInterval,
		readChunkSize:  cfg.ReadChunkSize,
		ioThreadCount:  cfg.IOThreadCount,
		exchanges:      make(map[*exchange]struct{}),
		terminated:     make(chan struct{}),
	}
	if c.pool == nil {
		c.pool = transport.NewConnManager(0, 0, 0)
	}
	socketConfig := transport.DefaultSocketConfig
	if cfg.SocketConfig != nil {
		socketConfig = *cfg.SocketConfig
	}
	c.dialer = transport.NewDialer(socketConfig)
	if c.bufioPool == nil {
		c.bufioPool = bufiopool.New(bufiopool.MinReadBufferSize, bufiopool.MinWriteBufferSize)
	}
	if c.selectInterval <= 0 {
		c.selectInterval = DefaultSelectInterval
	}
	if c.readChunkSize <= 0 {
		c.readChunkSize = DefaultReadChunkSize
	}
	if c.ioThreadCount <= 0 {
		c.ioThreadCount = runtime.NumCPU()
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	c.windowPool = &bytebufferpool.FixedSizeByteBufferPool{Size: windowSize}
	return c
}

// Start activates the client, starting it again is a no-op
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusInactive {
		return
	}
	c.dispatcher = newDispatcher(c.ioThreadCount)
	c.status = StatusActive
	log.Debugf("client %s started with %d dispatchers", c.name, c.ioThreadCount)
}

// Status returns the lifecycle status
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Pool returns the connection pool of the client
func (c *Client) Pool() *transport.ConnManager {
	return c.pool
}

// SocketConfig returns the options dialed sockets get
func (c *Client) SocketConfig() transport.SocketConfig {
	return c.dialer.SocketConfig
}

// Stats returns the number of ended exchanges
func (c *Client) Stats() ExchangeStats {
	return ExchangeStats{
		Completed: c.stats.completed.Load(),
		Failed:    c.stats.failed.Load(),
		Cancelled: c.stats.cancelled.Load(),
	}
}

// Execute starts an exchange and returns at once.
//
// producer may be nil for a request without body. The outcome is
// reported to the consumer, to the callback if set, and through the
// returned Future.
func (c *Client) Execute(req *Request, producer RequestProducer,
	consumer ResponseConsumer, callback FutureCallback) *Future {
	f := newFuture()
	ex := &exchange{
		c:        c,
		req:      req,
		producer: producer,
		consumer: consumer,
		callback: callback,
		future:   f,
		ctl:      newIOControl(),
	}
	ex.ctx, ex.cancel = context.WithCancel(context.Background())
	f.ex = ex

	var err error
	switch {
	case req == nil:
		err = errNilRequest
	case req.URL == nil:
		err = errNilURL
	case consumer == nil:
		err = errNilConsumer
	}
	if err != nil {
		ex.cancel()
		f.finish(futureFailed, nil, err)
		return f
	}

	c.mu.Lock()
	if c.status != StatusActive {
		c.mu.Unlock()
		ex.cancel()
		f.failed(ErrNotActive)
		return f
	}
	c.exchanges[ex] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go ex.run()
	return f
}

func (c *Client) exchangeDone(ex *exchange) {
	c.mu.Lock()
	delete(c.exchanges, ex)
	c.mu.Unlock()
	c.wg.Done()
}

// Close shuts the client down in the background, see AwaitTermination.
// Closing again is a no-op.
func (c *Client) Close(mode CloseMode) {
	c.mu.Lock()
	if c.status >= StatusShuttingDown {
		c.mu.Unlock()
		return
	}
	wasActive := c.status == StatusActive
	c.status = StatusShuttingDown
	var inflight []*exchange
	if mode == CloseImmediate {
		for ex := range c.exchanges {
			inflight = append(inflight, ex)
		}
	}
	c.mu.Unlock()

	for _, ex := range inflight {
		ex.abort(ErrAborted)
	}
	go func() {
		c.wg.Wait()
		c.pool.Close()
		if wasActive {
			c.dispatcher.stop()
		}
		c.mu.Lock()
		c.status = StatusShutDown
		c.mu.Unlock()
		close(c.terminated)
		log.Debugf("client %s shut down", c.name)
	}()
}

// AwaitTermination waits until a closed client shut down
func (c *Client) AwaitTermination(ctx context.Context) error {
	select {
	case <-c.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
