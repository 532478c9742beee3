package client

import (
	"context"
	"sync"

	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
)

// ErrCancelled is returned by Future.Get after Cancel
var ErrCancelled = errors.New("exchange cancelled")

type futureState int

const (
	futurePending futureState = iota
	futureCompleted
	futureFailed
	futureCancelled
)

// Future result of an asynchronous exchange.
//
// It is safe calling Future methods from concurrently running go routines.
type Future struct {
	ex *exchange

	mu    sync.Mutex
	state futureState
	resp  *Response
	err   error
	done  chan struct{}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the exchange ended
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the response head. The body was handed to the consumer
// by the time Get returns.
func (f *Future) Get(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// IsCancelled reports whether Cancel ended the exchange
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == futureCancelled
}

// Cancel aborts the exchange, interrupting its blocked I/O.
// It reports false if the exchange already ended.
func (f *Future) Cancel() bool {
	if !f.finish(futureCancelled, nil, ErrCancelled) {
		return false
	}
	ex := f.ex
	ex.abort(ErrCancelled)
	if ex.producer != nil {
		ex.producer.Failed(ErrCancelled)
	}
	ex.consumer.Cancel()
	ex.c.stats.cancelled.Add(1)
	if cb := ex.callback; cb != nil {
		ex.c.dispatcher.dispatch(cb.Cancelled)
	}
	return true
}

func (f *Future) completed(resp *Response) {
	if !f.finish(futureCompleted, resp, nil) {
		return
	}
	ex := f.ex
	ex.c.stats.completed.Add(1)
	if cb := ex.callback; cb != nil {
		ex.c.dispatcher.dispatch(func() { cb.Completed(resp) })
	}
}

func (f *Future) failed(err error) {
	if !f.finish(futureFailed, nil, err) {
		return
	}
	ex := f.ex
	if ex.producer != nil {
		ex.producer.Failed(err)
	}
	ex.consumer.Failed(err)
	ex.c.stats.failed.Add(1)
	if cb := ex.callback; cb != nil {
		ex.c.dispatcher.dispatch(func() { cb.Failed(err) })
	}
}

func (f *Future) finish(state futureState, resp *Response, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futurePending {
		return false
	}
	f.state, f.resp, f.err = state, resp, err
	close(f.done)
	return true
}

// dispatcher delivers callbacks on a fixed set of worker goroutines
type dispatcher struct {
	mu     sync.RWMutex
	events chan func()
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(workers int) *dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &dispatcher{events: make(chan func(), workers*64)}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

func (d *dispatcher) work() {
	defer d.wg.Done()
	for fn := range d.events {
		run(fn)
	}
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(errors.Errorf("%v", r), "panic in exchange callback")
		}
	}()
	fn()
}

func (d *dispatcher) dispatch(fn func()) {
	if d == nil {
		go run(fn)
		return
	}
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		go run(fn)
		return
	}
	d.events <- fn
	d.mu.RUnlock()
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
