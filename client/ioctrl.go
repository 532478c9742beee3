package client

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errInterrupted = errors.New("exchange interrupted")

// ioControl parks the dispatcher of one exchange while the buffers
// suspend input or output
type ioControl struct {
	mu              sync.Mutex
	inputSuspended  bool
	outputSuspended bool

	inputReady  chan struct{}
	outputReady chan struct{}

	interruptOnce sync.Once
	done          chan struct{}
}

func newIOControl() *ioControl {
	return &ioControl{
		inputReady:  make(chan struct{}, 1),
		outputReady: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *ioControl) RequestInput() {
	c.mu.Lock()
	c.inputSuspended = false
	c.mu.Unlock()
	signal(c.inputReady)
}

func (c *ioControl) SuspendInput() {
	c.mu.Lock()
	c.inputSuspended = true
	c.mu.Unlock()
}

func (c *ioControl) RequestOutput() {
	c.mu.Lock()
	c.outputSuspended = false
	c.mu.Unlock()
	signal(c.outputReady)
}

func (c *ioControl) SuspendOutput() {
	c.mu.Lock()
	c.outputSuspended = true
	c.mu.Unlock()
}

func (c *ioControl) interrupt() {
	c.interruptOnce.Do(func() { close(c.done) })
}

func (c *ioControl) waitInput(tick time.Duration) error {
	return c.wait(&c.inputSuspended, c.inputReady, tick)
}

func (c *ioControl) waitOutput(tick time.Duration) error {
	return c.wait(&c.outputSuspended, c.outputReady, tick)
}

// wait returns once the flag is cleared, checking it again every tick
func (c *ioControl) wait(suspended *bool, ready chan struct{}, tick time.Duration) error {
	var ticker *time.Ticker
	for {
		c.mu.Lock()
		parked := *suspended
		c.mu.Unlock()
		if !parked {
			return nil
		}
		select {
		case <-c.done:
			return errInterrupted
		default:
		}
		if ticker == nil && tick > 0 {
			ticker = time.NewTicker(tick)
			defer ticker.Stop()
		}
		var tc <-chan time.Time
		if ticker != nil {
			tc = ticker.C
		}
		select {
		case <-ready:
		case <-tc:
		case <-c.done:
			return errInterrupted
		}
	}
}
