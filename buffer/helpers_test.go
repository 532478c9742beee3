package buffer

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// testIOControl records suspensions and wakes a test dispatcher
type testIOControl struct {
	mu              sync.Mutex
	inputSuspended  bool
	outputSuspended bool
	inputRequests   int
	outputRequests  int
	outputReady     chan struct{}
}

func newTestIOControl() *testIOControl {
	return &testIOControl{outputReady: make(chan struct{}, 1)}
}

func (c *testIOControl) RequestInput() {
	c.mu.Lock()
	c.inputSuspended = false
	c.inputRequests++
	c.mu.Unlock()
}

func (c *testIOControl) SuspendInput() {
	c.mu.Lock()
	c.inputSuspended = true
	c.mu.Unlock()
}

func (c *testIOControl) RequestOutput() {
	c.mu.Lock()
	c.outputSuspended = false
	c.outputRequests++
	c.mu.Unlock()
	select {
	case c.outputReady <- struct{}{}:
	default:
	}
}

func (c *testIOControl) SuspendOutput() {
	c.mu.Lock()
	c.outputSuspended = true
	c.mu.Unlock()
}

func (c *testIOControl) isInputSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputSuspended
}

func (c *testIOControl) isOutputSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputSuspended
}

// sinkEncoder accepts at most window bytes per call
type sinkEncoder struct {
	window      int
	out         bytes.Buffer
	completions int
}

func (e *sinkEncoder) Write(p []byte) (int, error) {
	n := len(p)
	if e.window > 0 && n > e.window {
		n = e.window
	}
	e.out.Write(p[:n])
	return n, nil
}

func (e *sinkEncoder) Complete() error {
	e.completions++
	return nil
}

func (e *sinkEncoder) IsCompleted() bool { return e.completions > 0 }

// dispatch drives ProduceContent the way the exchange dispatcher does
// until the encoder completes or an error occurs
func dispatch(b *SharedOutputBuffer, enc *sinkEncoder, ctrl *testIOControl) error {
	for !enc.IsCompleted() {
		if ctrl.isOutputSuspended() {
			select {
			case <-ctrl.outputReady:
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if _, err := b.ProduceContent(enc, ctrl); err != nil {
			return err
		}
	}
	return nil
}

func hasWaiter(b *SharedInputBuffer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting != nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('a' + i%26)
	}
	return p
}
