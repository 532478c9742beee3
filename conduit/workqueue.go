package conduit

import (
	"sync"

	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
)

// Default work queue sizing
const (
	DefaultWorkQueueSize    = 256
	DefaultWorkQueueWorkers = 8
)

var (
	// ErrQueueFull is returned by Submit when the queue is saturated
	ErrQueueFull = errors.New("work queue is full")
	// ErrQueueClosed is returned by Submit after Close
	ErrQueueClosed = errors.New("work queue is closed")
)

// WorkQueue bounded queue of tasks run by a fixed set of workers.
//
// It is safe calling WorkQueue methods from concurrently running go routines.
type WorkQueue struct {
	mu     sync.RWMutex
	tasks  chan func()
	closed bool
	wg     sync.WaitGroup
}

// NewWorkQueue starts workers goroutines serving a queue of size tasks
func NewWorkQueue(size, workers int) *WorkQueue {
	if size <= 0 {
		size = DefaultWorkQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkQueueWorkers
	}
	q := &WorkQueue{tasks: make(chan func(), size)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

func (q *WorkQueue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		runTask(task)
	}
}

func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(errors.Errorf("%v", r), "panic in work queue task")
		}
	}()
	task()
}

// Submit queues task, it never waits for room
func (q *WorkQueue) Submit(task func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len number of queued tasks
func (q *WorkQueue) Len() int {
	return len(q.tasks)
}

// Close stops accepting tasks and waits for the queued ones
func (q *WorkQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
