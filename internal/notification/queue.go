package notification

import "sync"

// Queue runs delivered functions one at a time on a single goroutine, in
// the order they were delivered. Its Deliver method is a Deliver.
type Queue struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	done   chan struct{}
}

// NewQueue starts the queue goroutine. size bounds how many functions may
// wait before Deliver blocks.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	q := &Queue{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for fn := range q.tasks {
		fn()
	}
}

// Deliver enqueues fn. Functions delivered after Close are dropped. fn must
// not call Deliver itself.
func (q *Queue) Deliver(fn func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.tasks <- fn
}

// Close stops accepting work and waits for everything queued to run.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	<-q.done
}
