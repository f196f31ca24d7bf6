// Package runqueue provides the execution contexts that dispatchers deliver
// listener callbacks on. A queue is a single logical serialized executor: a
// given listener never runs concurrently with itself, and tasks posted to the
// same queue run in post order.
//
// Posting never blocks. Post reports false when the queue cannot accept more
// work (stopped, or at capacity); callers treat that as a normal fallback
// path, not an error. Once Post has returned true the task will run, even if
// the queue is stopped afterwards: Stop closes intake and drains what was
// already accepted.
//
// Implementations:
//
//   - Serial : one worker goroutine draining a bounded channel.
//   - Ring   : one worker goroutine draining a lock-free ring buffer; suited
//     to many concurrent producers.
package runqueue

import "sync"

// Queue accepts deferred tasks for serialized execution.
type Queue interface {
	// Post schedules task to run on the queue's executor. It returns false
	// when the queue is stopped or full, in which case task will never run.
	Post(task func()) bool
}

const defaultCapacity = 128

type config struct {
	capacity int
}

// Option configures a queue constructor.
type Option func(*config)

// WithCapacity bounds the number of tasks a queue will hold before Post
// starts reporting false. Values below one fall back to the default.
func WithCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// Serial is a Queue backed by a bounded channel and a single worker
// goroutine. The zero value is not usable; construct with NewSerial.
type Serial struct {
	mu      sync.Mutex
	tasks   chan func()
	stopped bool
	done    chan struct{}
}

var _ Queue = (*Serial)(nil)

// NewSerial starts a serial queue and its worker goroutine.
func NewSerial(opts ...Option) *Serial {
	cfg := config{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Serial{
		tasks: make(chan func(), cfg.capacity),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.done)
	for task := range s.tasks {
		task()
	}
}

// Post implements Queue.
func (s *Serial) Post(task func()) bool {
	if task == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop closes intake. Tasks already accepted still run; Done is closed once
// the worker has drained them. Stop is idempotent.
func (s *Serial) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.tasks)
}

// Done is closed after Stop once every accepted task has run.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}
