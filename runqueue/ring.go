package runqueue

import (
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
)

const (
	ringIdle int32 = iota
	ringProcessing
)

// Ring is a Queue backed by a ring buffer with a single worker goroutine
// that sleeps while the buffer is empty and is woken by the first producer
// to land a task. Producers contend only on the buffer, not on a channel,
// which keeps Post cheap under many concurrent posters.
type Ring struct {
	mu      sync.Mutex
	buf     *queue.RingBuffer
	stopped bool

	status  atomic.Int32
	signal  chan struct{}
	done    chan struct{}
	drained chan struct{}
}

var _ Queue = (*Ring)(nil)

// NewRing starts a ring queue and its worker goroutine. The capacity is
// rounded up to the next power of two by the underlying buffer.
func NewRing(opts ...Option) *Ring {
	cfg := config{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Ring{
		buf:     queue.NewRingBuffer(uint64(cfg.capacity)),
		signal:  make(chan struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	r.status.Store(ringIdle)
	go r.run()
	return r
}

// Post implements Queue.
func (r *Ring) Post(task func()) bool {
	if task == nil {
		return false
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	ok, err := r.buf.Offer(task)
	r.mu.Unlock()
	if err != nil || !ok {
		return false
	}

	if r.status.CompareAndSwap(ringIdle, ringProcessing) {
		select {
		case r.signal <- struct{}{}:
		case <-r.done:
		}
	}
	return true
}

// Stop closes intake. Tasks already accepted still run; Done is closed once
// the worker has drained them. Stop is idempotent.
func (r *Ring) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.done)
}

// Done is closed after Stop once every accepted task has run.
func (r *Ring) Done() <-chan struct{} {
	return r.drained
}

func (r *Ring) run() {
	defer close(r.drained)
	for {
		select {
		case <-r.done:
			// Intake is closed, so one final sweep empties the buffer.
			r.sweep()
			return
		case <-r.signal:
			for {
				r.sweep()
				r.status.Store(ringIdle)
				// A task offered between the sweep and the status flip
				// saw status==processing and sent no wake signal, so it
				// must be reclaimed here.
				if r.buf.Len() == 0 {
					break
				}
				if !r.status.CompareAndSwap(ringIdle, ringProcessing) {
					break
				}
			}
		}
	}
}

func (r *Ring) sweep() {
	for r.buf.Len() != 0 {
		v, err := r.buf.Get()
		if err != nil {
			return
		}
		if task, ok := v.(func()); ok {
			task()
		}
	}
}
