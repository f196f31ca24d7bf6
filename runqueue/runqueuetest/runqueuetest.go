// Package runqueuetest holds the conformance suite every runqueue.Queue
// implementation must pass.
package runqueuetest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostside/dispatchdir/runqueue"
)

// StoppableQueue is the surface the suite exercises: the Queue contract plus
// the lifecycle both shipped implementations share.
type StoppableQueue interface {
	runqueue.Queue
	Stop()
	Done() <-chan struct{}
}

// QueueFactory creates a fresh queue instance for one subtest.
type QueueFactory func(t *testing.T) StoppableQueue

// RunQueueTests runs the complete queue contract suite against the provided
// factory.
func RunQueueTests(t *testing.T, factory QueueFactory) {
	t.Run("ExecutesInPostOrder", func(t *testing.T) {
		testExecutesInPostOrder(t, factory)
	})
	t.Run("NeverRunsTasksConcurrently", func(t *testing.T) {
		testNeverRunsTasksConcurrently(t, factory)
	})
	t.Run("PostAfterStopReturnsFalse", func(t *testing.T) {
		testPostAfterStopReturnsFalse(t, factory)
	})
	t.Run("StopDrainsAcceptedTasks", func(t *testing.T) {
		testStopDrainsAcceptedTasks(t, factory)
	})
	t.Run("NilTaskRejected", func(t *testing.T) {
		testNilTaskRejected(t, factory)
	})
	t.Run("ConcurrentProducers", func(t *testing.T) {
		testConcurrentProducers(t, factory)
	})
}

// flush posts a marker task and waits for it to run, proving every earlier
// accepted task has run too.
func flush(t *testing.T, q runqueue.Queue) {
	t.Helper()
	ran := make(chan struct{})
	if !q.Post(func() { close(ran) }) {
		t.Fatal("queue refused flush marker")
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not run flush marker within timeout")
	}
}

func testExecutesInPostOrder(t *testing.T, factory QueueFactory) {
	q := factory(t)
	defer q.Stop()

	const n = 200
	var mu sync.Mutex
	var got []int
	for i := 0; i < n; i++ {
		i := i
		if !q.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Post %d refused", i)
		}
	}

	flush(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("expected %d tasks to run, got %d", n, len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (saw %d)", i, v)
		}
	}
}

func testNeverRunsTasksConcurrently(t *testing.T, factory QueueFactory) {
	q := factory(t)
	defer q.Stop()

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				// Retry on full: this test is about overlap, not capacity.
				for !q.Post(func() {
					if inFlight.Add(1) > 1 {
						overlapped.Store(true)
					}
					time.Sleep(time.Microsecond)
					inFlight.Add(-1)
				}) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	flush(t, q)

	if overlapped.Load() {
		t.Fatal("two tasks ran concurrently on a serialized queue")
	}
}

func testPostAfterStopReturnsFalse(t *testing.T, factory QueueFactory) {
	q := factory(t)
	q.Stop()

	if q.Post(func() {}) {
		t.Fatal("Post accepted a task after Stop")
	}

	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain within timeout")
	}
}

func testStopDrainsAcceptedTasks(t *testing.T, factory QueueFactory) {
	q := factory(t)

	const n = 50
	var ran atomic.Int32
	accepted := 0
	for i := 0; i < n; i++ {
		if q.Post(func() { ran.Add(1) }) {
			accepted++
		}
	}

	q.Stop()

	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain within timeout")
	}

	if got := int(ran.Load()); got != accepted {
		t.Fatalf("accepted %d tasks but ran %d", accepted, got)
	}
}

func testNilTaskRejected(t *testing.T, factory QueueFactory) {
	q := factory(t)
	defer q.Stop()

	if q.Post(nil) {
		t.Fatal("Post accepted a nil task")
	}
}

func testConcurrentProducers(t *testing.T, factory QueueFactory) {
	q := factory(t)

	var accepted atomic.Int32
	var ran atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if q.Post(func() { ran.Add(1) }) {
					accepted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	q.Stop()
	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain within timeout")
	}

	if accepted.Load() != ran.Load() {
		t.Fatalf("accepted %d tasks but ran %d", accepted.Load(), ran.Load())
	}
}
