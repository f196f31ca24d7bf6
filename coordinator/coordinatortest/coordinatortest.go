// Package coordinatortest provides a recording coordinator.Client for tests.
package coordinatortest

import (
	"context"
	"sync"

	"github.com/hostside/dispatchdir/coordinator"
)

// FinishCall is one recorded FinishDelivery invocation.
type FinishCall struct {
	ReceiverID string
	Result     coordinator.FinishResult
}

// Recorder implements coordinator.Client and records every call. Error
// injection is configured up front with options.
type Recorder struct {
	mu          sync.Mutex
	finishes    []FinishCall
	unregisters []string
	unbinds     []string

	finishErr     error
	unregisterErr error
	unbindErr     error
}

var _ coordinator.Client = (*Recorder)(nil)

// Option configures a Recorder.
type Option func(*Recorder)

// WithFinishError makes every FinishDelivery call fail with err. The call is
// still recorded.
func WithFinishError(err error) Option {
	return func(r *Recorder) { r.finishErr = err }
}

// WithUnregisterError makes every UnregisterReceiver call fail with err.
func WithUnregisterError(err error) Option {
	return func(r *Recorder) { r.unregisterErr = err }
}

// WithUnbindError makes every UnbindService call fail with err.
func WithUnbindError(err error) Option {
	return func(r *Recorder) { r.unbindErr = err }
}

// New returns an empty Recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) UnregisterReceiver(ctx context.Context, receiverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisters = append(r.unregisters, receiverID)
	return r.unregisterErr
}

func (r *Recorder) UnbindService(ctx context.Context, bindingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbinds = append(r.unbinds, bindingID)
	return r.unbindErr
}

func (r *Recorder) FinishDelivery(ctx context.Context, receiverID string, res coordinator.FinishResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes = append(r.finishes, FinishCall{ReceiverID: receiverID, Result: res})
	return r.finishErr
}

// Finishes returns a copy of every recorded FinishDelivery call, in order.
func (r *Recorder) Finishes() []FinishCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FinishCall(nil), r.finishes...)
}

// FinishCount reports how many finish acknowledgments receiverID has sent.
func (r *Recorder) FinishCount(receiverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.finishes {
		if f.ReceiverID == receiverID {
			n++
		}
	}
	return n
}

// Unregisters returns a copy of every recorded UnregisterReceiver call.
func (r *Recorder) Unregisters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.unregisters...)
}

// Unbinds returns a copy of every recorded UnbindService call.
func (r *Recorder) Unbinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.unbinds...)
}
