// Package memorycoord is an in-process coordinator for single-process
// deployments, examples and tests. It implements the directory-facing
// coordinator.Client contract and adds the sending side: Broadcast fans a
// notice out to stubs unordered, SendOrdered walks stubs sequentially,
// waiting for each recipient's finish acknowledgment and threading the
// mutable result through the chain.
package memorycoord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hostside/dispatchdir"
	"github.com/hostside/dispatchdir/coordinator"
)

// ErrDeliveryPending is returned by SendOrdered when a receiver already has
// an ordered delivery awaiting its finish acknowledgment.
var ErrDeliveryPending = errors.New("an ordered delivery is already pending for this receiver")

// Coordinator is an in-memory coordinator. The zero value is not usable; use
// New.
type Coordinator struct {
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]chan coordinator.FinishResult
	gone    map[string]struct{}
}

var _ coordinator.Client = (*Coordinator)(nil)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(map[string]chan coordinator.FinishResult),
		gone:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UnregisterReceiver marks the receiver gone: Broadcast and SendOrdered skip
// it from then on. Unknown IDs are fine; teardown unregisters best-effort.
func (c *Coordinator) UnregisterReceiver(ctx context.Context, receiverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone[receiverID] = struct{}{}
	return nil
}

// UnbindService acknowledges an unbind. The in-memory coordinator holds no
// binding table — connection notices are driven by the caller — so this only
// logs.
func (c *Coordinator) UnbindService(ctx context.Context, bindingID string) error {
	c.log.DebugContext(ctx, "service unbound", slog.String("binding_id", bindingID))
	return nil
}

// FinishDelivery routes a finish acknowledgment to the SendOrdered call
// awaiting it. A finish nobody awaits is dropped: the await may have timed
// out, or the chain already moved on.
func (c *Coordinator) FinishDelivery(ctx context.Context, receiverID string, res coordinator.FinishResult) error {
	c.mu.Lock()
	ch := c.pending[receiverID]
	delete(c.pending, receiverID)
	c.mu.Unlock()

	if ch == nil {
		c.log.DebugContext(ctx, "finish with no awaiting delivery dropped",
			slog.String("receiver_id", receiverID))
		return nil
	}
	ch <- res
	return nil
}

// Broadcast fans ev out to every stub, unordered. No acknowledgment is
// awaited and no result is collected. Receivers that were unregistered are
// skipped.
func (c *Coordinator) Broadcast(ev *dispatchdir.Event, sender string, stubs ...*dispatchdir.EventStub) {
	for _, stub := range stubs {
		if c.isGone(stub.ID()) {
			continue
		}
		stub.Notify(dispatchdir.Notice{Event: ev, Sender: sender})
	}
}

// SendOrdered delivers ev to each stub in order, seeding the chain with
// initial and waiting for each recipient's finish acknowledgment before
// notifying the next. Each recipient sees the previous recipient's result
// and may overwrite it; the final result is returned. A recipient that
// aborts stops the chain. Unregistered or severed recipients never stall the
// chain: severed stubs finish on the registration's behalf, and gone
// receivers are skipped outright.
func (c *Coordinator) SendOrdered(ctx context.Context, ev *dispatchdir.Event, initial dispatchdir.Result, sender string, stubs ...*dispatchdir.EventStub) (dispatchdir.Result, error) {
	res := initial
	for _, stub := range stubs {
		id := stub.ID()
		if c.isGone(id) {
			continue
		}

		ch := make(chan coordinator.FinishResult, 1)
		c.mu.Lock()
		if _, exists := c.pending[id]; exists {
			c.mu.Unlock()
			return res, fmt.Errorf("notify receiver %s: %w", id, ErrDeliveryPending)
		}
		c.pending[id] = ch
		c.mu.Unlock()

		stub.Notify(dispatchdir.Notice{
			Event:   ev,
			Result:  res,
			Ordered: true,
			Sender:  sender,
		})

		select {
		case fin := <-ch:
			res = dispatchdir.Result{Code: fin.Code, Data: fin.Data, Extras: fin.Extras}
			if fin.Abort {
				c.log.DebugContext(ctx, "ordered chain aborted",
					slog.String("receiver_id", id),
					slog.String("action", ev.Action))
				return res, nil
			}
		case <-ctx.Done():
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			return res, ctx.Err()
		}
	}
	return res, nil
}

func (c *Coordinator) isGone(receiverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, gone := c.gone[receiverID]
	return gone
}
