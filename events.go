package dispatchdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hostside/dispatchdir/coordinator"
	"github.com/hostside/dispatchdir/internal/callstack"
	"github.com/hostside/dispatchdir/internal/logctx"
	"github.com/hostside/dispatchdir/runqueue"
)

// Owner identifies the component that performed a registration. Values must
// be comparable — conventionally a pointer to the owning component. The
// directory uses identity only; it never inspects the owner.
type Owner = any

// Event is one notification payload from the coordinator.
type Event struct {
	Action  string
	Payload map[string]any

	// Flags are opaque to the directory and echoed into the finish
	// acknowledgment of an ordered delivery.
	Flags int
}

// Result is the mutable aggregate state of an ordered notification chain.
// Each recipient sees the previous recipient's result and may overwrite it
// through its Delivery before finishing.
type Result struct {
	Code   int
	Data   string
	Extras map[string]any
}

// Notice is one inbound notification exactly as the coordinator hands it to
// a stub.
type Notice struct {
	Event  *Event
	Result Result

	// Ordered marks the notice as part of a completion-acknowledged chain:
	// the coordinator will not notify the next recipient until this one's
	// finish signal arrives.
	Ordered bool

	// Sticky marks a notice replayed from the coordinator's retained state
	// rather than delivered live.
	Sticky bool

	// Sender identifies the notice's origin.
	Sender string
}

// EventListener receives event notifications on its registration's queue.
type EventListener interface {
	// OnEvent is invoked once per delivered notification. del carries the
	// chain state and the completion protocol; see Delivery. ev is never
	// nil.
	OnEvent(ev *Event, del *Delivery)
}

// FailureHook is consulted when a listener panics during delivery. Returning
// true marks the panic handled; returning false re-raises it on the queue
// goroutine. The chain's finish signal has already been sent by the time the
// hook runs.
type FailureHook func(listener EventListener, recovered any) bool

type stubMode int

const (
	// registryOwned stubs hold a droppable back-reference: the registry
	// owns the dispatcher and severs the stub at unregister or teardown.
	registryOwned stubMode = iota
	// selfOwned stubs hold the sole reference, released after the single
	// delivery completes.
	selfOwned
)

// EventStub is the remote-facing handle for one event registration: the
// coordinator (or an in-process stand-in such as memorycoord) calls Notify
// to deliver. Stubs outlive their dispatcher; a stub whose dispatcher is
// gone falls back to finishing ordered deliveries on the registration's
// behalf so the coordinator's chain never stalls.
type EventStub struct {
	id   string
	mode stubMode
	dir  *Directory
	d    atomic.Pointer[eventDispatcher]
}

// ID is the identity the coordinator uses to address this registration.
func (s *EventStub) ID() string { return s.id }

// drop severs the stub's back-reference; subsequent notifications take the
// absent-dispatcher fallback.
func (s *EventStub) drop() { s.d.Store(nil) }

// Notify delivers one notification. Safe to call from any goroutine.
func (s *EventStub) Notify(n Notice) {
	d := s.d.Load()
	if d == nil {
		s.notifyAbsent(n)
		return
	}
	d.notify(n)
}

func (s *EventStub) notifyAbsent(n Notice) {
	if s.mode == selfOwned {
		// The one delivery this stub existed for already completed.
		s.dir.log.Warn("notification for spent one-shot stub dropped",
			slog.String("receiver_id", s.id),
			slog.String("action", actionOf(n.Event)))
		return
	}
	if !n.Ordered {
		s.dir.log.Debug("notification for unregistered listener dropped",
			slog.String("receiver_id", s.id),
			slog.String("action", actionOf(n.Event)))
		return
	}

	// Finish on the unregistered listener's behalf, passing the chain
	// state through untouched.
	ctx := logctx.WithDeliveryData(context.Background(), &logctx.DeliveryData{
		ReceiverID: s.id,
		Action:     actionOf(n.Event),
		Ordered:    true,
	})
	res := coordinator.FinishResult{
		Code:   n.Result.Code,
		Data:   n.Result.Data,
		Extras: n.Result.Extras,
		Flags:  flagsOf(n.Event),
	}
	if err := s.dir.coord.FinishDelivery(ctx, s.id, res); err != nil {
		s.dir.log.WarnContext(ctx, "finish for unregistered listener failed",
			slog.String("err", err.Error()))
	}
}

// eventDispatcher wraps one listener registered (or not) with the
// coordinator. At most one live dispatcher exists per (owner, listener)
// pair; the directory's event map owns registry-owned dispatchers.
type eventDispatcher struct {
	dir      *Directory
	owner    Owner
	listener EventListener
	queue    runqueue.Queue
	hook     FailureHook

	// registered mirrors the coordinator's view of this listener; the
	// stall-prevention fallbacks fire only for registered dispatchers.
	registered      bool
	debugUnregister bool

	forgotten atomic.Bool

	stub *EventStub

	registeredAt callstack.Trace
	// unregisteredAt is written and read under the directory's event lock.
	unregisteredAt callstack.Trace
}

// EventOption customizes one event registration. Options apply to the first
// registration of a pair; an idempotent re-registration leaves the live
// dispatcher's options untouched.
type EventOption func(*eventDispatcher)

// WithFailureHook installs hook for panics raised by this listener's OnEvent.
func WithFailureHook(hook FailureHook) EventOption {
	return func(d *eventDispatcher) { d.hook = hook }
}

// WithDebugUnregister opts the registration into deregistration diagnostics:
// after unregister the dispatcher is shadowed so a second unregister fails
// with a DoubleUnregisterError carrying the first call site.
func WithDebugUnregister() EventOption {
	return func(d *eventDispatcher) { d.debugUnregister = true }
}

func newEventDispatcher(dir *Directory, owner Owner, l EventListener, q runqueue.Queue, mode stubMode, registered bool, opts []EventOption) *eventDispatcher {
	d := &eventDispatcher{
		dir:          dir,
		owner:        owner,
		listener:     l,
		queue:        q,
		registered:   registered,
		registeredAt: callstack.Capture(1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.stub = &EventStub{id: uuid.NewString(), mode: mode, dir: dir}
	d.stub.d.Store(d)
	return d
}

func (d *eventDispatcher) validate(owner Owner, q runqueue.Queue) error {
	if d.owner != owner {
		return &IdentityMismatchError{Listener: describe(d.listener), Reason: "owner"}
	}
	if d.queue != q {
		return &IdentityMismatchError{Listener: describe(d.listener), Reason: "queue"}
	}
	return nil
}

// notify runs on the coordinator's goroutine: build the delivery, hand it to
// the queue, and keep the ordered chain moving if the hand-off fails.
func (d *eventDispatcher) notify(n Notice) {
	del := newDelivery(d, n)

	posted := false
	if n.Event == nil {
		d.dir.log.Error("refusing delivery of nil event",
			slog.String("receiver_id", d.stub.id))
	} else {
		if d.dir.traceOn() {
			d.dir.log.Debug("enqueueing event delivery",
				slog.String("receiver_id", d.stub.id),
				slog.String("action", n.Event.Action),
				slog.Bool("ordered", n.Ordered))
		}
		posted = d.queue.Post(func() { d.run(del) })
	}
	if posted {
		return
	}

	// Queue refused (stopped or full) or there was nothing to deliver. The
	// coordinator is still waiting on an ordered chain, so finish here.
	if d.registered && n.Ordered {
		del.finishQuietly("delivery not posted")
	}
	d.release()
}

// run executes on the registration's queue.
func (d *eventDispatcher) run(del *Delivery) {
	if d.forgotten.Load() || d.listener == nil {
		// The registration went away between post and run.
		if d.registered && del.ordered {
			del.finishQuietly("listener forgotten")
		}
		d.release()
		return
	}

	ctx := logctx.WithDeliveryData(context.Background(), &logctx.DeliveryData{
		ReceiverID: d.stub.id,
		Action:     actionOf(del.ev),
		Ordered:    del.ordered,
	})
	if d.dir.traceOn() {
		d.dir.log.DebugContext(ctx, "dispatching event delivery")
	}

	defer d.release()
	defer func() {
		if r := recover(); r != nil {
			// The chain must move before the failure surfaces anywhere.
			if d.registered && del.ordered {
				del.finishQuietly("listener panicked")
			}
			if d.hook != nil && d.hook(d.listener, r) {
				d.dir.log.ErrorContext(ctx, "listener panic handled by failure hook",
					slog.String("listener", describe(d.listener)),
					slog.Any("recovered", r))
				return
			}
			panic(r)
		}
	}()

	d.listener.OnEvent(del.ev, del)

	if !del.async.Load() {
		if err := del.Finish(); err != nil && !errors.Is(err, ErrDeliveryFinished) {
			d.dir.log.WarnContext(ctx, "delivery finish failed",
				slog.String("err", err.Error()))
		}
	}
}

// release spends a self-owned stub once its single delivery has completed.
// Registry-owned stubs are severed by the directory instead.
func (d *eventDispatcher) release() {
	if d.stub.mode == selfOwned {
		d.stub.drop()
	}
}

// Delivery is the pending-result handle for one event notification. For an
// ordered notice the coordinator holds the rest of the chain until Finish is
// called, exactly once. The dispatcher finishes automatically when OnEvent
// returns unless the listener called Async to take that obligation over.
type Delivery struct {
	receiverID string
	coord      coordinator.Client
	log        *slog.Logger
	registered bool
	ordered    bool
	sticky     bool
	sender     string
	flags      int

	ev *Event

	mu     sync.Mutex
	code   int
	data   string
	extras map[string]any
	abort  bool

	async    atomic.Bool
	finished atomic.Bool
}

func newDelivery(d *eventDispatcher, n Notice) *Delivery {
	return &Delivery{
		receiverID: d.stub.id,
		coord:      d.dir.coord,
		log:        d.dir.log,
		registered: d.registered,
		ordered:    n.Ordered,
		sticky:     n.Sticky,
		sender:     n.Sender,
		flags:      flagsOf(n.Event),
		ev:         n.Event,
		code:       n.Result.Code,
		data:       n.Result.Data,
		extras:     n.Result.Extras,
	}
}

// Ordered reports whether this delivery is part of a completion-acknowledged
// chain.
func (del *Delivery) Ordered() bool { return del.ordered }

// Sticky reports whether the notice was replayed from retained state.
func (del *Delivery) Sticky() bool { return del.sticky }

// Sender identifies the notice's origin.
func (del *Delivery) Sender() string { return del.sender }

// ResultCode returns the chain's current result code.
func (del *Delivery) ResultCode() int {
	del.mu.Lock()
	defer del.mu.Unlock()
	return del.code
}

// SetResultCode overwrites the chain's result code.
func (del *Delivery) SetResultCode(code int) {
	del.mu.Lock()
	defer del.mu.Unlock()
	del.code = code
}

// ResultData returns the chain's current result data.
func (del *Delivery) ResultData() string {
	del.mu.Lock()
	defer del.mu.Unlock()
	return del.data
}

// SetResultData overwrites the chain's result data.
func (del *Delivery) SetResultData(data string) {
	del.mu.Lock()
	defer del.mu.Unlock()
	del.data = data
}

// ResultExtras returns the chain's current extras map.
func (del *Delivery) ResultExtras() map[string]any {
	del.mu.Lock()
	defer del.mu.Unlock()
	return del.extras
}

// SetResultExtras overwrites the chain's extras map.
func (del *Delivery) SetResultExtras(extras map[string]any) {
	del.mu.Lock()
	defer del.mu.Unlock()
	del.extras = extras
}

// SetResult overwrites code, data and extras in one step.
func (del *Delivery) SetResult(code int, data string, extras map[string]any) {
	del.mu.Lock()
	defer del.mu.Unlock()
	del.code = code
	del.data = data
	del.extras = extras
}

// Abort asks the coordinator to stop the chain after this recipient.
func (del *Delivery) Abort() {
	del.mu.Lock()
	defer del.mu.Unlock()
	del.abort = true
}

// ClearAbort withdraws a previous Abort.
func (del *Delivery) ClearAbort() {
	del.mu.Lock()
	defer del.mu.Unlock()
	del.abort = false
}

// Aborted reports whether the chain will stop after this recipient.
func (del *Delivery) Aborted() bool {
	del.mu.Lock()
	defer del.mu.Unlock()
	return del.abort
}

// Async defers completion: the dispatcher will not finish the delivery when
// OnEvent returns, and the listener must call Finish itself — from any
// goroutine, exactly once. Returns del for handing off.
func (del *Delivery) Async() *Delivery {
	del.async.Store(true)
	return del
}

// Finish sends the delivery's completion signal. For ordered deliveries the
// current result state is reported to the coordinator; for unordered ones
// completion is recorded locally and nothing is sent. A second call returns
// ErrDeliveryFinished.
func (del *Delivery) Finish() error {
	if !del.finished.CompareAndSwap(false, true) {
		return ErrDeliveryFinished
	}
	if !del.ordered {
		return nil
	}
	return del.sendFinish()
}

// finishQuietly is the stall-prevention path: finish if nobody has yet, and
// only log on failure. Callers gate on registered && ordered.
func (del *Delivery) finishQuietly(reason string) {
	if !del.finished.CompareAndSwap(false, true) {
		return
	}
	if err := del.sendFinish(); err != nil {
		del.log.Warn("fallback finish failed",
			slog.String("receiver_id", del.receiverID),
			slog.String("reason", reason),
			slog.String("err", err.Error()))
	}
}

func (del *Delivery) sendFinish() error {
	del.mu.Lock()
	res := coordinator.FinishResult{
		Code:   del.code,
		Data:   del.data,
		Extras: del.extras,
		Abort:  del.abort,
		Flags:  del.flags,
	}
	del.mu.Unlock()

	// The signal must reach the coordinator even when the notifying context
	// is long gone; the chain would stall otherwise.
	ctx := logctx.WithDeliveryData(context.Background(), &logctx.DeliveryData{
		ReceiverID: del.receiverID,
		Action:     actionOf(del.ev),
		Ordered:    del.ordered,
	})
	if err := del.coord.FinishDelivery(ctx, del.receiverID, res); err != nil {
		return fmt.Errorf("finish delivery: %w", err)
	}
	return nil
}

func actionOf(ev *Event) string {
	if ev == nil {
		return ""
	}
	return ev.Action
}

func flagsOf(ev *Event) int {
	if ev == nil {
		return 0
	}
	return ev.Flags
}
