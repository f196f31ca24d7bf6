package dispatchdir

import (
	"errors"
	"sync"
	"testing"

	"github.com/hostside/dispatchdir/coordinator/coordinatortest"
	"github.com/hostside/dispatchdir/liveness"
)

func TestOrderedDeliveryFinishesOnce(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	own := &owner{name: "a"}
	q := newManualQueue()

	var sticky bool
	var sender string
	l := &recordingListener{fn: func(ev *Event, del *Delivery) {
		sticky = del.Sticky()
		sender = del.Sender()
		if !del.Ordered() {
			t.Error("delivery must report ordered")
		}
		if del.ResultCode() != 3 {
			t.Errorf("seed result code = %d, want 3", del.ResultCode())
		}
		del.SetResult(7, "handled", map[string]any{"n": 1})
	}}
	stub, err := dir.RegisterEvent(own, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{
		Event:   &Event{Action: "evt.sync", Flags: 0x40},
		Result:  Result{Code: 3, Data: "seed"},
		Ordered: true,
		Sticky:  true,
		Sender:  "coord-1",
	})
	q.pump()

	if l.count() != 1 {
		t.Fatalf("expected one delivery, got %d", l.count())
	}
	if !sticky || sender != "coord-1" {
		t.Fatalf("delivery metadata lost: sticky=%v sender=%q", sticky, sender)
	}

	fins := rec.Finishes()
	if len(fins) != 1 {
		t.Fatalf("expected exactly one finish, got %d", len(fins))
	}
	fin := fins[0]
	if fin.ReceiverID != stub.ID() {
		t.Fatalf("finish addressed to %s, want %s", fin.ReceiverID, stub.ID())
	}
	if fin.Result.Code != 7 || fin.Result.Data != "handled" {
		t.Fatalf("finish result = %+v, want the listener's result", fin.Result)
	}
	if fin.Result.Flags != 0x40 {
		t.Fatalf("finish flags = %#x, want the event's flags echoed", fin.Result.Flags)
	}
	if fin.Result.Abort {
		t.Fatal("finish must not report abort unless the listener asked")
	}
}

func TestOrderedFinishOnceWhenListenerFinishes(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	l := &recordingListener{fn: func(ev *Event, del *Delivery) {
		if err := del.Finish(); err != nil {
			t.Errorf("explicit Finish: %v", err)
		}
		if err := del.Finish(); !errors.Is(err, ErrDeliveryFinished) {
			t.Errorf("second Finish = %v, want ErrDeliveryFinished", err)
		}
	}}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.explicit"}, Ordered: true})
	q.pump()

	if got := rec.FinishCount(stub.ID()); got != 1 {
		t.Fatalf("expected exactly one finish, got %d", got)
	}
}

func TestOrderedFinishOncePanickingListener(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	var hookListener EventListener
	var hookRecovered any
	hook := func(l EventListener, recovered any) bool {
		hookListener = l
		hookRecovered = recovered
		return true
	}

	l := &recordingListener{fn: func(ev *Event, del *Delivery) {
		panic("listener blew up")
	}}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q, WithFailureHook(hook))
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.boom"}, Ordered: true})
	q.pump()

	if got := rec.FinishCount(stub.ID()); got != 1 {
		t.Fatalf("expected exactly one finish despite the panic, got %d", got)
	}
	if hookListener != EventListener(l) {
		t.Fatal("failure hook must receive the panicking listener")
	}
	if hookRecovered != any("listener blew up") {
		t.Fatalf("failure hook recovered %v", hookRecovered)
	}
}

func TestOrderedPanicWithoutHookRepanics(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	l := &recordingListener{fn: func(ev *Event, del *Delivery) {
		panic("unhandled")
	}}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.boom"}, Ordered: true})

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		q.pump()
	}()

	if recovered != any("unhandled") {
		t.Fatalf("expected the panic to surface on the queue, recovered %v", recovered)
	}
	// The chain moved before the panic surfaced.
	if got := rec.FinishCount(stub.ID()); got != 1 {
		t.Fatalf("expected exactly one finish before re-panic, got %d", got)
	}
}

func TestOrderedFinishOnceForgottenListener(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	own := &owner{name: "a"}
	q := newManualQueue()

	l := &recordingListener{}
	stub, err := dir.RegisterEvent(own, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	// Queue the delivery, then deregister before it runs.
	stub.Notify(Notice{Event: &Event{Action: "evt.late"}, Ordered: true})
	if _, err := dir.UnregisterEvent(own, l); err != nil {
		t.Fatalf("UnregisterEvent: %v", err)
	}
	q.pump()

	if l.count() != 0 {
		t.Fatal("forgotten listener must not be invoked")
	}
	if got := rec.FinishCount(stub.ID()); got != 1 {
		t.Fatalf("expected exactly one finish for the forgotten delivery, got %d", got)
	}
}

func TestOrderedFinishOncePostFailure(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()
	q.close()

	l := &recordingListener{}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.refused"}, Ordered: true})

	if l.count() != 0 {
		t.Fatal("listener must not run when the queue refuses the post")
	}
	if got := rec.FinishCount(stub.ID()); got != 1 {
		t.Fatalf("expected exactly one finish after post failure, got %d", got)
	}
}

func TestOrderedFinishOnceNilEvent(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	l := &recordingListener{}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Ordered: true, Result: Result{Code: 9}})
	q.pump()

	if l.count() != 0 {
		t.Fatal("listener must not run for an absent payload")
	}
	fins := rec.Finishes()
	if len(fins) != 1 {
		t.Fatalf("expected exactly one finish for the absent payload, got %d", len(fins))
	}
	if fins[0].Result.Code != 9 {
		t.Fatalf("fallback finish must pass the chain state through, got code %d", fins[0].Result.Code)
	}
}

func TestUnorderedNeverFinishes(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	own := &owner{name: "a"}
	q := newManualQueue()

	l := &recordingListener{}
	stub, err := dir.RegisterEvent(own, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.cast"}})
	q.pump()
	if l.count() != 1 {
		t.Fatalf("expected one delivery, got %d", l.count())
	}

	// Forgotten, post-failure and severed-stub paths stay silent too.
	stub.Notify(Notice{Event: &Event{Action: "evt.cast"}})
	if _, err := dir.UnregisterEvent(own, l); err != nil {
		t.Fatalf("UnregisterEvent: %v", err)
	}
	q.pump()
	stub.Notify(Notice{Event: &Event{Action: "evt.cast"}})

	if got := len(rec.Finishes()); got != 0 {
		t.Fatalf("unordered notifications must never finish, got %d", got)
	}
}

func TestAsyncDeliveryDefersFinish(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	var mu sync.Mutex
	var pending *Delivery
	l := &recordingListener{fn: func(ev *Event, del *Delivery) {
		mu.Lock()
		pending = del.Async()
		mu.Unlock()
	}}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.async"}, Ordered: true})
	q.pump()

	if got := len(rec.Finishes()); got != 0 {
		t.Fatalf("async delivery must not auto-finish, got %d finishes", got)
	}

	mu.Lock()
	del := pending
	mu.Unlock()
	if del == nil {
		t.Fatal("listener never saw the delivery")
	}
	del.SetResultCode(11)
	if err := del.Finish(); err != nil {
		t.Fatalf("deferred Finish: %v", err)
	}

	fins := rec.Finishes()
	if len(fins) != 1 {
		t.Fatalf("expected exactly one finish after deferred completion, got %d", len(fins))
	}
	if fins[0].Result.Code != 11 {
		t.Fatalf("deferred finish carried code %d, want 11", fins[0].Result.Code)
	}
	if err := del.Finish(); !errors.Is(err, ErrDeliveryFinished) {
		t.Fatalf("second Finish = %v, want ErrDeliveryFinished", err)
	}
}

func TestAbortPropagates(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	l := &recordingListener{fn: func(ev *Event, del *Delivery) {
		del.Abort()
		if !del.Aborted() {
			t.Error("Aborted must reflect Abort")
		}
	}}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.stop"}, Ordered: true})
	q.pump()

	fins := rec.Finishes()
	if len(fins) != 1 || !fins[0].Result.Abort {
		t.Fatalf("expected one aborting finish, got %+v", fins)
	}
}

func TestSeveredStubKeepsOrderedChainMoving(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	own := &owner{name: "a"}
	q := newManualQueue()

	l := &recordingListener{}
	stub, err := dir.RegisterEvent(own, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	if _, err := dir.UnregisterEvent(own, l); err != nil {
		t.Fatalf("UnregisterEvent: %v", err)
	}

	stub.Notify(Notice{
		Event:   &Event{Action: "evt.gone", Flags: 0x2},
		Result:  Result{Code: 5, Data: "prior"},
		Ordered: true,
	})
	q.pump()

	if l.count() != 0 {
		t.Fatal("unregistered listener must not be invoked")
	}
	fins := rec.Finishes()
	if len(fins) != 1 {
		t.Fatalf("expected exactly one fallback finish, got %d", len(fins))
	}
	if fins[0].Result.Code != 5 || fins[0].Result.Data != "prior" || fins[0].Result.Flags != 0x2 {
		t.Fatalf("fallback finish must pass chain state through, got %+v", fins[0].Result)
	}
}

func TestOneShotDeliversExactlyOnce(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	l := &recordingListener{}
	stub, err := dir.OneShotEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("OneShotEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.once"}, Ordered: true})
	q.pump()

	if l.count() != 1 {
		t.Fatalf("expected one delivery, got %d", l.count())
	}
	// Ordered one-shots acknowledge like any other delivery.
	if got := rec.FinishCount(stub.ID()); got != 1 {
		t.Fatalf("expected one finish, got %d", got)
	}

	// The stub is spent; a second notification is dropped.
	stub.Notify(Notice{Event: &Event{Action: "evt.once"}, Ordered: true})
	q.pump()
	if l.count() != 1 {
		t.Fatalf("spent one-shot stub must not deliver again, got %d deliveries", l.count())
	}
	if got := rec.FinishCount(stub.ID()); got != 1 {
		t.Fatalf("spent one-shot stub must not finish again, got %d", got)
	}
}

func TestOneShotPostFailureStaysSilent(t *testing.T) {
	t.Parallel()

	rec := coordinatortest.New()
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()
	q.close()

	l := &recordingListener{}
	stub, err := dir.OneShotEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("OneShotEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.once"}, Ordered: true})

	// The stall-prevention fallback is for coordinator-registered listeners;
	// a one-shot was never in the coordinator's chain bookkeeping.
	if got := len(rec.Finishes()); got != 0 {
		t.Fatalf("one-shot post failure must not finish, got %d", got)
	}
	// The failed hand-off still spends the stub.
	stub.Notify(Notice{Event: &Event{Action: "evt.once"}, Ordered: true})
	q.pump()
	if l.count() != 0 {
		t.Fatal("spent one-shot stub must not deliver")
	}
}

func TestFinishErrorSurfacesToCaller(t *testing.T) {
	t.Parallel()

	boom := errors.New("coordinator unreachable")
	rec := coordinatortest.New(coordinatortest.WithFinishError(boom))
	dir := mustDirectory(t, rec, liveness.NewLocal())
	q := newManualQueue()

	var mu sync.Mutex
	var pending *Delivery
	l := &recordingListener{fn: func(ev *Event, del *Delivery) {
		mu.Lock()
		pending = del.Async()
		mu.Unlock()
	}}
	stub, err := dir.RegisterEvent(&owner{name: "a"}, l, q)
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	stub.Notify(Notice{Event: &Event{Action: "evt.err"}, Ordered: true})
	q.pump()

	mu.Lock()
	del := pending
	mu.Unlock()
	if err := del.Finish(); !errors.Is(err, boom) {
		t.Fatalf("Finish = %v, want wrapped coordinator error", err)
	}
}
