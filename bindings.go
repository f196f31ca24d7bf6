package dispatchdir

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hostside/dispatchdir/internal/callstack"
	"github.com/hostside/dispatchdir/internal/logctx"
	"github.com/hostside/dispatchdir/liveness"
	"github.com/hostside/dispatchdir/runqueue"
)

// ConnectionListener receives connect/disconnect callbacks for named remote
// service endpoints, on its registration's queue (or inline on the notifying
// goroutine when the binding was registered without one).
type ConnectionListener interface {
	// OnConnected reports that component's endpoint became available.
	OnConnected(component string, ep liveness.Endpoint)

	// OnDisconnected reports that component's endpoint went away: it died,
	// was superseded by a newer endpoint, or the coordinator sent an
	// explicit disconnect notice.
	OnDisconnected(component string)
}

// BindFlag adjusts binding registration behavior.
type BindFlag int

const (
	// BindDebugUnbind opts the binding into deregistration diagnostics:
	// after unbind the dispatcher is shadowed so a second unbind fails with
	// a DoubleUnregisterError carrying the first call site.
	BindDebugUnbind BindFlag = 1 << iota
)

// BindingStub is the remote-facing handle for one service binding. The
// coordinator (or an in-process stand-in) reports endpoint availability
// through Connected.
type BindingStub struct {
	id  string
	dir *Directory
	d   atomic.Pointer[bindingDispatcher]
}

// ID is the identity the coordinator uses to address this binding.
func (s *BindingStub) ID() string { return s.id }

func (s *BindingStub) drop() { s.d.Store(nil) }

// Connected delivers a connection notice for component. A nil endpoint means
// "disconnected" — the two notices deliberately share one entry point, and
// callers rely on the dual-purpose signature. Safe to call from any
// goroutine.
func (s *BindingStub) Connected(component string, ep liveness.Endpoint) {
	d := s.d.Load()
	if d == nil {
		s.dir.log.DebugContext(bindingCtx(s.id, component),
			"connection notice for released binding dropped")
		return
	}
	d.dispatch(component, func() { d.applyConnected(component, ep) })
}

func bindingCtx(id, component string) context.Context {
	return logctx.WithBindingData(context.Background(), &logctx.BindingData{
		BindingID: id,
		Component: component,
	})
}

// connection is one live binding: the endpoint and its armed death watch.
type connection struct {
	endpoint liveness.Endpoint
	token    liveness.Token
}

// bindingDispatcher wraps one listener bound to zero-or-more named remote
// endpoints. All state transitions happen under mu; listener callbacks are
// always invoked after it is released.
type bindingDispatcher struct {
	dir      *Directory
	owner    Owner
	listener ConnectionListener
	queue    runqueue.Queue
	flags    BindFlag

	stub *BindingStub

	mu        sync.Mutex
	forgotten bool
	active    map[string]connection

	registeredAt callstack.Trace
	// unboundAt is written and read under the directory's binding lock.
	unboundAt callstack.Trace
}

func newBindingDispatcher(dir *Directory, owner Owner, c ConnectionListener, q runqueue.Queue, flags BindFlag) *bindingDispatcher {
	bd := &bindingDispatcher{
		dir:          dir,
		owner:        owner,
		listener:     c,
		queue:        q,
		flags:        flags,
		active:       make(map[string]connection),
		registeredAt: callstack.Capture(1),
	}
	bd.stub = &BindingStub{id: uuid.NewString(), dir: dir}
	bd.stub.d.Store(bd)
	return bd
}

func (bd *bindingDispatcher) validate(owner Owner, q runqueue.Queue) error {
	if bd.owner != owner {
		return &IdentityMismatchError{Listener: describe(bd.listener), Reason: "owner"}
	}
	if bd.queue != q {
		return &IdentityMismatchError{Listener: describe(bd.listener), Reason: "queue"}
	}
	return nil
}

// dispatch marshals fn onto the registration's queue, or runs it inline when
// the binding has none. Connection notices carry no completion protocol, so
// a refused post is logged and dropped; the armed death watch still covers
// endpoint liveness.
func (bd *bindingDispatcher) dispatch(component string, fn func()) {
	if bd.queue == nil {
		fn()
		return
	}
	if !bd.queue.Post(fn) {
		bd.dir.log.WarnContext(bindingCtx(bd.stub.id, component),
			"connection notice dropped: queue refused post")
	}
}

// applyConnected executes on the registration's queue (or inline) and is the
// single writer for connect-epoch transitions of component.
func (bd *bindingDispatcher) applyConnected(component string, ep liveness.Endpoint) {
	bd.mu.Lock()
	if bd.forgotten {
		bd.mu.Unlock()
		return
	}

	old, had := bd.active[component]
	if had && old.endpoint == ep {
		// Duplicate notice for the endpoint already wrapped.
		bd.mu.Unlock()
		return
	}

	// The previous epoch's watch is disarmed before the new one is armed so
	// a superseded endpoint can never fire into the new epoch.
	if had {
		bd.dir.mon.Disarm(old.token)
		delete(bd.active, component)
	}

	if ep != nil {
		tok, err := bd.dir.mon.Arm(ep, func() { bd.death(component, ep) })
		if err != nil {
			// Dead before the watch was armed: the connection never
			// happened as far as the listener is concerned.
			bd.mu.Unlock()
			bd.dir.log.DebugContext(bindingCtx(bd.stub.id, component),
				"endpoint dead before monitor armed; binding dropped")
			return
		}
		bd.active[component] = connection{endpoint: ep, token: tok}
	}
	bd.mu.Unlock()

	if had {
		bd.listener.OnDisconnected(component)
	}
	if ep != nil {
		bd.listener.OnConnected(component, ep)
	}
}

// death is the monitor's single-fire callback; it re-validates on the queue.
func (bd *bindingDispatcher) death(component string, ep liveness.Endpoint) {
	bd.dispatch(component, func() { bd.applyDeath(component, ep) })
}

func (bd *bindingDispatcher) applyDeath(component string, ep liveness.Endpoint) {
	bd.mu.Lock()
	cur, ok := bd.active[component]
	if !ok || cur.endpoint != ep {
		// Stale notice: the binding was superseded or already released.
		bd.mu.Unlock()
		return
	}
	delete(bd.active, component)
	bd.dir.mon.Disarm(cur.token)
	bd.mu.Unlock()

	bd.listener.OnDisconnected(component)
}

// forget disarms every active watch, clears the table and stops accepting
// notices. It never invokes disconnect callbacks: unbinding is the owner's
// deliberate action, not a remote-initiated disconnect.
func (bd *bindingDispatcher) forget() {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	for component, conn := range bd.active {
		bd.dir.mon.Disarm(conn.token)
		delete(bd.active, component)
	}
	bd.forgotten = true
}

// boundComponents snapshots the names with live bindings, for diagnostics.
func (bd *bindingDispatcher) boundComponents() []string {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	out := make([]string, 0, len(bd.active))
	for component := range bd.active {
		out = append(out, component)
	}
	return out
}
