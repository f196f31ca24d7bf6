package dispatchdir

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hostside/dispatchdir/coordinator"
	"github.com/hostside/dispatchdir/diag"
	"github.com/hostside/dispatchdir/internal/callstack"
	"github.com/hostside/dispatchdir/internal/logctx"
	"github.com/hostside/dispatchdir/liveness"
	"github.com/hostside/dispatchdir/runqueue"
)

// Directory is the per-process registry bridging a remote coordinator to
// in-process listeners. It tracks, per owner, which event listeners and
// service bindings are registered, hands the coordinator a stub per
// registration, routes the stub's notifications onto each registration's
// queue, and sweeps everything an owner forgot to deregister when the owner
// is torn down.
//
// Owners and listeners are identity keys: both must be comparable values,
// conventionally pointers. The directory never inspects them.
//
// All methods are safe for concurrent use.
type Directory struct {
	log   *slog.Logger
	coord coordinator.Client
	mon   liveness.Monitor
	sink  diag.Sink

	reportLeaks     atomic.Bool
	traceDeliveries atomic.Bool

	// Lock scope is map access only; dispatcher work and listener callbacks
	// always happen outside.
	evMu     sync.Mutex
	events   map[Owner]map[EventListener]*eventDispatcher
	evShadow map[Owner]map[EventListener]*eventDispatcher

	bindMu     sync.Mutex
	bindings   map[Owner]map[ConnectionListener]*bindingDispatcher
	bindShadow map[Owner]map[ConnectionListener]*bindingDispatcher
}

// Option configures a Directory.
type Option func(*newConfig)

type newConfig struct {
	logger   *slog.Logger
	sink     diag.Sink
	settings diag.Settings
}

// WithLogger sets the logger used by the directory and its dispatchers. If
// not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithDiagnosticSink routes teardown leak reports to sink. The default sink
// logs them through the directory's logger.
func WithDiagnosticSink(sink diag.Sink) Option {
	return func(c *newConfig) { c.sink = sink }
}

// WithSettings seeds the initial diagnostic settings. ApplySettings changes
// them later; pair with diag.Watch for hot reload.
func WithSettings(s diag.Settings) Option {
	return func(c *newConfig) { c.settings = s }
}

// New constructs a Directory over the given coordinator client and liveness
// monitor. Both are required.
func New(coord coordinator.Client, mon liveness.Monitor, opts ...Option) (*Directory, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator client is required")
	}
	if mon == nil {
		return nil, fmt.Errorf("liveness monitor is required")
	}

	var cfg newConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	sink := cfg.sink
	if sink == nil {
		sink = diag.NewSlogSink(log)
	}

	dir := &Directory{
		log:        log,
		coord:      coord,
		mon:        mon,
		sink:       sink,
		events:     make(map[Owner]map[EventListener]*eventDispatcher),
		evShadow:   make(map[Owner]map[EventListener]*eventDispatcher),
		bindings:   make(map[Owner]map[ConnectionListener]*bindingDispatcher),
		bindShadow: make(map[Owner]map[ConnectionListener]*bindingDispatcher),
	}
	dir.ApplySettings(cfg.settings)
	return dir, nil
}

// RegisterEvent registers l for owner, with deliveries marshalled onto q,
// and returns the stub the coordinator addresses. Idempotent per
// (owner, l): while the pair is live, registering again validates that
// owner and queue still match (*IdentityMismatchError otherwise) and
// returns the existing stub unchanged. After an unregister the pair starts
// fresh, with a new stub. Options apply only when the call creates the
// dispatcher.
func (dir *Directory) RegisterEvent(owner Owner, l EventListener, q runqueue.Queue, opts ...EventOption) (*EventStub, error) {
	if l == nil {
		return nil, fmt.Errorf("event listener is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}

	dir.evMu.Lock()
	defer dir.evMu.Unlock()

	if d := dir.events[owner][l]; d != nil {
		if err := d.validate(owner, q); err != nil {
			return nil, err
		}
		d.forgotten.Store(false)
		return d.stub, nil
	}

	d := newEventDispatcher(dir, owner, l, q, registryOwned, true, opts)
	m := dir.events[owner]
	if m == nil {
		m = make(map[EventListener]*eventDispatcher)
		dir.events[owner] = m
	}
	m[l] = d
	return d.stub, nil
}

// OneShotEvent constructs a dispatcher for a single coordinator-addressed
// delivery without registering it anywhere. The returned stub holds the sole
// reference to the dispatcher and is spent once that delivery completes;
// later notifications are dropped. One-shot dispatchers never send the
// stall-prevention fallback finishes — the coordinator did not register this
// listener in an ordered chain, it addressed the stub directly.
func (dir *Directory) OneShotEvent(owner Owner, l EventListener, q runqueue.Queue, opts ...EventOption) (*EventStub, error) {
	if l == nil {
		return nil, fmt.Errorf("event listener is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	d := newEventDispatcher(dir, owner, l, q, selfOwned, false, opts)
	return d.stub, nil
}

// UnregisterEvent removes owner's registration of l, marks the dispatcher
// forgotten and severs its stub, so in-flight deliveries fall back to
// finishing ordered chains without invoking l. The severed stub is returned
// so the caller can pass its ID to the coordinator's unregister call — that
// call is the caller's, and its errors surface there.
//
// Deregistering a pair that is not live fails: with *DoubleUnregisterError
// when a diagnostics-enabled registration already deregistered it (the error
// carries the first call site), with ErrStaleOwner when owner is nil, and
// with ErrNotRegistered otherwise.
func (dir *Directory) UnregisterEvent(owner Owner, l EventListener) (*EventStub, error) {
	dir.evMu.Lock()
	defer dir.evMu.Unlock()

	if m := dir.events[owner]; m != nil {
		if d := m[l]; d != nil {
			delete(m, l)
			if len(m) == 0 {
				delete(dir.events, owner)
			}
			if d.debugUnregister {
				shadow := dir.evShadow[owner]
				if shadow == nil {
					shadow = make(map[EventListener]*eventDispatcher)
					dir.evShadow[owner] = shadow
				}
				shadow[l] = d
				d.unregisteredAt = callstack.Capture(1)
			}
			d.forgotten.Store(true)
			d.stub.drop()
			return d.stub, nil
		}
	}

	if d := dir.evShadow[owner][l]; d != nil {
		return nil, &DoubleUnregisterError{
			Kind:           "event listener",
			Listener:       describe(l),
			UnregisteredAt: d.unregisteredAt,
		}
	}

	if owner == nil {
		return nil, fmt.Errorf("unregister event listener %s: %w", describe(l), ErrStaleOwner)
	}
	return nil, fmt.Errorf("unregister event listener %s: %w", describe(l), ErrNotRegistered)
}

// RegisterBinding registers c for owner, with connection callbacks
// marshalled onto q, and returns the stub the coordinator reports endpoint
// availability through. A nil q runs callbacks inline on the notifying
// goroutine. Idempotent per (owner, c) with the same identity validation as
// RegisterEvent; flags apply only when the call creates the dispatcher.
func (dir *Directory) RegisterBinding(owner Owner, c ConnectionListener, q runqueue.Queue, flags BindFlag) (*BindingStub, error) {
	if c == nil {
		return nil, fmt.Errorf("connection listener is required")
	}

	dir.bindMu.Lock()
	defer dir.bindMu.Unlock()

	if bd := dir.bindings[owner][c]; bd != nil {
		if err := bd.validate(owner, q); err != nil {
			return nil, err
		}
		return bd.stub, nil
	}

	bd := newBindingDispatcher(dir, owner, c, q, flags)
	m := dir.bindings[owner]
	if m == nil {
		m = make(map[ConnectionListener]*bindingDispatcher)
		dir.bindings[owner] = m
	}
	m[c] = bd
	return bd.stub, nil
}

// UnregisterBinding removes owner's binding of c: every active death monitor
// is disarmed, the binding table is cleared without disconnect callbacks
// (unbinding is the owner's deliberate action), and the stub is severed and
// returned for the caller's coordinator unbind call. The error ladder
// matches UnregisterEvent, with BindDebugUnbind gating the shadow entry.
func (dir *Directory) UnregisterBinding(owner Owner, c ConnectionListener) (*BindingStub, error) {
	dir.bindMu.Lock()
	defer dir.bindMu.Unlock()

	if m := dir.bindings[owner]; m != nil {
		if bd := m[c]; bd != nil {
			bd.forget()
			delete(m, c)
			if len(m) == 0 {
				delete(dir.bindings, owner)
			}
			if bd.flags&BindDebugUnbind != 0 {
				shadow := dir.bindShadow[owner]
				if shadow == nil {
					shadow = make(map[ConnectionListener]*bindingDispatcher)
					dir.bindShadow[owner] = shadow
				}
				shadow[c] = bd
				bd.unboundAt = callstack.Capture(1)
			}
			bd.stub.drop()
			return bd.stub, nil
		}
	}

	if bd := dir.bindShadow[owner][c]; bd != nil {
		return nil, &DoubleUnregisterError{
			Kind:           "service binding",
			Listener:       describe(c),
			UnregisteredAt: bd.unboundAt,
		}
	}

	if owner == nil {
		return nil, fmt.Errorf("unregister binding %s: %w", describe(c), ErrStaleOwner)
	}
	return nil, fmt.Errorf("unregister binding %s: %w", describe(c), ErrNotRegistered)
}

// Teardown sweeps every registration owner still holds. Each surviving
// registration is a leak — the owner should have deregistered it — so it is
// logged, reported to the diagnostic sink when leak reporting is enabled,
// severed, and best-effort deregistered with the coordinator so nothing
// dangles remote-side. Coordinator failures here are logged, never
// propagated.
//
// Already-queued deliveries are not aborted; they run and hit the severed
// registration's fallbacks. label attributes the leak reports (describe-d
// owner when empty).
func (dir *Directory) Teardown(ctx context.Context, owner Owner, label string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if label == "" {
		label = describe(owner)
	}
	ctx = logctx.WithOwnerData(ctx, &logctx.OwnerData{Label: label})

	dir.evMu.Lock()
	evLive := dir.events[owner]
	delete(dir.events, owner)
	delete(dir.evShadow, owner)
	dir.evMu.Unlock()

	for _, d := range evLive {
		dir.reportTeardownLeak(ctx, diag.KindEventListener, label, describe(d.listener), d.registeredAt)
		d.stub.drop()
		// The teardown context may already be canceled; the remote-side
		// registration still has to go.
		if err := dir.coord.UnregisterReceiver(context.WithoutCancel(ctx), d.stub.id); err != nil {
			dir.log.WarnContext(ctx, "teardown unregister failed",
				slog.String("receiver_id", d.stub.id),
				slog.String("err", err.Error()))
		}
	}

	dir.bindMu.Lock()
	bindLive := dir.bindings[owner]
	delete(dir.bindings, owner)
	delete(dir.bindShadow, owner)
	dir.bindMu.Unlock()

	for _, bd := range bindLive {
		dir.reportTeardownLeak(ctx, diag.KindServiceBinding, label, describe(bd.listener), bd.registeredAt)
		bd.stub.drop()
		if err := dir.coord.UnbindService(context.WithoutCancel(ctx), bd.stub.id); err != nil {
			dir.log.WarnContext(ctx, "teardown unbind failed",
				slog.String("binding_id", bd.stub.id),
				slog.String("err", err.Error()))
		}
		bd.forget()
	}

	if len(evLive) > 0 || len(bindLive) > 0 {
		dir.log.DebugContext(ctx, "teardown released registrations",
			slog.Int("event_listeners", len(evLive)),
			slog.Int("bindings", len(bindLive)))
	}
}

func (dir *Directory) reportTeardownLeak(ctx context.Context, kind diag.Kind, label, listener string, at callstack.Trace) {
	dir.log.ErrorContext(ctx, "owner torn down with listener still registered",
		slog.String("kind", string(kind)),
		slog.String("listener", listener),
		slog.String("registered_at", at.String()))
	if dir.reportLeaks.Load() {
		dir.sink.ReportLeak(ctx, diag.LeakReport{
			Kind:         kind,
			Owner:        label,
			Listener:     listener,
			RegisteredAt: at,
		})
	}
}

// ApplySettings replaces the directory's diagnostic settings. Safe to call
// at any time; wire to diag.Watch for file-driven hot reload.
func (dir *Directory) ApplySettings(s diag.Settings) {
	dir.reportLeaks.Store(s.ReportLeaks)
	dir.traceDeliveries.Store(s.TraceDeliveries)
}

func (dir *Directory) traceOn() bool { return dir.traceDeliveries.Load() }
