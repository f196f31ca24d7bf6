// Package dispatchdir is the per-process registration and dispatch
// directory: it bridges a remote coordinator (which emits asynchronous event
// and connection notifications) to in-process listeners. Owners register
// listeners with the Directory and receive stubs; the coordinator addresses
// those stubs; the directory marshals each notification onto the
// registration's queue, acknowledges ordered deliveries back to the
// coordinator exactly once per notification, and monitors the liveness of
// bound remote endpoints so disconnection is observed even without an
// explicit notice.
//
// Layers & Roles
//
//	Directory          -> owner-keyed registry, identity validation, teardown sweep
//	EventStub/Delivery -> remote-addressed event delivery + finish acknowledgment
//	BindingStub        -> connect/disconnect marshalling + endpoint death monitoring
//	runqueue.Queue     -> the execution context a registration nominates
//	liveness.Monitor   -> arm/disarm death watches on remote endpoints
//	coordinator.Client -> finish / unregister / unbind calls back to the coordinator
//	diag               -> leak reports and hot-reloadable diagnostic settings
//
// # Ownership
//
// Stubs outlive their dispatchers by design. A registered dispatcher is owned
// by the registry: unregistering or tearing down its owner severs the stub,
// and later notifications resolve to the "listener unregistered" fallback that
// keeps ordered chains moving. A one-shot dispatcher (OneShotEvent) is owned
// by its own stub and released once its single delivery completes.
//
// # Teardown
//
// Teardown(ctx, owner, label) force-deregisters everything the owner still
// holds: each survivor is logged as a leak, reported to the diagnostic sink
// when leak reporting is enabled, and best-effort deregistered with the
// coordinator. Owner destruction therefore never leaves remote-side
// registrations dangling, even when the owner forgot to clean up.
//
// Coordinator implementations
//
//	coordinatortest : recording fake used throughout the tests
//	memorycoord     : in-process coordinator with ordered-chain sequencing
//	rediscoord      : publishes coordinator envelopes to Redis for an external consumer
package dispatchdir
