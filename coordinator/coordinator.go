// Package coordinator defines the directory's link back to the external
// coordinator process: the party that tracks registrations on the remote
// side, sequences ordered notification chains, and must be told when a
// receiver finishes an ordered delivery or when teardown force-releases a
// registration.
//
// The contract is deliberately narrow — three fire-and-forget style calls
// addressed by stub ID. The directory treats failures as best-effort during
// teardown (log and continue) and propagates them only for direct,
// owner-initiated operations.
//
// Implementations:
//
//   - memorycoord : in-process coordinator with real ordered-chain
//     sequencing; suitable for single-process deployments and examples.
//   - rediscoord  : publishes coordinator envelopes to a Redis stream for an
//     out-of-process coordinator to consume.
//   - coordinatortest : recording fake used by the directory's tests.
package coordinator

import "context"

// FinishResult is the final state of one ordered delivery, reported back so
// the coordinator can thread it into the next recipient in the chain.
type FinishResult struct {
	Code   int
	Data   string
	Extras map[string]any

	// Abort asks the coordinator to stop walking the rest of the chain.
	Abort bool

	// Flags echoes the delivered event's flags.
	Flags int
}

// Client is consumed by the dispatch directory. Implementations must be safe
// for concurrent use; every method may be called from delivery goroutines and
// from application threads at once.
type Client interface {
	// UnregisterReceiver withdraws the event registration identified by
	// receiverID. Invoked by directory teardown on behalf of owners that
	// forgot to deregister.
	UnregisterReceiver(ctx context.Context, receiverID string) error

	// UnbindService withdraws the service binding identified by bindingID.
	UnbindService(ctx context.Context, bindingID string) error

	// FinishDelivery acknowledges completion of one ordered delivery to the
	// receiver identified by receiverID. The directory guarantees exactly
	// one call per ordered notification, on every exit path.
	FinishDelivery(ctx context.Context, receiverID string, res FinishResult) error
}
