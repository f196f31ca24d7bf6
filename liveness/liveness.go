// Package liveness abstracts remote-endpoint death monitoring away from any
// particular IPC transport. A Monitor arms a single-fire callback against an
// endpoint handle and hands back a token that cancels the subscription. The
// binding dispatcher in the root package is the primary consumer: it arms a
// monitor for every active binding and disarms it the moment the binding
// leaves the table, so a death callback can never race a completed
// supersede/forget transition.
//
// Implementations:
//
//   - Local: in-process registry of endpoints, used by tests and
//     single-process deployments. Death is injected with Kill.
package liveness

import "errors"

// Endpoint is an opaque handle to a remote service endpoint. Values must be
// comparable (conventionally a pointer): monitors key their watch tables by
// endpoint identity, and the binding dispatcher compares handles to detect
// duplicate and stale notifications.
type Endpoint = any

// Token identifies one armed watch. Tokens are single-use: once the death
// callback has fired, or Disarm has been called, the token is spent.
type Token string

// ErrEndpointDead is returned by Arm when the endpoint is already known to be
// unreachable. Callers treat this as "the connection never happened".
var ErrEndpointDead = errors.New("liveness: endpoint already dead")

// Monitor arms and disarms death watches on remote endpoints.
type Monitor interface {
	// Arm registers onDeath to be invoked exactly once if ep becomes
	// unreachable. It fails with ErrEndpointDead when ep is already dead;
	// in that case onDeath will never be invoked. The callback may fire on
	// an arbitrary goroutine and must not block.
	Arm(ep Endpoint, onDeath func()) (Token, error)

	// Disarm cancels the watch identified by tok. It is idempotent and
	// safe to call for tokens whose callback has already fired.
	Disarm(tok Token)
}
