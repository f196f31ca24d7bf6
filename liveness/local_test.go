package liveness

import (
	"errors"
	"sync"
	"testing"
)

type fakeEndpoint struct {
	name string
}

func TestArmAndKillFiresOnce(t *testing.T) {
	l := NewLocal()
	ep := &fakeEndpoint{name: "svc"}

	var calls int
	if _, err := l.Arm(ep, func() { calls++ }); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if got := l.Armed(ep); got != 1 {
		t.Fatalf("expected 1 armed watch, got %d", got)
	}

	l.Kill(ep)
	if calls != 1 {
		t.Fatalf("expected exactly one death callback, got %d", calls)
	}
	if got := l.Armed(ep); got != 0 {
		t.Fatalf("expected no armed watches after kill, got %d", got)
	}

	// A second kill must not re-fire anything.
	l.Kill(ep)
	if calls != 1 {
		t.Fatalf("second kill re-fired callbacks: %d calls", calls)
	}
}

func TestArmAfterKillFails(t *testing.T) {
	l := NewLocal()
	ep := &fakeEndpoint{name: "svc"}

	l.Kill(ep)
	if _, err := l.Arm(ep, func() {}); !errors.Is(err, ErrEndpointDead) {
		t.Fatalf("expected ErrEndpointDead, got %v", err)
	}
}

func TestArmNilEndpointFails(t *testing.T) {
	l := NewLocal()
	if _, err := l.Arm(nil, func() {}); !errors.Is(err, ErrEndpointDead) {
		t.Fatalf("expected ErrEndpointDead for nil endpoint, got %v", err)
	}
}

func TestDisarmSuppressesCallback(t *testing.T) {
	l := NewLocal()
	ep := &fakeEndpoint{name: "svc"}

	var calls int
	tok, err := l.Arm(ep, func() { calls++ })
	if err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	l.Disarm(tok)
	l.Disarm(tok) // idempotent

	l.Kill(ep)
	if calls != 0 {
		t.Fatalf("disarmed watch fired %d times", calls)
	}
}

func TestKillFiresEveryWatcher(t *testing.T) {
	l := NewLocal()
	ep := &fakeEndpoint{name: "svc"}

	var mu sync.Mutex
	fired := 0
	for i := 0; i < 5; i++ {
		if _, err := l.Arm(ep, func() {
			mu.Lock()
			fired++
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Arm %d failed: %v", i, err)
		}
	}

	l.Kill(ep)

	mu.Lock()
	defer mu.Unlock()
	if fired != 5 {
		t.Fatalf("expected 5 callbacks, got %d", fired)
	}
}

func TestKillIsolatesEndpoints(t *testing.T) {
	l := NewLocal()
	a := &fakeEndpoint{name: "a"}
	b := &fakeEndpoint{name: "b"}

	var aCalls, bCalls int
	if _, err := l.Arm(a, func() { aCalls++ }); err != nil {
		t.Fatalf("Arm a: %v", err)
	}
	if _, err := l.Arm(b, func() { bCalls++ }); err != nil {
		t.Fatalf("Arm b: %v", err)
	}

	l.Kill(a)
	if aCalls != 1 || bCalls != 0 {
		t.Fatalf("expected a=1 b=0, got a=%d b=%d", aCalls, bCalls)
	}
	if got := l.Armed(b); got != 1 {
		t.Fatalf("endpoint b lost its watch: %d armed", got)
	}
}
