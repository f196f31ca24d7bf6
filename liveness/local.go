package liveness

import (
	"sync"

	"github.com/rs/xid"
)

// Local is an in-process Monitor. Endpoints become dead only through Kill,
// and death is permanent: once killed, an endpoint can never be armed again.
type Local struct {
	mu    sync.Mutex
	byTok map[Token]*watch
	byEP  map[Endpoint]map[Token]*watch
	dead  map[Endpoint]struct{}
}

type watch struct {
	ep      Endpoint
	onDeath func()
}

var _ Monitor = (*Local)(nil)

// NewLocal returns an empty in-process monitor.
func NewLocal() *Local {
	return &Local{
		byTok: make(map[Token]*watch),
		byEP:  make(map[Endpoint]map[Token]*watch),
		dead:  make(map[Endpoint]struct{}),
	}
}

// Arm implements Monitor.
func (l *Local) Arm(ep Endpoint, onDeath func()) (Token, error) {
	if ep == nil {
		return "", ErrEndpointDead
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, gone := l.dead[ep]; gone {
		return "", ErrEndpointDead
	}

	tok := Token(xid.New().String())
	w := &watch{ep: ep, onDeath: onDeath}
	l.byTok[tok] = w
	m := l.byEP[ep]
	if m == nil {
		m = make(map[Token]*watch)
		l.byEP[ep] = m
	}
	m[tok] = w
	return tok, nil
}

// Disarm implements Monitor.
func (l *Local) Disarm(tok Token) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.byTok[tok]
	if !ok {
		return
	}
	delete(l.byTok, tok)
	if m := l.byEP[w.ep]; m != nil {
		delete(m, tok)
		if len(m) == 0 {
			delete(l.byEP, w.ep)
		}
	}
}

// Kill marks ep permanently dead and fires every watch armed against it,
// exactly once per token. Callbacks run on the calling goroutine, after the
// watch table has been updated, so a concurrent Disarm either wins (callback
// suppressed) or loses (callback fires) but never both.
func (l *Local) Kill(ep Endpoint) {
	l.mu.Lock()
	l.dead[ep] = struct{}{}
	m := l.byEP[ep]
	delete(l.byEP, ep)
	fns := make([]func(), 0, len(m))
	for tok, w := range m {
		delete(l.byTok, tok)
		if w.onDeath != nil {
			fns = append(fns, w.onDeath)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Armed reports how many watches are currently armed against ep.
func (l *Local) Armed(ep Endpoint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byEP[ep])
}
