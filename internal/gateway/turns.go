package gateway

import (
	"context"
	"sync"
)

type activeTurn struct {
	token  uint64
	cancel context.CancelFunc
}

// turnRegistry tracks the cancel function of the in-flight turn per
// session key, so chat.abort can cut a stream short.
type turnRegistry struct {
	mu     sync.Mutex
	active map[string]activeTurn
	next   uint64
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{active: make(map[string]activeTurn)}
}

// begin registers cancel as the active turn for key, replacing any stale
// registration, and returns a token for end.
func (r *turnRegistry) begin(key string, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.active[key] = activeTurn{token: r.next, cancel: cancel}
	return r.next
}

// end removes the registration if token still identifies the active turn.
func (r *turnRegistry) end(key string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[key]; ok && current.token == token {
		delete(r.active, key)
	}
}

// abort cancels the active turn for key and reports whether one existed.
func (r *turnRegistry) abort(key string) bool {
	r.mu.Lock()
	turn, ok := r.active[key]
	if ok {
		delete(r.active, key)
	}
	r.mu.Unlock()
	if ok {
		turn.cancel()
	}
	return ok
}

func (r *turnRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
