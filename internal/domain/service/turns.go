package service

import (
	"context"
	"sync"
)

// TurnRegistry tracks in-flight bot generations by conversation so a human
// takeover can cancel them.
type TurnRegistry struct {
	mu     sync.Mutex
	active map[string]*turn
	seq    uint64
}

type turn struct {
	id     uint64
	cancel context.CancelFunc
}

// NewTurnRegistry creates an empty registry.
func NewTurnRegistry() *TurnRegistry {
	return &TurnRegistry{active: make(map[string]*turn)}
}

// Begin registers a generation for conversationID and returns its context.
// The returned end func must be called when the turn finishes.
func (r *TurnRegistry) Begin(ctx context.Context, conversationID string) (context.Context, func()) {
	turnCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.seq++
	t := &turn{id: r.seq, cancel: cancel}
	if old, ok := r.active[conversationID]; ok {
		old.cancel()
	}
	r.active[conversationID] = t
	r.mu.Unlock()

	return turnCtx, func() {
		r.mu.Lock()
		if cur, ok := r.active[conversationID]; ok && cur.id == t.id {
			delete(r.active, conversationID)
		}
		r.mu.Unlock()
		cancel()
	}
}

// Cancel aborts the in-flight generation for conversationID, if any.
func (r *TurnRegistry) Cancel(conversationID string) bool {
	r.mu.Lock()
	t, ok := r.active[conversationID]
	if ok {
		delete(r.active, conversationID)
	}
	r.mu.Unlock()

	if ok {
		t.cancel()
	}
	return ok
}

// InFlight reports whether a generation is running for conversationID.
func (r *TurnRegistry) InFlight(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[conversationID]
	return ok
}
