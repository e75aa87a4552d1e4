package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is the cancellation cause of a turn replaced by a newer one in the same
// conversation.
var ErrSuperseded = errors.New("superseded")

// Registry tracks the active turn per conversation. The newest turn wins.
type Registry struct {
	mu     sync.Mutex
	next   uint64
	active map[string]registration
}

type registration struct {
	id     uint64
	cancel context.CancelCauseFunc
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]registration)}
}

// Register makes a new turn the active one for conversationID and cancels the previous turn's
// context with ErrSuperseded. release must be called when the turn ends.
func (r *Registry) Register(ctx context.Context, conversationID string) (turnCtx context.Context, release func()) {
	turnCtx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	r.next++
	id := r.next
	if prev, ok := r.active[conversationID]; ok {
		prev.cancel(ErrSuperseded)
	}
	r.active[conversationID] = registration{id: id, cancel: cancel}
	r.mu.Unlock()

	return turnCtx, func() {
		r.mu.Lock()
		if cur, ok := r.active[conversationID]; ok && cur.id == id {
			delete(r.active, conversationID)
		}
		r.mu.Unlock()
		cancel(nil)
	}
}

// Active reports how many conversations have a turn in flight.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
