// Package modeguard keeps a conversation's interaction mode from changing once the
// conversation has produced output.
package modeguard

import (
	"context"
	"fmt"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/store"
)

// FSM States
type State stateless.State

var (
	StateUnlocked State = "Unlocked"
	StateLocked   State = "Locked"
)

// FSM Triggers
type Trigger stateless.Trigger

var (
	TriggerFirstTurn  Trigger = "FirstTurn"
	TriggerChangeMode Trigger = "ChangeMode"
)

// ErrModeLocked is returned when a mode or role change targets a locked conversation.
var ErrModeLocked = store.ErrModeLocked

// LockStore is the slice of the conversation store the guard needs.
type LockStore interface {
	ModeLocked(ctx context.Context, id string) (bool, error)
	LockConversationMode(ctx context.Context, id string) (bool, error)
}

// Guard serializes lock-affecting operations per conversation. The lock itself lives in the
// store so it survives restarts.
type Guard struct {
	store LockStore

	mu    sync.Mutex
	conns map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func New(s LockStore) *Guard {
	return &Guard{store: s, conns: make(map[string]*convLock)}
}

func (g *Guard) acquire(id string) (release func()) {
	g.mu.Lock()
	l, ok := g.conns[id]
	if !ok {
		l = &convLock{}
		g.conns[id] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.conns, id)
		}
		g.mu.Unlock()
	}
}

// machine binds a state machine to one conversation's persisted lock flag.
func (g *Guard) machine(id string) *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			locked, err := g.store.ModeLocked(ctx, id)
			if err != nil {
				return nil, err
			}
			if locked {
				return StateLocked, nil
			}
			return StateUnlocked, nil
		},
		func(ctx context.Context, s stateless.State) error {
			if s != StateLocked {
				return nil
			}
			_, err := g.store.LockConversationMode(ctx, id)
			return err
		},
		stateless.FiringImmediate,
	)

	fsm.Configure(StateUnlocked).
		Permit(TriggerFirstTurn, StateLocked).
		PermitReentry(TriggerChangeMode)

	// Locked is terminal; further first turns are no-ops and mode changes are not permitted.
	fsm.Configure(StateLocked).
		OnEntry(func(ctx context.Context, _ ...any) error {
			logger.L.Info("conversation mode locked", "conversation", id)
			return nil
		}).
		Ignore(TriggerFirstTurn)

	return fsm
}

// CanChangeMode reports whether the conversation still accepts mode or role changes.
func (g *Guard) CanChangeMode(ctx context.Context, id string) (bool, error) {
	return g.machine(id).CanFireCtx(ctx, TriggerChangeMode)
}

// OnFirstTurn locks the conversation. Calling it again is a no-op.
func (g *Guard) OnFirstTurn(ctx context.Context, id string) error {
	release := g.acquire(id)
	defer release()
	return g.fireFirstTurn(ctx, id)
}

func (g *Guard) fireFirstTurn(ctx context.Context, id string) error {
	if err := g.machine(id).FireCtx(ctx, TriggerFirstTurn); err != nil {
		return fmt.Errorf("lock conversation %s: %w", id, err)
	}
	return nil
}

// Begin runs action and then locks the conversation, both inside the conversation's critical
// section, so no mode change can slip in between the first message and the lock. The lock is
// not taken when action fails; when action already locked it in the store, firing is a no-op.
func (g *Guard) Begin(ctx context.Context, id string, action func(ctx context.Context) error) error {
	release := g.acquire(id)
	defer release()
	if err := action(ctx); err != nil {
		return err
	}
	return g.fireFirstTurn(ctx, id)
}

// ChangeMode runs apply only while the conversation is unlocked and returns ErrModeLocked
// otherwise.
func (g *Guard) ChangeMode(ctx context.Context, id string, apply func(ctx context.Context) error) error {
	release := g.acquire(id)
	defer release()

	fsm := g.machine(id)
	ok, err := fsm.CanFireCtx(ctx, TriggerChangeMode)
	if err != nil {
		return err
	}
	if !ok {
		logger.L.Info("mode change rejected", "conversation", id)
		return ErrModeLocked
	}
	if err := apply(ctx); err != nil {
		return err
	}
	return fsm.FireCtx(ctx, TriggerChangeMode)
}
