// Package store persists conversations and their messages. SQLite (pure Go driver) is the
// default backend; Postgres is selected with database.driver=postgres.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound   = errors.New("store: not found")
	ErrModeLocked = errors.New("store: conversation mode is locked")
)

// Store is the persistence collaborator used by the chat and prediction flows.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversations returns a user's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// UpdateConversationSettings changes mode and role. It fails with ErrModeLocked once the
	// conversation is locked.
	UpdateConversationSettings(ctx context.Context, id string, mode Mode, role Role) error
	UpdateConversationTitle(ctx context.Context, id, title string) error
	TouchConversation(ctx context.Context, id string) error
	ModeLocked(ctx context.Context, id string) (bool, error)
	// LockConversationMode sets the lock and reports whether this call performed the transition.
	LockConversationMode(ctx context.Context, id string) (bool, error)

	CreateMessage(ctx context.Context, m *Message) error
	// RecordTurn stores a user message, applying mode and role if they changed, and locks the
	// conversation, all in one transaction.
	RecordTurn(ctx context.Context, m *Message, mode Mode, role Role) (locked bool, err error)
	// ListMessages returns all messages in ascending timestamp order.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// LastMessages returns at most n messages, newest first.
	LastMessages(ctx context.Context, conversationID string, n int) ([]Message, error)
	FinalizeMessage(ctx context.Context, id string, final Final) error

	Close() error
}
