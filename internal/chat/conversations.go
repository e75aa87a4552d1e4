package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/store"
)

// ConversationDetail is a conversation with its full transcript.
type ConversationDetail struct {
	store.Conversation
	Messages []store.Message `json:"messages"`
}

// Settings is a partial update of a conversation's mode and role.
type Settings struct {
	Mode *store.Mode
	Role *store.Role
}

func (o *Orchestrator) CreateConversation(ctx context.Context, userID, title string, mode store.Mode, role store.Role) (*store.Conversation, error) {
	if mode == "" {
		mode = store.ModeDefault
	}
	if role == "" {
		role = store.RoleDefault
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	c := &store.Conversation{UserID: userID, Title: strings.TrimSpace(title), Mode: mode, Role: role}
	if err := o.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	logger.L.Info("conversation created", "conversation", c.ID, "user", userID, "mode", mode)
	return c, nil
}

func (o *Orchestrator) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	return o.store.ListConversations(ctx, userID)
}

func (o *Orchestrator) Conversation(ctx context.Context, userID, id string) (*ConversationDetail, error) {
	c, err := o.conversation(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	msgs, err := o.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return &ConversationDetail{Conversation: *c, Messages: msgs}, nil
}

// UpdateSettings changes mode and role. Either change is rejected with ErrModeLocked once the
// conversation has had its first turn.
func (o *Orchestrator) UpdateSettings(ctx context.Context, userID, id string, s Settings) (*store.Conversation, error) {
	c, err := o.conversation(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	mode, role := c.Mode, c.Role
	if s.Mode != nil {
		mode = *s.Mode
	}
	if s.Role != nil {
		role = *s.Role
	}
	if mode == c.Mode && role == c.Role {
		return c, nil
	}
	if err := o.changeSettings(ctx, c, mode, role); err != nil {
		return nil, err
	}
	return c, nil
}

// conversation loads id and hides conversations owned by other users.
func (o *Orchestrator) conversation(ctx context.Context, userID, id string) (*store.Conversation, error) {
	c, err := o.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return c, nil
}

// changeSettings applies mode and role through the guard and updates c on success.
func (o *Orchestrator) changeSettings(ctx context.Context, c *store.Conversation, mode store.Mode, role store.Role) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	err := o.guard.ChangeMode(ctx, c.ID, func(ctx context.Context) error {
		return o.store.UpdateConversationSettings(ctx, c.ID, mode, role)
	})
	if err != nil {
		return err
	}
	logger.L.Info("conversation settings changed", "conversation", c.ID, "mode", mode, "role", role)
	c.Mode, c.Role = mode, role
	return nil
}
