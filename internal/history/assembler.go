// Package history turns the persisted messages of a conversation into the context handed to the
// analytics engine.
package history

import (
	"context"
	"fmt"
	"slices"

	"github.com/comigor/floatchat-go/internal/store"
)

// Entry is one prior message as the analytics engine sees it.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageReader is the slice of the store the assembler reads from.
type MessageReader interface {
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	LastMessages(ctx context.Context, conversationID string, n int) ([]store.Message, error)
}

// Assembler builds chronological history. A positive window keeps only the most recent
// messages.
type Assembler struct {
	reader MessageReader
	window int
}

func NewAssembler(r MessageReader, window int) *Assembler {
	if window < 0 {
		window = 0
	}
	return &Assembler{reader: r, window: window}
}

type options struct {
	exclude string
}

// Option tweaks a single Assemble call.
type Option func(*options)

// Excluding omits the message with the given id, typically the user message of the turn being
// answered, which the engine receives separately.
func Excluding(messageID string) Option {
	return func(o *options) { o.exclude = messageID }
}

// Assemble returns the conversation's messages oldest first. Store errors are returned as is;
// no partial history is produced.
func (a *Assembler) Assemble(ctx context.Context, conversationID string, opts ...Option) ([]Entry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		msgs []store.Message
		err  error
	)
	if a.window > 0 {
		limit := a.window
		if o.exclude != "" {
			limit++
		}
		msgs, err = a.reader.LastMessages(ctx, conversationID, limit)
		if err == nil {
			slices.Reverse(msgs)
		}
	} else {
		msgs, err = a.reader.ListMessages(ctx, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("assemble history for %s: %w", conversationID, err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if o.exclude != "" && m.ID == o.exclude {
			continue
		}
		out = append(out, Entry{Role: string(m.Sender), Content: m.Content})
	}
	if a.window > 0 && len(out) > a.window {
		out = out[len(out)-a.window:]
	}
	return out, nil
}
