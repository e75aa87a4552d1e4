// Package chat coordinates a conversation turn: it records the user's message, asks the
// analytics engine for an answer and streams that answer back to the client.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/comigor/floatchat-go/internal/analytics"
	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/geo"
	"github.com/comigor/floatchat-go/internal/history"
	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/store"
	"github.com/comigor/floatchat-go/internal/stream"
)

var (
	ErrEmptyMessage         = errors.New("chat: message is empty")
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrInvalidMode          = errors.New("chat: invalid mode")
	ErrInvalidRole          = errors.New("chat: invalid role")
)

const titleTimeout = 30 * time.Second

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]store.Conversation, error)
	UpdateConversationSettings(ctx context.Context, id string, mode store.Mode, role store.Role) error
	UpdateConversationTitle(ctx context.Context, id, title string) error
	TouchConversation(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, m *store.Message) error
	RecordTurn(ctx context.Context, m *store.Message, mode store.Mode, role store.Role) (bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	FinalizeMessage(ctx context.Context, id string, final store.Final) error
}

// ModeGuard serializes the first turn and mode changes of a conversation.
type ModeGuard interface {
	Begin(ctx context.Context, id string, action func(ctx context.Context) error) error
	ChangeMode(ctx context.Context, id string, apply func(ctx context.Context) error) error
}

type HistoryAssembler interface {
	Assemble(ctx context.Context, conversationID string, opts ...history.Option) ([]history.Entry, error)
}

type TitleGenerator interface {
	Title(ctx context.Context, firstMessage string) (string, error)
}

// Orchestrator runs turns. Engine calls and title generation may outlive the request that
// started them; Wait blocks until they finish.
type Orchestrator struct {
	store    Store
	guard    ModeGuard
	history  HistoryAssembler
	engine   analytics.Engine
	qc       analytics.QCPolicy
	registry *stream.Registry
	titler   TitleGenerator

	engineTimeout time.Duration
	tokenDelay    time.Duration

	wg sync.WaitGroup
}

type Option func(*Orchestrator)

func WithTitler(t TitleGenerator) Option {
	return func(o *Orchestrator) { o.titler = t }
}

func WithQCPolicy(p analytics.QCPolicy) Option {
	return func(o *Orchestrator) { o.qc = p }
}

func WithEngineTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.engineTimeout = d }
}

func WithTokenDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.tokenDelay = d }
}

func New(s Store, guard ModeGuard, h HistoryAssembler, engine analytics.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         s,
		guard:         guard,
		history:       h,
		engine:        engine,
		qc:            analytics.QCPolicy{Source: config.QCFromEngine},
		registry:      stream.NewRegistry(),
		engineTimeout: 180 * time.Second,
		tokenDelay:    30 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until background engine calls and title generation have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// TurnRequest is one user message. Mode, when set, is the mode the client believes the
// conversation is in; it is applied if the conversation is still unlocked.
type TurnRequest struct {
	ConversationID string
	UserID         string
	Content        string
	Mode           store.Mode
}

type engineResult struct {
	message *store.Message
	final   store.Final
	err     error
}

// Turn validates req, records the user message and streams the answer to w. An error is
// returned only when the stream could not be started; after that every outcome is reported
// in-stream and the stream always ends with exactly one done or error event.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest, w http.ResponseWriter) error {
	if strings.TrimSpace(req.Content) == "" {
		return ErrEmptyMessage
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	userMsg := &store.Message{
		ConversationID: req.ConversationID,
		Sender:         store.SenderUser,
		Content:        req.Content,
		State:          store.Final{},
	}
	var conv *store.Conversation
	err := o.guard.Begin(ctx, req.ConversationID, func(ctx context.Context) error {
		c, err := o.conversation(ctx, req.UserID, req.ConversationID)
		if err != nil {
			return err
		}
		mode := c.Mode
		if req.Mode != "" {
			mode = req.Mode
		}
		locked, err := o.store.RecordTurn(ctx, userMsg, mode, c.Role)
		if err != nil {
			return err
		}
		if mode != c.Mode {
			logger.L.Info("conversation settings changed", "conversation", c.ID, "mode", mode, "role", c.Role)
		}
		if locked {
			logger.L.Info("conversation mode locked", "conversation", c.ID, "mode", mode)
		}
		c.Mode, c.ModeLocked = mode, true
		conv = c
		return nil
	})
	if err != nil {
		return err
	}

	turnCtx, release := o.registry.Register(ctx, conv.ID)
	defer release()

	st, err := stream.Open(w)
	if err != nil {
		return err
	}
	defer st.Close(errors.New("internal error"))
	if err := st.Ack(); err != nil {
		return nil
	}

	log := logger.L.With("conversation", conv.ID, "user_message", userMsg.ID)

	entries, err := o.history.Assemble(turnCtx, conv.ID, history.Excluding(userMsg.ID))
	if err != nil {
		log.Error("history assembly failed", "error", err)
		_ = st.Error("failed to load conversation history")
		return nil
	}

	payload := analytics.Request{
		Message: geo.Normalize(req.Content),
		Role:    string(conv.Role),
		History: entries,
	}

	results := make(chan engineResult, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		results <- o.answer(context.WithoutCancel(turnCtx), conv.ID, payload)
	}()

	var res engineResult
	select {
	case res = <-results:
	case <-turnCtx.Done():
		o.abandon(turnCtx, st, log)
		return nil
	}

	if res.err != nil {
		log.Error("analytics engine failed", "error", res.err)
		_ = st.Error(engineErrorMessage(res.err))
		return nil
	}

	if !o.streamTokens(turnCtx, st, res.message.Content) {
		o.abandon(turnCtx, st, log)
		return nil
	}

	if err := o.store.FinalizeMessage(context.WithoutCancel(turnCtx), res.message.ID, res.final); err != nil {
		log.Error("finalize assistant message failed", "message", res.message.ID, "error", err)
		_ = st.Error("failed to save answer")
		return nil
	}
	if err := st.Done(stream.NewDonePayload(res.message.ID, res.final.Link, res.final.QC)); err != nil {
		log.Debug("done event not delivered", "error", err)
	}
	log.Info("turn completed", "assistant_message", res.message.ID)

	if conv.Title == "" {
		o.generateTitle(conv.ID, req.Content)
	}
	return nil
}

// answer calls the engine and, on success, persists the assistant message as pending. It runs
// detached from the client, so an answer is stored even when nobody is left to receive it.
func (o *Orchestrator) answer(ctx context.Context, conversationID string, payload analytics.Request) engineResult {
	queryCtx, cancel := context.WithTimeout(ctx, o.engineTimeout)
	defer cancel()

	started := time.Now()
	a, err := o.engine.Query(queryCtx, payload)
	if err != nil {
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return engineResult{err: err}
	}
	logger.L.Debug("analytics engine answered", "conversation", conversationID, "duration", time.Since(started))

	msg := &store.Message{
		ConversationID: conversationID,
		Sender:         store.SenderAssistant,
		Content:        a.Text,
		State:          store.Pending{},
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return engineResult{err: fmt.Errorf("record assistant message: %w", err)}
	}
	if err := o.store.TouchConversation(ctx, conversationID); err != nil {
		logger.L.Warn("touch conversation failed", "conversation", conversationID, "error", err)
	}
	return engineResult{
		message: msg,
		final:   store.Final{Link: a.Link, QC: o.qc.Resolve(a)},
	}
}

// streamTokens paces the answer onto the stream. It reports false if the turn was cancelled
// or the client went away before every increment was written.
func (o *Orchestrator) streamTokens(ctx context.Context, st *stream.Stream, text string) bool {
	incCtx, stop := context.WithCancel(ctx)
	defer stop()

	for inc := range stream.Increments(incCtx, text, o.tokenDelay) {
		if err := st.Token(inc); err != nil {
			return false
		}
	}
	return ctx.Err() == nil
}

// abandon ends a turn whose client is gone or that was replaced by a newer turn.
func (o *Orchestrator) abandon(ctx context.Context, st *stream.Stream, log *slog.Logger) {
	cause := context.Cause(ctx)
	if errors.Is(cause, stream.ErrSuperseded) {
		log.Info("turn superseded by a newer one")
		_ = st.Error(stream.ErrSuperseded.Error())
		return
	}
	log.Info("client went away before the turn completed", "cause", cause)
	_ = st.Error("cancelled")
}

func engineErrorMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "analytics engine timed out"
	case errors.Is(err, analytics.ErrMalformedAnswer):
		return "analytics engine returned a malformed response"
	}
	return "analytics engine request failed"
}

func (o *Orchestrator) generateTitle(conversationID, firstMessage string) {
	if o.titler == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		title, err := o.titler.Title(ctx, firstMessage)
		if err != nil {
			logger.L.Warn("title generation failed", "conversation", conversationID, "error", err)
			return
		}
		if err := o.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
			logger.L.Warn("saving title failed", "conversation", conversationID, "error", err)
			return
		}
		logger.L.Info("conversation titled", "conversation", conversationID, "title", title)
	}()
}
