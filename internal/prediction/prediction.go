// Package prediction validates forecast requests, runs the external predictor and shapes its
// output into a response.
package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/process"
	"github.com/comigor/floatchat-go/internal/store"
)

// Error is a prediction failure carrying its HTTP semantics. When Body is set it is the
// predictor's own error payload and is returned to the client unchanged.
type Error struct {
	Status   int
	Message  string
	Detail   string
	ExitCode *int
	Body     map[string]any
	Err      error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

type Input struct {
	Variable      Variable `json:"variable"`
	Horizon       string   `json:"horizon"`
	HorizonDays   *int     `json:"horizonDays"`
	SinceDays     int      `json:"sinceDays"`
	ReturnHistory bool     `json:"returnHistory"`
	HistoryDays   int      `json:"historyDays"`
}

type Point struct {
	Date string  `json:"date"`
	Pred float64 `json:"pred"`
}

type HistoryPoint struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// Result is the success contract. History is only present when it was requested.
type Result struct {
	Success     bool            `json:"success"`
	Input       Input           `json:"input"`
	Unit        string          `json:"unit"`
	Predictions []Point         `json:"predictions"`
	History     *[]HistoryPoint `json:"history,omitempty"`
	Model       string          `json:"model"`
	Meta        map[string]any  `json:"meta"`
}

type engineOutput struct {
	Success *bool `json:"success"`
	Input   struct {
		HorizonDays *int `json:"horizonDays"`
	} `json:"input"`
	Unit        string         `json:"unit"`
	Predictions []Point        `json:"predictions"`
	History     []HistoryPoint `json:"history"`
	Model       string         `json:"model"`
	Meta        map[string]any `json:"meta"`
}

// ConversationReader resolves the conversation a prediction is run for.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// FirstTurnLocker locks a conversation's mode once a prediction starts.
type FirstTurnLocker interface {
	OnFirstTurn(ctx context.Context, conversationID string) error
}

// Orchestrator runs predictions through a process.Runner.
type Orchestrator struct {
	runner        process.Runner
	cfg           config.PredictionConfig
	conversations ConversationReader
	guard         FirstTurnLocker
}

type Option func(*Orchestrator)

// WithModeGuard makes requests carrying a conversation id lock that conversation's mode.
func WithModeGuard(conversations ConversationReader, guard FirstTurnLocker) Option {
	return func(o *Orchestrator) {
		o.conversations = conversations
		o.guard = guard
	}
}

func New(runner process.Runner, cfg config.PredictionConfig, opts ...Option) *Orchestrator {
	if cfg.ExcerptLimit <= 0 {
		cfg.ExcerptLimit = 2000
	}
	o := &Orchestrator{runner: runner, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Predict validates raw, runs the predictor and interprets its output. Invalid requests never
// reach the runner. All failures are *Error except context cancellation.
func (o *Orchestrator) Predict(ctx context.Context, userID string, raw RawRequest) (*Result, error) {
	req, err := Validate(raw)
	if err != nil {
		return nil, err
	}

	if raw.ConversationID != "" && o.guard != nil {
		if err := o.lockConversation(ctx, userID, raw.ConversationID); err != nil {
			return nil, err
		}
	}

	args := append(append([]string{}, o.cfg.Args...), req.Args()...)
	logger.L.Info("running prediction", "variable", req.Variable, "horizon", req.Horizon,
		"since_days", req.SinceDays, "return_history", req.ReturnHistory)

	res, err := o.runner.Run(ctx, process.Command{
		Executable:     o.cfg.Command,
		Args:           args,
		Dir:            o.cfg.WorkDir,
		Env:            childEnv(o.cfg.Env),
		InheritEnv:     o.cfg.InheritEnv,
		Timeout:        o.cfg.Timeout,
		MaxOutputBytes: o.cfg.MaxOutputBytes,
	})
	if err != nil {
		return nil, o.runError(res, err)
	}
	return o.interpret(req, res)
}

func (o *Orchestrator) lockConversation(ctx context.Context, userID, id string) error {
	conv, err := o.conversations.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.UserID != userID) {
		return &Error{Status: http.StatusNotFound, Message: "conversation not found"}
	}
	if err != nil {
		return err
	}
	return o.guard.OnFirstTurn(ctx, id)
}

// childEnv restores upper-case keys; the config loader lower-cases map keys.
func childEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func (o *Orchestrator) runError(res *process.Result, err error) error {
	var spawnErr *process.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		logger.L.Error("prediction process could not start", "error", err)
		return &Error{
			Status:  http.StatusInternalServerError,
			Message: "failed to start prediction process",
			Detail:  err.Error(),
			Err:     err,
		}
	case errors.Is(err, process.ErrTimeout):
		logger.L.Warn("prediction timed out", "timeout", o.cfg.Timeout)
		e := &Error{Status: http.StatusGatewayTimeout, Message: "prediction timed out", Err: err}
		if res != nil {
			e.Detail = excerpt(res.Stderr, o.cfg.ExcerptLimit)
		}
		return e
	}
	return err
}

func (o *Orchestrator) interpret(req Request, res *process.Result) (*Result, error) {
	exitCode := res.ExitCode
	stdout := strings.TrimSpace(res.Stdout)

	if stdout == "" && exitCode != 0 {
		logger.L.Error("prediction process failed", "exit_code", exitCode)
		return nil, &Error{
			Status:   http.StatusBadGateway,
			Message:  "prediction process failed",
			Detail:   excerpt(res.Stderr, o.cfg.ExcerptLimit),
			ExitCode: &exitCode,
		}
	}

	doc, ok := lastJSONDocument(stdout)
	if !ok {
		logger.L.Error("prediction output is not JSON", "exit_code", exitCode, "stdout_bytes", len(res.Stdout))
		return nil, &Error{
			Status:   http.StatusBadGateway,
			Message:  "failed to parse prediction output",
			Detail:   excerpt(res.Stdout, o.cfg.ExcerptLimit),
			ExitCode: &exitCode,
		}
	}

	var out engineOutput
	if err := json.Unmarshal(doc, &out); err != nil || (out.Success != nil && !*out.Success) || (out.Success == nil && exitCode != 0) {
		var body map[string]any
		_ = json.Unmarshal(doc, &body)
		logger.L.Warn("predictor reported failure", "exit_code", exitCode, "error", body["error"])
		return nil, &Error{
			Status:   http.StatusBadGateway,
			Message:  "prediction failed",
			ExitCode: &exitCode,
			Body:     body,
		}
	}

	result := &Result{
		Success: true,
		Input: Input{
			Variable:      req.Variable,
			Horizon:       req.Horizon,
			HorizonDays:   req.HorizonDays,
			SinceDays:     req.SinceDays,
			ReturnHistory: req.ReturnHistory,
			HistoryDays:   req.HistoryDays,
		},
		Unit:        out.Unit,
		Predictions: out.Predictions,
		Model:       out.Model,
		Meta:        out.Meta,
	}
	if result.Input.HorizonDays == nil {
		result.Input.HorizonDays = out.Input.HorizonDays
	}
	if result.Unit == "" {
		result.Unit = req.Variable.Unit()
	}
	if result.Predictions == nil {
		result.Predictions = []Point{}
	}
	if req.ReturnHistory {
		h := out.History
		if h == nil {
			h = []HistoryPoint{}
		}
		result.History = &h
	}
	if result.Meta == nil {
		result.Meta = map[string]any{}
	}
	result.Meta["exitCode"] = exitCode
	if s := excerpt(res.Stderr, o.cfg.ExcerptLimit); s != "" {
		result.Meta["stderr"] = s
	}

	logger.L.Info("prediction finished", "variable", req.Variable, "points", len(result.Predictions),
		"duration", res.Duration)
	return result, nil
}

// lastJSONDocument returns stdout when it is a JSON object, or else its last line that is.
// Predictors sometimes print progress before the document.
func lastJSONDocument(stdout string) ([]byte, bool) {
	if b := []byte(stdout); json.Valid(b) && bytes.HasPrefix(b, []byte("{")) {
		return b, true
	}
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && json.Valid([]byte(line)) {
			return []byte(line), true
		}
	}
	return nil, false
}

// excerpt trims s and bounds it to limit bytes without splitting a rune.
func excerpt(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
