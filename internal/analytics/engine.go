// Package analytics talks to the external analytics engine that answers natural-language
// questions about ARGO float data.
package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/history"
	"github.com/comigor/floatchat-go/internal/store"
)

// ErrMalformedAnswer means the engine responded but not with anything usable.
var ErrMalformedAnswer = errors.New("analytics: malformed engine answer")

// Request is the payload sent to the engine for one turn.
type Request struct {
	Message string          `json:"message"`
	Role    string          `json:"role"`
	History []history.Entry `json:"history"`
}

// Answer is the engine's response in canonical form. QC is the engine-reported value, if any.
type Answer struct {
	Text string
	Link *string
	QC   *float64
}

// Engine answers a single turn.
type Engine interface {
	Query(ctx context.Context, req Request) (Answer, error)
	Close() error
}

// New builds the engine selected by configuration.
func New(ctx context.Context, cfg config.AnalyticsConfig) (Engine, error) {
	switch cfg.Kind {
	case config.EngineHTTP:
		return NewHTTPEngine(cfg), nil
	case config.EngineMCP:
		e, err := NewMCPEngine(ctx, cfg.MCP)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("analytics: unsupported engine kind %q", cfg.Kind)
}

// QCPolicy decides where the quality score attached to an answer comes from.
type QCPolicy struct {
	Source config.QCSource
	Fixed  float64
}

func NewQCPolicy(cfg config.QCConfig) QCPolicy {
	return QCPolicy{Source: cfg.Source, Fixed: cfg.Fixed}
}

// Resolve returns the score to forward for an answer, tagged with its provenance, or nil.
func (p QCPolicy) Resolve(a Answer) *store.QualityScore {
	switch p.Source {
	case config.QCFixed:
		return &store.QualityScore{Value: p.Fixed, Source: string(config.QCFixed)}
	case config.QCNone:
		return nil
	}
	if a.QC == nil {
		return nil
	}
	return &store.QualityScore{Value: *a.QC, Source: string(config.QCFromEngine)}
}
