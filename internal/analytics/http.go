package analytics

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/logger"
)

// HTTPEngine posts turns to the engine's JSON endpoint.
type HTTPEngine struct {
	client *resty.Client
	path   string
}

func NewHTTPEngine(cfg config.AnalyticsConfig) *HTTPEngine {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if len(cfg.Headers) > 0 {
		client.SetHeaders(cfg.Headers)
	}
	path := cfg.Path
	if path == "" {
		path = "/query"
	}
	return &HTTPEngine{client: client, path: path}
}

func (e *HTTPEngine) Query(ctx context.Context, req Request) (Answer, error) {
	logger.L.Debug("querying analytics engine", "path", e.path, "history", len(req.History))

	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(e.path)
	if err != nil {
		return Answer{}, fmt.Errorf("analytics request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Answer{}, fmt.Errorf("analytics engine returned status %d: %s", resp.StatusCode(), bodyExcerpt(resp.Body()))
	}
	return decodeAnswer(resp.Body())
}

func (e *HTTPEngine) Close() error { return nil }

func bodyExcerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
