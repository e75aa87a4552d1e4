package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/floatchat-go/internal/config"
)

// NewClient creates an OpenAI-compatible client for the configured endpoint.
func NewClient(cfg config.LLMConfig) *openai.Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(c)
}
