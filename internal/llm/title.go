package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
)

const titlePrompt = "You name conversations about ARGO ocean float data. Reply with a 3 to 5 word title " +
	"for a conversation that starts with the user's message. No quotes, no trailing punctuation."

const maxTitleLen = 80

// Titler generates short conversation titles.
type Titler struct {
	client Client
	model  string
}

func NewTitler(client Client, model string) *Titler {
	return &Titler{client: client, model: model}
}

// Title asks the model for a title summarizing firstMessage.
func (t *Titler) Title(ctx context.Context, firstMessage string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: firstMessage},
		},
		MaxTokens:   16,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("title completion: no choices")
	}
	title := strings.Trim(resp.Choices[0].Message.Content, "\"'\n\r\t .")
	if title == "" {
		return "", errors.New("title completion: empty title")
	}
	if len(title) > maxTitleLen {
		cut := maxTitleLen
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = strings.TrimSpace(title[:cut])
	}
	return title, nil
}
