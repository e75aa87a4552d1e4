package stream

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Increments splits an atomic answer into word increments and sends them on the returned
// channel, pausing delay between them. Each increment after the first carries the whitespace
// that preceded its word, so line breaks and table layout survive and the increments
// concatenate to the text with surrounding whitespace trimmed. The channel is closed when the
// text is exhausted or ctx is done.
func Increments(ctx context.Context, text string, delay time.Duration) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)

		var timer *time.Timer
		if delay > 0 {
			timer = time.NewTimer(delay)
			defer timer.Stop()
		}

		for i, word := range splitWords(text) {
			if i > 0 && timer != nil {
				timer.Reset(delay)
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- word:
			}
		}
	}()
	return out
}

// splitWords cuts text before every whitespace run that follows a word.
func splitWords(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var (
		words     []string
		start     int
		prevSpace bool
	)
	for i, r := range text {
		space := unicode.IsSpace(r)
		if space && !prevSpace && i > 0 {
			words = append(words, text[start:i])
			start = i
		}
		prevSpace = space
	}
	return append(words, text[start:])
}
