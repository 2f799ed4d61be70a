package ai

import (
	"context"
	"strings"
	"time"

	"ai-chat-stream/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*NoopAIAdapter)(nil)

// NoopAIAdapter implements adapter.AIServiceAdapter for local/dev testing.
// It echoes the last user message back word by word.
type NoopAIAdapter struct {
	delay time.Duration
}

// NewNoopAIAdapter constructs the noop adapter; delay is the pause between words.
func NewNoopAIAdapter(delay time.Duration) *NoopAIAdapter {
	return &NoopAIAdapter{delay: delay}
}

func (a *NoopAIAdapter) Provider() string     { return "noop" }
func (a *NoopAIAdapter) DefaultModel() string { return "noop-echo" }

func (a *NoopAIAdapter) ChatStream(ctx context.Context, model string, messages []adapter.Message, onDelta adapter.DeltaFunc) (string, adapter.Usage, error) {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.ToLower(messages[i].Role) == "user" {
			last = messages[i].Content
			break
		}
	}
	words := strings.Fields("You said: " + last)
	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return sb.String(), adapter.Usage{}, ctx.Err()
		}
		sb.WriteString(w)
		if onDelta != nil {
			if err := onDelta(w); err != nil {
				return sb.String(), adapter.Usage{}, err
			}
		}
	}
	u := adapter.Usage{PromptTokens: len(strings.Fields(last)), CompletionTokens: len(words)}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return sb.String(), u, nil
}
