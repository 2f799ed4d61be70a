package ai

import (
	"context"

	"ai-chat-stream/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.AIServiceAdapter = (*limitedAI)(nil)

type limitedAI struct {
	inner adapter.AIServiceAdapter
	sem   chan struct{}
}

// NewLimitedAI caps concurrent calls to inner. Waiting for a slot respects ctx.
func NewLimitedAI(inner adapter.AIServiceAdapter, maxConcurrent int) adapter.AIServiceAdapter {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedAI{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedAI) Provider() string     { return l.inner.Provider() }
func (l *limitedAI) DefaultModel() string { return l.inner.DefaultModel() }

func (l *limitedAI) ChatStream(ctx context.Context, model string, messages []adapter.Message, onDelta adapter.DeltaFunc) (string, adapter.Usage, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return "", adapter.Usage{}, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.ChatStream(ctx, model, messages, onDelta)
}
