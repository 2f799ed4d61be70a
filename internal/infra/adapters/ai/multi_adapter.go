package ai

import (
	"context"
	"errors"
	"strings"

	"ai-chat-stream/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*MultiAIAdapter)(nil)

var ErrNoProvider = errors.New("ai: no provider configured")

// MultiAIAdapter routes each call to a provider chosen from the model name.
type MultiAIAdapter struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.AIServiceAdapter
	modelToProvider map[string]string // model -> provider ("openai" | "gemini")
}

// NewMultiAIAdapter does not inject any default model; it only knows a default provider.
// Each provider adapter is responsible for its own default model.
func NewMultiAIAdapter(
	defaultProvider string,
	byProvider map[string]adapter.AIServiceAdapter,
	modelToProvider map[string]string,
) *MultiAIAdapter {
	return &MultiAIAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiAIAdapter) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

// pick returns the adapter for model. exact is false when the provider the
// model names is not configured and another adapter stands in.
func (m *MultiAIAdapter) pick(model string) (a adapter.AIServiceAdapter, exact bool) {
	prov := m.resolveProvider(model)
	if a := m.byProvider[prov]; a != nil {
		return a, true
	}
	if a := m.byProvider[m.defaultProvider]; a != nil {
		return a, false
	}
	// last resort: first available
	for _, a := range m.byProvider {
		if a != nil {
			return a, false
		}
	}
	return nil, false
}

func (m *MultiAIAdapter) Provider() string { return m.defaultProvider }

func (m *MultiAIAdapter) DefaultModel() string {
	if a := m.byProvider[m.defaultProvider]; a != nil {
		return a.DefaultModel()
	}
	return ""
}

// ProviderFor reports which provider would serve model.
func (m *MultiAIAdapter) ProviderFor(model string) string {
	if a, _ := m.pick(model); a != nil {
		return a.Provider()
	}
	return ""
}

func (m *MultiAIAdapter) ChatStream(ctx context.Context, model string, messages []adapter.Message, onDelta adapter.DeltaFunc) (string, adapter.Usage, error) {
	a, exact := m.pick(model)
	if a == nil {
		return "", adapter.Usage{}, ErrNoProvider
	}
	if !exact {
		// another provider's model name would be rejected; use the stand-in's default
		model = ""
	}
	return a.ChatStream(ctx, model, messages, onDelta)
}
