package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage for a single chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// DeltaFunc receives incremental assistant output. Returning an error aborts the call.
type DeltaFunc func(delta string) error

// AIServiceAdapter is the port for LLM chat.
type AIServiceAdapter interface {
	// Provider names the backend, e.g. "openai" or "gemini".
	Provider() string
	DefaultModel() string

	// ChatStream streams the assistant reply through onDelta and returns the
	// full text plus usage as reported by the provider.
	ChatStream(ctx context.Context, model string, messages []Message, onDelta DeltaFunc) (string, Usage, error)
}

// TokenCounter counts prompt tokens for a piece of text (best-effort).
type TokenCounter interface {
	CountTokens(text string) int
}
