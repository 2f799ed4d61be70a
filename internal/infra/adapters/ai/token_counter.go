package ai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain/ports/adapter"
)

var _ adapter.TokenCounter = (*TiktokenCounter)(nil)

// TiktokenCounter counts tokens with the cl100k_base encoding. When the
// encoding cannot be loaded it falls back to one token per four runes.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	log  *zerolog.Logger
}

func NewTiktokenCounter(logger *zerolog.Logger) *TiktokenCounter {
	return &TiktokenCounter{log: logger}
}

func (c *TiktokenCounter) CountTokens(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.log.Warn().Err(err).Msg("tiktoken unavailable, using character estimate")
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokens is the character heuristic used without a tokenizer.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
