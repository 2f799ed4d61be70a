package usecase

import (
	"context"

	"ai-chat-stream/internal/domain/model"
)

// ChatJobRunner schedules a redeemed job for background processing.
// Enqueue must not block on the AI call itself.
type ChatJobRunner interface {
	Enqueue(ctx context.Context, job *model.ChatJob) error
}
