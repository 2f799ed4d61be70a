package repository

import (
	"context"
	"time"

	"ai-chat-stream/internal/domain/model"
)

// ChatJobRepository is the port for the job store, the single source of truth
// for job status and token validity.
type ChatJobRepository interface {
	// Create inserts a new pending job.
	Create(ctx context.Context, tx Tx, job *model.ChatJob) error
	// FindByID returns domain.ErrNotFound when no job has the id.
	FindByID(ctx context.Context, tx Tx, id string) (*model.ChatJob, error)

	// Redeem atomically marks the token used and moves its job to processing,
	// only if the token is unused and now is before its deadline. At most one
	// concurrent caller succeeds. Failures are domain.ErrTokenNotFound,
	// domain.ErrTokenExpired or domain.ErrTokenAlreadyUsed, with no side effects.
	Redeem(ctx context.Context, token string, now time.Time) (*model.ChatJob, error)

	// Finish moves a processing job to a terminal status with its summary.
	Finish(ctx context.Context, id string, status model.ChatJobStatus, summary string, now time.Time) error

	// DeleteExpiredUnredeemed removes up to limit pending jobs whose token
	// expired before now and was never used. Processing jobs are never touched.
	DeleteExpiredUnredeemed(ctx context.Context, now time.Time, limit int) (int, error)
	// DeleteTerminalBefore removes up to limit completed/failed jobs last updated before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
