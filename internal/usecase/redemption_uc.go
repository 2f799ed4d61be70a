package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/repository"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/infra/metrics"
)

// Compile-time check
var _ RedemptionUseCase = (*redemptionUC)(nil)

// RedemptionUseCase consumes a session token exactly once.
type RedemptionUseCase interface {
	Redeem(ctx context.Context, token string) (*model.ChatJob, error)
}

type redemptionUC struct {
	jobs repository.ChatJobRepository
	log  *zerolog.Logger
	now  func() time.Time
}

func NewRedemptionUseCase(jobs repository.ChatJobRepository, logger *zerolog.Logger) *redemptionUC {
	return &redemptionUC{jobs: jobs, log: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Redeem returns the job moved to processing, or one of ErrTokenNotFound,
// ErrTokenExpired, ErrTokenAlreadyUsed. Store failures surface as ErrStoreUnavailable.
func (r *redemptionUC) Redeem(ctx context.Context, token string) (*model.ChatJob, error) {
	defer logging.TraceDuration(r.log, "RedemptionUC.Redeem")()

	if token == "" {
		metrics.IncTokenRedemption("not_found")
		return nil, domain.ErrTokenNotFound
	}
	job, err := r.jobs.Redeem(ctx, token, r.now())
	if err != nil {
		metrics.IncTokenRedemption(redeemOutcome(err))
		if !domain.IsRedemptionError(err) {
			logging.With(ctx, r.log).Error().Err(err).Msg("token redemption failed")
		}
		return nil, err
	}
	metrics.IncTokenRedemption("redeemed")
	logging.With(logging.WithJobID(ctx, job.ID), r.log).Info().Msg("session token redeemed")
	return job, nil
}

func redeemOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case errors.Is(err, domain.ErrTokenAlreadyUsed):
		return "already_used"
	default:
		return "error"
	}
}
