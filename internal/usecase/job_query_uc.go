package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/repository"
	"ai-chat-stream/internal/infra/logging"
)

var _ JobQueryUseCase = (*jobQueryUC)(nil)

type JobQueryUseCase interface {
	GetJob(ctx context.Context, principal, id string) (*model.ChatJob, error)
}

type jobQueryUC struct {
	jobs repository.ChatJobRepository
	log  *zerolog.Logger
}

func NewJobQueryUseCase(jobs repository.ChatJobRepository, logger *zerolog.Logger) *jobQueryUC {
	return &jobQueryUC{jobs: jobs, log: logger}
}

// GetJob returns the job only to the principal that submitted it; anyone
// else gets ErrNotFound.
func (q *jobQueryUC) GetJob(ctx context.Context, principal, id string) (*model.ChatJob, error) {
	defer logging.TraceDuration(q.log, "JobQueryUC.GetJob")()
	job, err := q.jobs.FindByID(ctx, nil, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logging.With(ctx, q.log).Error().Err(err).Str("job_id", id).Msg("job lookup failed")
		}
		return nil, err
	}
	if job.Principal != principal {
		return nil, domain.ErrNotFound
	}
	return job, nil
}
