package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/domain/ports/repository"
	portuc "ai-chat-stream/internal/domain/ports/usecase"
	"ai-chat-stream/internal/infra/logging"
)

// Compile-time check
var _ StreamUseCase = (*streamUC)(nil)

// ErrClientDisconnected is the cancellation cause given to a worker whose
// subscriber went away while cancel-on-disconnect is enabled.
var ErrClientDisconnected = errors.New("client disconnected")

// StreamUseCase turns a session token into a live event stream.
type StreamUseCase interface {
	Start(ctx context.Context, token string) (*StreamSession, error)
}

// StreamSession is the subscriber side of one redeemed job.
type StreamSession struct {
	Job    *model.ChatJob
	sub    adapter.StreamSubscription
	cancel context.CancelCauseFunc // nil unless cancel-on-disconnect
	once   sync.Once
}

// Next blocks for the next event; io.EOF marks the end of the stream.
func (s *StreamSession) Next(ctx context.Context) (model.StreamEvent, error) {
	return s.sub.Next(ctx)
}

// Close releases the channel. Under cancel-on-disconnect it also cancels the worker.
func (s *StreamSession) Close() {
	s.once.Do(func() {
		s.sub.Release()
		if s.cancel != nil {
			s.cancel(ErrClientDisconnected)
		}
	})
}

type streamUC struct {
	redeemer           RedemptionUseCase
	dispatcher         adapter.StreamDispatcher
	runner             portuc.ChatJobRunner
	jobs               repository.ChatJobRepository
	cancelOnDisconnect bool
	log                *zerolog.Logger
}

func NewStreamUseCase(
	redeemer RedemptionUseCase,
	dispatcher adapter.StreamDispatcher,
	runner portuc.ChatJobRunner,
	jobs repository.ChatJobRepository,
	cancelOnDisconnect bool,
	logger *zerolog.Logger,
) *streamUC {
	return &streamUC{
		redeemer:           redeemer,
		dispatcher:         dispatcher,
		runner:             runner,
		jobs:               jobs,
		cancelOnDisconnect: cancelOnDisconnect,
		log:                logger,
	}
}

// Start redeems token, attaches the subscriber and schedules the worker.
// The worker context outlives ctx unless cancel-on-disconnect is enabled,
// in which case closing the session cancels it.
func (s *streamUC) Start(ctx context.Context, token string) (*StreamSession, error) {
	defer logging.TraceDuration(s.log, "StreamUC.Start")()

	job, err := s.redeemer.Redeem(ctx, token)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithJobID(ctx, job.ID)
	log := logging.With(ctx, s.log)

	sub, err := s.dispatcher.Open(job.ID)
	if err != nil {
		// The job is already processing; without a channel it must not stay there.
		cause := fmt.Errorf("%w: open stream: %v", domain.ErrWorkerFailure, err)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := s.jobs.Finish(fctx, job.ID, model.ChatJobStatusFailed, cause.Error(), time.Now().UTC()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to record stream open failure")
		}
		return nil, cause
	}

	session := &StreamSession{Job: job, sub: sub}
	workCtx := context.WithoutCancel(ctx)
	if s.cancelOnDisconnect {
		var cancel context.CancelCauseFunc
		workCtx, cancel = context.WithCancelCause(workCtx)
		session.cancel = cancel
	}

	if err := s.runner.Enqueue(workCtx, job); err != nil {
		// The runner already failed the job and published the error event.
		log.Warn().Err(err).Msg("job could not be scheduled")
	}
	return session, nil
}
