package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/domain/ports/repository"
	"ai-chat-stream/internal/domain/ports/usecase"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/infra/metrics"
)

var _ usecase.ChatJobRunner = (*ChatJobProcessor)(nil)

// finalizeTimeout bounds the terminal status write, which runs detached from
// the job context.
const finalizeTimeout = 10 * time.Second

type ProcessorConfig struct {
	AITimeout        time.Duration
	MaxSummaryLength int
	SystemPrompt     string
}

// ChatJobProcessor runs redeemed jobs: it streams the AI answer through the
// dispatcher and records the terminal status.
type ChatJobProcessor struct {
	jobs       repository.ChatJobRepository
	ai         adapter.AIServiceAdapter
	dispatcher adapter.StreamDispatcher
	pool       *Pool
	cfg        ProcessorConfig
	log        *zerolog.Logger
	now        func() time.Time

	finalizeBackOff func() backoff.BackOff
}

func defaultFinalizeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = finalizeTimeout
	return b
}

func NewChatJobProcessor(
	jobs repository.ChatJobRepository,
	ai adapter.AIServiceAdapter,
	dispatcher adapter.StreamDispatcher,
	pool *Pool,
	cfg ProcessorConfig,
	logger *zerolog.Logger,
) *ChatJobProcessor {
	l := logger.With().Str("component", "ChatJobProcessor").Logger()
	return &ChatJobProcessor{
		jobs:       jobs,
		ai:         ai,
		dispatcher: dispatcher,
		pool:       pool,
		cfg:        cfg,
		log:        &l,
		now:        func() time.Time { return time.Now().UTC() },

		finalizeBackOff: defaultFinalizeBackOff,
	}
}

// Enqueue schedules job on the pool. ctx becomes the parent of the job's
// context, so cancelling it cancels the AI call. When the pool cannot take
// the job it is failed right away and ErrWorkerFailure is returned.
func (p *ChatJobProcessor) Enqueue(ctx context.Context, job *model.ChatJob) error {
	err := p.pool.Submit(func(poolCtx context.Context) error {
		jobCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()
		return p.Process(jobCtx, job)
	})
	if err == nil {
		return nil
	}
	cause := fmt.Errorf("%w: %v", domain.ErrWorkerFailure, err)
	p.log.Error().Err(err).Str("job_id", job.ID).Msg("could not schedule job")
	p.finish(ctx, job, "", adapter.Usage{}, cause)
	return cause
}

// Process runs job to a terminal state. The returned error is the AI failure, if any;
// it has already been recorded on the job.
func (p *ChatJobProcessor) Process(ctx context.Context, job *model.ChatJob) error {
	ctx = logging.WithJobID(logging.WithPrincipal(ctx, job.Principal), job.ID)
	log := logging.With(ctx, p.log)
	defer logging.TraceDuration(log, "ChatJobProcessor.Process")()

	p.publish(job.ID, model.NewStreamEvent(model.StreamEventProgress, model.ProgressData{Stage: "started"}))

	modelName := job.Model
	if modelName == "" {
		modelName = p.ai.DefaultModel()
	}
	msgs := make([]adapter.Message, 0, 2)
	if p.cfg.SystemPrompt != "" {
		msgs = append(msgs, adapter.Message{Role: "system", Content: p.cfg.SystemPrompt})
	}
	msgs = append(msgs, adapter.Message{Role: "user", Content: job.Query})

	aiCtx := ctx
	if p.cfg.AITimeout > 0 {
		var cancel context.CancelFunc
		aiCtx, cancel = context.WithTimeout(ctx, p.cfg.AITimeout)
		defer cancel()
	}

	start := time.Now()
	first := true
	reply, usage, err := p.ai.ChatStream(aiCtx, modelName, msgs, func(delta string) error {
		if first {
			first = false
			p.publish(job.ID, model.NewStreamEvent(model.StreamEventProgress, model.ProgressData{Stage: "streaming"}))
		}
		p.publish(job.ID, model.NewStreamEvent(model.StreamEventMessage, model.MessageData{Delta: delta}))
		return nil
	})
	latency := time.Since(start)
	metrics.ObserveChatUsage(p.ai.Provider(), modelName, usage.PromptTokens, usage.CompletionTokens, latency.Milliseconds(), err == nil)

	if err != nil {
		err = p.describe(ctx, aiCtx, err)
		log.Warn().Err(err).Dur("latency", latency).Msg("ai call failed")
	} else {
		log.Info().Dur("latency", latency).Int("completion_tokens", usage.CompletionTokens).Msg("ai call completed")
	}

	if job.Model == "" {
		job.Model = modelName
	}
	p.finish(ctx, job, reply, usage, err)
	return err
}

// finish persists the outcome with a fresh context, emits the terminal event
// and closes the job's stream.
func (p *ChatJobProcessor) finish(ctx context.Context, job *model.ChatJob, reply string, usage adapter.Usage, cause error) {
	defer p.dispatcher.Close(job.ID)

	status := model.ChatJobStatusCompleted
	summary := truncateRunes(reply, p.cfg.MaxSummaryLength)
	if cause != nil {
		status = model.ChatJobStatusFailed
		summary = truncateRunes(cause.Error(), p.cfg.MaxSummaryLength)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := p.record(fctx, job.ID, status, summary); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Str("status", string(status)).Msg("failed to record job outcome")
		p.publish(job.ID, model.NewStreamEvent(model.StreamEventError, model.ErrorData{Message: "result could not be recorded"}))
		return
	}
	metrics.IncChatJobFinished(string(status))
	job.Status = status
	job.ResultSummary = summary

	if cause != nil {
		p.publish(job.ID, model.NewStreamEvent(model.StreamEventError, model.ErrorData{Message: cause.Error()}))
		return
	}
	p.publish(job.ID, model.NewStreamEvent(model.StreamEventDone, model.DoneData{
		Summary:          summary,
		Model:            job.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}))
}

// record writes the terminal status, retrying while the store is unavailable.
// The write is conditional on the job still processing, so a retry after a
// lost acknowledgement shows up as an invalid transition to the same status.
func (p *ChatJobProcessor) record(ctx context.Context, id string, status model.ChatJobStatus, summary string) error {
	now := p.now()
	attempts := 0
	op := func() error {
		attempts++
		err := p.jobs.Finish(ctx, id, status, summary, now)
		if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn().Err(err).Str("job_id", id).Int("attempt", attempts).Dur("retry_in", wait).Msg("retrying job outcome write")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(p.finalizeBackOff(), ctx), notify)
	if err != nil && attempts > 1 && errors.Is(err, domain.ErrInvalidTransition) {
		if cur, ferr := p.jobs.FindByID(ctx, nil, id); ferr == nil && cur.Status == status {
			return nil
		}
	}
	return err
}

// describe turns context failures into readable summaries.
func (p *ChatJobProcessor) describe(jobCtx, aiCtx context.Context, err error) error {
	switch {
	case jobCtx.Err() != nil:
		return fmt.Errorf("%w: cancelled: %v", domain.ErrWorkerFailure, context.Cause(jobCtx))
	case errors.Is(aiCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: ai call timed out after %s", domain.ErrWorkerFailure, p.cfg.AITimeout)
	default:
		return fmt.Errorf("%w: %v", domain.ErrWorkerFailure, err)
	}
}

func (p *ChatJobProcessor) publish(jobID string, evt model.StreamEvent) {
	if err := p.dispatcher.Publish(jobID, evt); err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Str("kind", string(evt.Kind)).Msg("publish failed")
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
