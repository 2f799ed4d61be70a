package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/domain/ports/repository"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/infra/metrics"
)

// Compile-time check
var _ SubmissionUseCase = (*submissionUC)(nil)

type SubmissionUseCase interface {
	Submit(ctx context.Context, principal, query string) (*SubmitResult, error)
}

// SubmitResult is the handle returned to the client.
type SubmitResult struct {
	JobID          string    `json:"jobId"`
	SessionToken   string    `json:"sessionToken"`
	StreamURL      string    `json:"streamUrl"`
	EstimatedTime  int       `json:"estimatedTime"` // seconds, advisory
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

// RateLimiter is satisfied by the redis fixed-window limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type SubmissionConfig struct {
	TokenTTL                time.Duration
	MaxQueryLength          int
	StreamPath              string
	DefaultModel            string
	RateLimit               int // 0 disables
	RateWindow              time.Duration
	EstimateBaseSeconds     int
	EstimateTokensPerSecond int
}

type submissionUC struct {
	jobs     repository.ChatJobRepository
	tm       repository.TransactionManager
	counter  adapter.TokenCounter
	limiter  RateLimiter
	limitKey func(principal string) string
	validate *validator.Validate
	cfg      SubmissionConfig
	log      *zerolog.Logger
	now      func() time.Time
}

// NewSubmissionUseCase wires the submit flow. tm and limiter may be nil.
func NewSubmissionUseCase(
	jobs repository.ChatJobRepository,
	tm repository.TransactionManager,
	counter adapter.TokenCounter,
	limiter RateLimiter,
	limitKey func(principal string) string,
	cfg SubmissionConfig,
	logger *zerolog.Logger,
) *submissionUC {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 4000
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.EstimateTokensPerSecond <= 0 {
		cfg.EstimateTokensPerSecond = 50
	}
	if limitKey == nil {
		limitKey = func(p string) string { return "rate_limit:chat_submit:" + p }
	}
	return &submissionUC{
		jobs:     jobs,
		tm:       tm,
		counter:  counter,
		limiter:  limiter,
		limitKey: limitKey,
		validate: validator.New(),
		cfg:      cfg,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *submissionUC) Submit(ctx context.Context, principal, query string) (*SubmitResult, error) {
	defer logging.TraceDuration(s.log, "SubmissionUC.Submit")()

	if strings.TrimSpace(principal) == "" {
		return nil, domain.ErrUnauthenticated
	}
	query = strings.TrimSpace(query)
	if err := s.validate.Var(query, fmt.Sprintf("required,max=%d", s.cfg.MaxQueryLength)); err != nil {
		return nil, validationError("message", err)
	}

	if s.limiter != nil && s.cfg.RateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, s.limitKey(principal), s.cfg.RateLimit, s.cfg.RateWindow)
		switch {
		case err != nil:
			// limiter outage must not block submissions
			logging.With(ctx, s.log).Warn().Err(err).Msg("rate limiter unavailable")
		case !ok:
			return nil, domain.ErrRateLimited
		}
	}

	token, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	job, err := model.NewChatJob(uuid.NewString(), token, principal, query, s.cfg.DefaultModel, s.now(), s.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	if err := s.create(ctx, job); err != nil {
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		return nil, err
	}
	metrics.IncChatJobSubmitted()

	logging.With(logging.WithJobID(ctx, job.ID), s.log).Info().
		Time("token_expires_at", job.TokenExpiresAt).
		Msg("chat job submitted")

	return &SubmitResult{
		JobID:          job.ID,
		SessionToken:   token,
		StreamURL:      s.cfg.StreamPath + "?token=" + url.QueryEscape(token),
		EstimatedTime:  s.estimate(query),
		TokenExpiresAt: job.TokenExpiresAt,
	}, nil
}

func (s *submissionUC) create(ctx context.Context, job *model.ChatJob) error {
	if s.tm == nil {
		return s.jobs.Create(ctx, nil, job)
	}
	return s.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return s.jobs.Create(ctx, tx, job)
	})
}

// estimate is base seconds plus prompt tokens at the configured throughput, at least 1.
func (s *submissionUC) estimate(query string) int {
	tokens := 0
	if s.counter != nil {
		tokens = s.counter.CountTokens(query)
	}
	secs := s.cfg.EstimateBaseSeconds + int(math.Ceil(float64(tokens)/float64(s.cfg.EstimateTokensPerSecond)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func validationError(field string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return fmt.Errorf("%w: %s must not be empty", domain.ErrValidation, field)
		case "max":
			return fmt.Errorf("%w: %s exceeds %s characters", domain.ErrValidation, field, verrs[0].Param())
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrValidation, field, err)
}
