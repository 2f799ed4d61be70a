package sched

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain/ports/repository"
	"ai-chat-stream/internal/infra/metrics"
	"ai-chat-stream/internal/infra/redis"
)

// maxBatchesPerSweep bounds one sweep so a large backlog cannot monopolise the store.
const maxBatchesPerSweep = 100

type ReaperConfig struct {
	Interval          time.Duration
	BatchSize         int
	TerminalRetention time.Duration // 0 disables the retention step
	LockTTL           time.Duration
}

// ExpiryReaper periodically deletes jobs whose token expired before anyone
// redeemed it. Redeemed jobs are never touched by that step.
type ExpiryReaper struct {
	jobs   repository.ChatJobRepository
	locker redis.Locker // optional
	cfg    ReaperConfig
	log    *zerolog.Logger
	now    func() time.Time
}

func NewExpiryReaper(jobs repository.ChatJobRepository, locker redis.Locker, cfg ReaperConfig, logger *zerolog.Logger) *ExpiryReaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	l := logger.With().Str("component", "ExpiryReaper").Logger()
	return &ExpiryReaper{
		jobs:   jobs,
		locker: locker,
		cfg:    cfg,
		log:    &l,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a fixed interval until ctx is done. The first tick is
// delayed by a random jitter so replicas started together do not collide.
func (r *ExpiryReaper) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.cfg.Interval).Msg("Starting expiry reaper")

	jitter := time.Duration(rand.Int64N(int64(r.cfg.Interval)/4 + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Stopping expiry reaper")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *ExpiryReaper) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Interval)
	defer cancel()

	if r.locker != nil {
		token, err := r.locker.TryLock(runCtx, redis.ReaperLockKey, r.cfg.LockTTL)
		if errors.Is(err, redis.ErrLockHeld) {
			r.log.Debug().Msg("another instance holds the reaper lock")
			return
		}
		if err != nil {
			// Lock backend down: sweeping twice is harmless, skipping is not.
			r.log.Warn().Err(err).Msg("reaper lock unavailable, sweeping without it")
		} else {
			defer func() {
				if err := r.locker.Unlock(context.WithoutCancel(ctx), redis.ReaperLockKey, token); err != nil {
					r.log.Warn().Err(err).Msg("reaper unlock failed")
				}
			}()
		}
	}

	n, err := r.Sweep(runCtx)
	if err != nil {
		metrics.IncReaperSweepError()
		r.log.Error().Err(err).Int("removed", n).Msg("expiry sweep error")
	} else if n > 0 {
		r.log.Info().Int("count", n).Msg("expired chat jobs removed")
	}

	if r.cfg.TerminalRetention > 0 {
		m, err := r.SweepRetention(runCtx)
		if err != nil {
			metrics.IncReaperSweepError()
			r.log.Error().Err(err).Int("removed", m).Msg("retention sweep error")
		} else if m > 0 {
			r.log.Info().Int("count", m).Msg("old terminal chat jobs removed")
		}
	}
}

// Sweep deletes pending, never-redeemed jobs whose token has expired and
// returns how many were removed. Running it with nothing eligible is a no-op.
func (r *ExpiryReaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	return r.batched(ctx, "expired", func(ctx context.Context) (int, error) {
		return r.jobs.DeleteExpiredUnredeemed(ctx, now, r.cfg.BatchSize)
	})
}

// SweepRetention deletes terminal jobs last updated before now - TerminalRetention.
func (r *ExpiryReaper) SweepRetention(ctx context.Context) (int, error) {
	if r.cfg.TerminalRetention <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.cfg.TerminalRetention)
	return r.batched(ctx, "retention", func(ctx context.Context) (int, error) {
		return r.jobs.DeleteTerminalBefore(ctx, cutoff, r.cfg.BatchSize)
	})
}

func (r *ExpiryReaper) batched(ctx context.Context, reason string, step func(context.Context) (int, error)) (int, error) {
	total := 0
	for i := 0; i < maxBatchesPerSweep; i++ {
		n, err := step(ctx)
		total += n
		metrics.AddChatJobsReaped(reason, n)
		if err != nil {
			return total, err
		}
		if n < r.cfg.BatchSize {
			break
		}
	}
	return total, nil
}
