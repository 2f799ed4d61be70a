// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ai-chat-stream/internal/config"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/domain/ports/repository"
	aiAdapters "ai-chat-stream/internal/infra/adapters/ai"
	"ai-chat-stream/internal/infra/adapters/auth"
	"ai-chat-stream/internal/infra/api"
	apiv1 "ai-chat-stream/internal/infra/api/apiv1"
	"ai-chat-stream/internal/infra/db/memory"
	pg "ai-chat-stream/internal/infra/db/postgres"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/infra/metrics"
	red "ai-chat-stream/internal/infra/redis"
	"ai-chat-stream/internal/infra/sched"
	"ai-chat-stream/internal/infra/stream"
	"ai-chat-stream/internal/infra/worker"
	"ai-chat-stream/internal/usecase"
)

// Set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (in-memory store, static auth)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	// ---- Job store ----
	var (
		jobs   repository.ChatJobRepository
		tm     repository.TransactionManager
		pool   *pgxpool.Pool
		health api.HealthFunc
	)
	if cfg.Database.URL != "" {
		p, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer p.Close()
		logger.Info().Str("dsn", logging.Redact(cfg.Database.URL, cfg.Runtime.Dev)).Msg("postgres connected")
		pool = p
		jobs = pg.NewChatJobRepo(p)
		tm = pg.NewTxManager(p)
		health = p.Ping
	} else {
		logger.Warn().Msg("database.url not set; using in-memory job store")
		jobs = memory.NewChatJobRepo()
		tm = memory.TxManager{}
	}

	// ---- Redis (optional) ----
	var (
		limiter usecase.RateLimiter
		locker  red.Locker
	)
	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		limiter = red.NewRateLimiter(rc)
		locker = red.NewLocker(rc)
	} else if cfg.Chat.RateLimit > 0 {
		logger.Warn().Msg("chat.rate_limit set but redis.url is empty; rate limiting disabled")
	}

	// ---- AI ----
	ai, err := buildAI(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// ---- Streaming + workers ----
	dispatcher := stream.NewDispatcher(logger)
	workers := worker.NewPool(cfg.Worker.Workers, cfg.Worker.QueueSize, logger)
	workers.Start(ctx)
	defer workers.Stop()

	processor := worker.NewChatJobProcessor(jobs, ai, dispatcher, workers, worker.ProcessorConfig{
		AITimeout:        cfg.AI.Timeout,
		MaxSummaryLength: cfg.Chat.MaxSummaryLength,
		SystemPrompt:     cfg.AI.SystemPrompt,
	}, logger)

	// ---- Use cases ----
	submitUC := usecase.NewSubmissionUseCase(jobs, tm, aiAdapters.NewTiktokenCounter(logger), limiter, red.ChatSubmitKey,
		usecase.SubmissionConfig{
			TokenTTL:                cfg.Chat.TokenTTL,
			MaxQueryLength:          cfg.Chat.MaxQueryLength,
			StreamPath:              cfg.Chat.StreamPath,
			DefaultModel:            cfg.AI.DefaultModel,
			RateLimit:               cfg.Chat.RateLimit,
			RateWindow:              cfg.Chat.RateWindow,
			EstimateBaseSeconds:     cfg.Chat.EstimateBaseSeconds,
			EstimateTokensPerSecond: cfg.Chat.EstimateTokensPerSecond,
		}, logger)
	redeemUC := usecase.NewRedemptionUseCase(jobs, logger)
	streamUC := usecase.NewStreamUseCase(redeemUC, dispatcher, processor, jobs, cfg.Stream.CancelOnDisconnect, logger)
	queryUC := usecase.NewJobQueryUseCase(jobs, logger)

	// ---- Auth ----
	var verifier adapter.PrincipalVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn().Msg("auth.jwt_secret not set; bearer value is trusted as principal (INSECURE)")
		verifier = auth.StaticVerifier{}
	}

	// ---- HTTP ----
	v1 := apiv1.NewServer(submitUC, streamUC, queryUC, verifier, apiv1.Config{
		StreamPath:     cfg.Chat.StreamPath,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Heartbeat:      cfg.Stream.Heartbeat,
	}, logger)
	srv := api.NewServer(cfg.HTTP.Port, api.NewRouter(logger, v1, health), logger)

	reaper := sched.NewExpiryReaper(jobs, locker, sched.ReaperConfig{
		Interval:          cfg.Reaper.Interval,
		BatchSize:         cfg.Reaper.BatchSize,
		TerminalRetention: cfg.Reaper.TerminalRetention,
		LockTTL:           cfg.Reaper.LockTTL,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	g.Go(func() error {
		if err := reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reportStats(gctx, pool, dispatcher, logger)
		return nil
	})

	return g.Wait()
}

// buildAI wires the configured provider behind the router and the concurrency cap.
func buildAI(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.AIServiceAdapter, error) {
	byProvider := map[string]adapter.AIServiceAdapter{}

	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		byProvider[oa.Provider()] = oa
	}
	if cfg.AI.GeminiKey != "" {
		gm, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		byProvider[gm.Provider()] = gm
	}

	provider := cfg.AI.Provider
	if _, ok := byProvider[provider]; !ok {
		if provider != "noop" {
			logger.Warn().Str("provider", provider).Msg("AI provider has no credentials; falling back to noop echo")
		}
		noop := aiAdapters.NewNoopAIAdapter(50 * time.Millisecond)
		provider = noop.Provider()
		byProvider[provider] = noop
	}
	multi := aiAdapters.NewMultiAIAdapter(provider, byProvider, nil)
	logger.Info().
		Str("default_provider", provider).
		Str("model", cfg.AI.DefaultModel).
		Str("serves_default_model", multi.ProviderFor(cfg.AI.DefaultModel)).
		Msg("AI adapter ready")
	return aiAdapters.NewLimitedAI(multi, cfg.AI.ConcurrentLimit), nil
}

// reportStats samples the db pool into metrics and logs dispatcher counters. pool may be nil.
func reportStats(ctx context.Context, pool *pgxpool.Pool, dispatcher *stream.Dispatcher, logger *zerolog.Logger) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if pool != nil {
				s := pool.Stat()
				metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
			}
			st := dispatcher.Stats()
			logger.Debug().
				Int("open_channels", st.OpenChannels).
				Int("tombstones", st.Tombstones).
				Int64("published", st.TotalPublished).
				Int64("dropped", st.TotalDropped).
				Msg("dispatcher stats")
		}
	}
}
