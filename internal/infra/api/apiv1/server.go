// Package apiv1 exposes job submission, streaming and lookup over HTTP.
package apiv1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/infra/adapters/auth"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/usecase"
)

const maxBodyBytes = 64 << 10

type Config struct {
	StreamPath     string
	RequestTimeout time.Duration
	Heartbeat      time.Duration
}

type Server struct {
	submit   usecase.SubmissionUseCase
	stream   usecase.StreamUseCase
	jobs     usecase.JobQueryUseCase
	verifier adapter.PrincipalVerifier
	cfg      Config
	log      *zerolog.Logger
}

func NewServer(
	submit usecase.SubmissionUseCase,
	stream usecase.StreamUseCase,
	jobs usecase.JobQueryUseCase,
	verifier adapter.PrincipalVerifier,
	cfg Config,
	logger *zerolog.Logger,
) *Server {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	l := logger.With().Str("component", "APIv1").Logger()
	return &Server{submit: submit, stream: stream, jobs: jobs, verifier: verifier, cfg: cfg, log: &l}
}

// RegisterAPIV1 attaches the routes to r.
func RegisterAPIV1(r chi.Router, s *Server) {
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/chat", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
	})
	// The session token is the credential here; no bearer needed.
	r.Get(s.cfg.StreamPath, s.handleStream)
}

type submitRequest struct {
	Message string `json:"message"`
}

type jobView struct {
	JobID          string     `json:"jobId"`
	Status         string     `json:"status"`
	Model          string     `json:"model,omitempty"`
	ResultSummary  string     `json:"resultSummary,omitempty"`
	TokenExpiresAt time.Time  `json:"tokenExpiresAt"`
	TokenUsedAt    *time.Time `json:"tokenUsedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object with a message field")
		return
	}

	res, err := s.submit.Submit(ctx, principalFrom(ctx), req.Message)
	if err != nil {
		s.writeDomainError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+res.JobID)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	job, err := s.jobs.GetJob(ctx, principalFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{
		JobID:          job.ID,
		Status:         string(job.Status),
		Model:          job.Model,
		ResultSummary:  job.ResultSummary,
		TokenExpiresAt: job.TokenExpiresAt,
		TokenUsedAt:    job.TokenUsedAt,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	})
}

// handleStream redeems the session token and relays the job's events as
// server-sent events until a terminal event, end of stream or disconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Session-Token")
	}
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "token_missing", "session token required")
		return
	}

	sess, err := s.stream.Start(ctx, token)
	if err != nil {
		s.writeDomainError(ctx, w, err)
		return
	}
	defer sess.Close()

	ctx = logging.WithJobID(ctx, sess.Job.ID)
	log := logging.With(ctx, s.log)
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		nctx, cancel := context.WithTimeout(ctx, s.cfg.Heartbeat)
		evt, err := sess.Next(nctx)
		cancel()

		switch {
		case err == nil:
			if werr := sse.Encode(w, sse.Event{Id: evt.ID, Event: string(evt.Kind), Data: evt}); werr != nil {
				log.Debug().Err(werr).Msg("stream write failed")
				return
			}
			_ = rc.Flush()
			if evt.Kind.Terminal() {
				return
			}
		case errors.Is(err, io.EOF):
			return
		case ctx.Err() != nil:
			log.Info().Msg("stream client disconnected")
			return
		case errors.Is(err, context.DeadlineExceeded):
			if _, werr := io.WriteString(w, ": keep-alive\n\n"); werr != nil {
				return
			}
			_ = rc.Flush()
		default:
			log.Warn().Err(err).Msg("stream ended unexpectedly")
			return
		}
	}
}

type principalKey struct{}

func principalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// authenticate resolves the bearer token to a principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.verifier.Verify(r.Context(), auth.BearerFromRequest(r))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "valid bearer token required")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		ctx = logging.WithPrincipal(ctx, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps domain errors to HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found"
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusGone, "token_expired"
	case errors.Is(err, domain.ErrTokenAlreadyUsed):
		return http.StatusConflict, "token_already_used"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, domain.ErrWorkerFailure):
		return http.StatusServiceUnavailable, "worker_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		logging.With(ctx, s.log).Error().Err(err).Int("status", status).Msg("request failed")
		msg = http.StatusText(status)
	}
	writeJSONError(w, status, code, msg)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
