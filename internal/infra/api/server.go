package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	apiv1 "ai-chat-stream/internal/infra/api/apiv1"
)

// HealthFunc reports readiness of a dependency; nil error means healthy.
type HealthFunc func(ctx context.Context) error

// NewRouter mounts health, metrics and the v1 API behind the common middleware.
func NewRouter(logger *zerolog.Logger, v1 *apiv1.Server, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(logger), TraceID(logger), RequestLog(logger))

	r.Handle("/health", Chain(healthHandler(health), Timeout(2*time.Second)))
	r.Handle("/metrics", promhttp.Handler())

	apiv1.RegisterAPIV1(r, v1)
	return r
}

func healthHandler(health HealthFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			if err := health(req.Context()); err != nil {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// Server owns the listening http.Server.
type Server struct {
	server *http.Server
	log    *zerolog.Logger
}

func NewServer(port int, handler http.Handler, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "HTTPServer").Logger()
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: &l,
	}
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
