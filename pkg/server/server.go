// Package server hosts the conversation engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/conversation"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/metrics"
)

// maxBodyBytes caps inbound message payloads.
const maxBodyBytes = 64 * 1024

type Server struct {
	httpServer *http.Server
}

// New builds a server listening on cfg.Host:cfg.Port.
func New(cfg config.ServerConfig, engine *conversation.Engine, collector *metrics.Collector) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           NewRouter(engine, collector),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      90 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

func (s *Server) Addr() string { return s.httpServer.Addr }

// Start blocks until the server stops. A clean shutdown returns nil.
func (s *Server) Start() error {
	logger.InfoCF("server", "HTTP server listening", map[string]any{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// NewRouter mounts the conversation, health and metrics routes.
func NewRouter(engine *conversation.Engine, collector *metrics.Collector) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := &handler{engine: engine}

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", collector.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/threads/{threadID}/messages", h.postMessage)
		r.Get("/threads/{threadID}", h.getThread)
		r.Get("/conversations/{conversationID}", h.getConversation)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.DebugCF("server", "Request served", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
