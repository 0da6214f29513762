// Package api serves the local store over HTTP: ingest, the fetch primitive,
// series listing, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/storage"
	"github.com/vjranagit/tsreport/pkg/types"
)

// maxWriteBytes caps one ingest request body.
const maxWriteBytes = 32 << 20

// Server implements the HTTP API server
type Server struct {
	store   storage.Storage
	fetcher fetch.Fetcher
	addr    string
	timeout time.Duration
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a server for store. Fetch requests go through fetcher,
// which is usually store itself wrapped with instrumentation or a cache.
func NewServer(addr string, store storage.Storage, fetcher fetch.Fetcher, timeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = store
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		store:   store,
		fetcher: fetcher,
		addr:    addr,
		timeout: timeout,
		logger:  logger,
	}
}

// Routes returns the API router.
//
//   - POST /api/v1/write   ingest a types.WriteRequest
//   - GET  /api/v1/fetch   answer ?address= as a types.FetchResponse
//   - GET  /api/v1/series  list series, query parameters select on labels
//   - GET  /health
//   - GET  /metrics
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api/v1", func(ar chi.Router) {
		ar.Post("/write", s.handleWrite)
		ar.Get("/fetch", s.handleFetch)
		ar.Get("/series", s.handleSeries)
	})
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.timeout,
		WriteTimeout:      s.timeout,
	}
	s.logger.Info("api listening", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req types.WriteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWriteBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := s.store.Write(r.Context(), &req); err != nil {
		s.logger.Warn("write failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("write failed: %v", err))
		return
	}

	samples := 0
	for _, series := range req.Series {
		samples += len(series.Samples)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "samples": samples})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address parameter")
		return
	}

	samples, err := s.fetcher.Fetch(r.Context(), address)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrBadAddress) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.EncodeSamples(address, samples))
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	selector := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			selector[name] = values[0]
		}
	}
	writeJSON(w, http.StatusOK, s.store.Series(selector))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
