// Package server exposes sample ingestion and the hive read API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
	"github.com/hed1ad/hivesense/pkg/store"
)

// Processor handles one decoded sample.
type Processor interface {
	Process(ctx context.Context, sample hive.SensorSample) (*hive.Result, error)
}

// Config holds listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	proc     Processor
	states   store.StateStore
	results  store.ResultStore
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes the registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server.
func New(cfg Config, proc Processor, states store.StateStore, results store.ResultStore, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	s := &Server{
		cfg:     cfg,
		proc:    proc,
		states:  states,
		results: results,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/samples", s.PostSample)
		r.Get("/devices/{id}/state", s.GetState)
		r.Get("/results/{key}", s.GetResult)
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PostSample decodes an upload and processes it synchronously.
func (s *Server) PostSample(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	sample, err := sampleio.Decode(r.URL.Query().Get("key"), body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.proc.Process(r.Context(), sample)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, res)
	case hive.IsPermanent(err) && res != nil:
		s.respondJSON(w, http.StatusUnprocessableEntity, res)
	case hive.IsPermanent(err):
		s.respondError(w, http.StatusUnprocessableEntity, err)
	case hive.IsTransient(err):
		s.respondError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("process sample", zap.String("key", sample.Key()), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

// GetState returns the hysteresis state of a device.
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.states.GetState(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.respondJSON(w, http.StatusOK, state)
}

// GetResult returns the stored result for a sample key.
func (s *Server) GetResult(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.results.GetResult(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  hive.KindOf(err),
	})
}
