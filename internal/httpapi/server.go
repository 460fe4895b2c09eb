// Package httpapi exposes the fee agent over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/history"
	"btc-fee-agent/internal/logging"
	"btc-fee-agent/internal/service"
)

// Backend answers the API queries. *service.Service satisfies it.
type Backend interface {
	Recommend(ctx context.Context, priority advisor.Priority, withLLM bool) (advisor.Recommendation, error)
	Estimate(ctx context.Context, fee float64, withLLM bool) (advisor.Recommendation, error)
	Compare(ctx context.Context, withLLM bool) (advisor.Comparison, error)
	History(ctx context.Context) (service.HistoryView, error)
	LiveStatus() service.LiveStatus
	MiningTarget(ctx context.Context, fee *float64, targetBlocks int) (service.MiningTarget, error)
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// Server serves the fee agent API.
type Server struct {
	backend Backend
	opts    Options
	logger  zerolog.Logger
}

// NewServer creates the API server.
func NewServer(backend Backend, opts Options, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		backend: backend,
		opts:    opts,
		logger:  logging.Component(logger, "httpapi"),
	}
}

// Handler returns the fully wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET /recommend", s.instrument("recommend", s.handleRecommend))
	mux.HandleFunc("GET /estimate", s.instrument("estimate", s.handleEstimate))
	mux.HandleFunc("GET /compare", s.instrument("compare", s.handleCompare))
	mux.HandleFunc("GET /history", s.instrument("history", s.handleHistory))
	mux.HandleFunc("GET /live/status", s.instrument("live_status", s.handleLiveStatus))
	mux.HandleFunc("GET /mining-target", s.instrument("mining_target", s.handleMiningTarget))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withRequestID(s.withCORS(mux))
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	priority, err := advisor.ParsePriority(q.Get("priority"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_priority", err)
		return
	}
	withLLM, err := parseExplain(q.Get("explain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_explain", err)
		return
	}

	rec, err := s.backend.Recommend(r.Context(), priority, withLLM)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("fee") == "" {
		writeError(w, http.StatusBadRequest, "invalid_fee", errors.New("fee is required"))
		return
	}
	fee, err := parseFee(q.Get("fee"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_fee", err)
		return
	}
	withLLM, err := parseExplain(q.Get("explain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_explain", err)
		return
	}

	rec, err := s.backend.Estimate(r.Context(), fee, withLLM)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	withLLM, err := parseExplain(r.URL.Query().Get("explain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_explain", err)
		return
	}
	cmp, err := s.backend.Compare(r.Context(), withLLM)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	view, err := s.backend.History(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if view.Items == nil {
		view.Items = []history.Record{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.LiveStatus())
}

func (s *Server) handleMiningTarget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var fee *float64
	if raw := q.Get("fee"); raw != "" {
		v, err := parseFee(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_fee", err)
			return
		}
		fee = &v
	}

	target := 0
	if raw := q.Get("target_blocks"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > advisor.MaxProjectedBlocks {
			writeError(w, http.StatusBadRequest, "invalid_target_blocks",
				fmt.Errorf("target_blocks must be an integer between 1 and %d", advisor.MaxProjectedBlocks))
			return
		}
		target = v
	}

	out, err := s.backend.MiningTarget(r.Context(), fee, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, advisor.ErrInvalidFee):
		writeError(w, http.StatusBadRequest, "invalid_fee", err)
	case errors.Is(err, advisor.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, "invalid_priority", err)
	case errors.Is(err, service.ErrNoData):
		writeError(w, http.StatusServiceUnavailable, "no_data", err)
	case errors.Is(err, history.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "history_disabled", err)
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "canceled", err)
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", nil)
	}
}

func parseExplain(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return false, nil
	case "llm":
		return true, nil
	default:
		return false, fmt.Errorf("explain must be none or llm, got %q", raw)
	}
}

func parseFee(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", advisor.ErrInvalidFee, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
