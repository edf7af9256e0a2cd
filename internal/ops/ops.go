// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package ops serves the operational HTTP surface: liveness, readiness,
// Prometheus metrics and a small status API. The endpoint is for operators
// and scrapers on the back office network; it carries no card data and no
// authentication.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/correlate"
	"github.com/vporoshin/persolog/internal/events"
	"github.com/vporoshin/persolog/internal/logging"
)

// Health is the database health slice of the status payload.
type Health interface {
	Healthy() bool
}

// BreakerHealth adds the circuit breaker state of the audit store.
type BreakerHealth interface {
	Health
	BreakerState() string
}

// Deps are the read-only views the endpoint reports on. Any field may be
// nil; its section is then omitted.
type Deps struct {
	Engine  *correlate.Engine
	Audit   BreakerHealth
	Perso   Health
	Journal RecentSource

	// QueueDepth and TrackedFiles report the observer queue and the tail
	// table; LastEvent feeds the activity field.
	QueueDepth   func() int
	TrackedFiles func() int
	LastEvent    func() time.Time
}

// RecentSource yields the latest registered messages, newest first.
type RecentSource interface {
	Recent(n int) []*events.RegisteredMessage
}

// Status is the /api/v1/status payload.
type Status struct {
	Service   string    `json:"service"`
	Source    string    `json:"source"`
	Root      string    `json:"root"`
	StartedAt time.Time `json:"started_at"`
	UptimeSec int64     `json:"uptime_seconds"`

	Totals correlate.Totals `json:"totals"`

	QueueDepth   int        `json:"queue_depth"`
	TrackedFiles int        `json:"tracked_files"`
	LastEvent    *time.Time `json:"last_event,omitempty"`

	AuditHealthy bool   `json:"audit_healthy"`
	AuditBreaker string `json:"audit_breaker,omitempty"`
	PersoHealthy bool   `json:"perso_healthy"`
}

// Server is the operational HTTP endpoint.
type Server struct {
	cfg     *config.Config
	deps    Deps
	started time.Time
	http    *http.Server
}

// NewServer builds the endpoint on cfg.Listen.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(15 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/messages/recent", s.handleRecent)
	})

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.http.ListenAndServe()
	}()
	logging.Info().Str("listen", s.cfg.Listen).Msg("ops endpoint started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadyz reports ready only with both databases reachable. The audit
// breaker being open also fails readiness: registrations are not flowing.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := true
	detail := map[string]any{}

	if s.deps.Audit != nil {
		healthy := s.deps.Audit.Healthy()
		state := s.deps.Audit.BreakerState()
		detail["audit"] = healthy
		detail["audit_breaker"] = state
		if !healthy || state == "open" {
			ready = false
		}
	}
	if s.deps.Perso != nil {
		healthy := s.deps.Perso.Healthy()
		detail["perso"] = healthy
		if !healthy {
			ready = false
		}
	}

	code := http.StatusOK
	detail["status"] = "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		detail["status"] = "not ready"
	}
	writeJSON(w, code, detail)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Service:   "persolog",
		Source:    s.cfg.CType,
		Root:      s.cfg.Root,
		StartedAt: s.started,
		UptimeSec: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Engine != nil {
		st.Totals = s.deps.Engine.Totals()
	}
	if s.deps.QueueDepth != nil {
		st.QueueDepth = s.deps.QueueDepth()
	}
	if s.deps.TrackedFiles != nil {
		st.TrackedFiles = s.deps.TrackedFiles()
	}
	if s.deps.LastEvent != nil {
		if last := s.deps.LastEvent(); !last.IsZero() {
			st.LastEvent = &last
		}
	}
	if s.deps.Audit != nil {
		st.AuditHealthy = s.deps.Audit.Healthy()
		st.AuditBreaker = s.deps.Audit.BreakerState()
	}
	if s.deps.Perso != nil {
		st.PersoHealthy = s.deps.Perso.Healthy()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeJSON(w, http.StatusOK, []*events.RegisteredMessage{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad limit"})
			return
		}
		limit = n
	}
	msgs := s.deps.Journal.Recent(limit)
	if msgs == nil {
		msgs = []*events.RegisteredMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("ops response encode failed")
	}
}
