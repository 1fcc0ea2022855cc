// Package health exposes the per-worker HTTP surface: liveness, readiness,
// and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// pingFunc adapts a bare function to Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingerFunc wraps a function as a Pinger.
func PingerFunc(f func(ctx context.Context) error) Pinger { return pingFunc(f) }

// Server is the health/metrics endpoint for one worker process.
type Server struct {
	addr        string
	commitBound time.Duration
	lastCommit  func() time.Time
	deps        map[string]Pinger
	registry    *prometheus.Registry
	log         zerolog.Logger

	httpSrv *http.Server
}

// New creates the server. lastCommit may return the zero time before the
// first commit; readiness then depends on dependency pings alone.
func New(addr string, commitBound time.Duration, lastCommit func() time.Time,
	deps map[string]Pinger, registry *prometheus.Registry, log zerolog.Logger) *Server {
	return &Server{
		addr:        addr,
		commitBound: commitBound,
		lastCommit:  lastCommit,
		deps:        deps,
		registry:    registry,
		log:         log,
	}
}

type readiness struct {
	Ready        bool              `json:"ready"`
	Dependencies map[string]string `json:"dependencies"`
	LastCommit   string            `json:"last_commit,omitempty"`
	CommitAgeMS  int64             `json:"commit_age_ms,omitempty"`
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) {
	r := mux.NewRouter()
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("health server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("health server failed")
	}
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := readiness{Ready: true, Dependencies: make(map[string]string, len(s.deps))}
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			resp.Ready = false
			resp.Dependencies[name] = err.Error()
		} else {
			resp.Dependencies[name] = "ok"
		}
	}

	if s.lastCommit != nil && s.commitBound > 0 {
		if last := s.lastCommit(); !last.IsZero() {
			age := time.Since(last)
			resp.LastCommit = last.UTC().Format(time.RFC3339)
			resp.CommitAgeMS = age.Milliseconds()
			if age > s.commitBound {
				resp.Ready = false
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
