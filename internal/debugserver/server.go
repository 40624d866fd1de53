// Package debugserver serves pprof, Prometheus metrics and a read-only
// schedule view on a localhost HTTP listener.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"homehub/internal/schedule"
)

const defaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled bool
	Addr    string
}

type Server struct {
	log      zerolog.Logger
	cfg      Config
	registry *prometheus.Registry
	mirror   *schedule.Mirror

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// New wires the handler set. mirror may be nil; the /schedules endpoint
// then reports an empty list.
func New(cfg Config, reg *prometheus.Registry, mirror *schedule.Mirror, log zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{log: log, cfg: cfg, registry: reg, mirror: mirror}
}

func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/schedules", s.handleSchedules)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("debug server exited")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("debug server listening")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	s.ln = nil
	return err
}

// handleSchedules dumps the mirrored rule set. The mirror converges via
// broadcast events only, so this view exercises the same replication path
// a remote dashboard would.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	var rules []schedule.Rule
	if s.mirror != nil {
		rules = s.mirror.Rules()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"schedules": rules})
}
