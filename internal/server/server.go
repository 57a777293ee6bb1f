package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pingsantohq/monitor/internal/export"
	"github.com/pingsantohq/monitor/internal/metrics"
	"github.com/pingsantohq/monitor/internal/scheduler"
	"github.com/pingsantohq/monitor/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Monitor is the read side of the orchestrator.
type Monitor interface {
	Export(ctx context.Context) ([]types.PingStat, error)
	State(ctx context.Context) (scheduler.State, error)
}

// ClientCounter reports connected control clients.
type ClientCounter interface {
	Clients() int
}

// ReadinessChecker evaluates readiness at a point in time.
type ReadinessChecker interface {
	Ready(now time.Time) (bool, []string)
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger  *log.Logger
	Metrics *metrics.Store
	Checker ReadinessChecker
	Monitor Monitor
	Clients ClientCounter
	Now     func() time.Time
}

// Server exposes metrics, health and read-only monitoring state over HTTP.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

type stateResponse struct {
	IntervalMs int64    `json:"interval_ms"`
	Targets    []string `json:"targets"`
	Clients    int      `json:"clients"`
}

// New constructs the monitoring HTTP server.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9310"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.NewHTTPHandler(deps.Metrics))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", statsHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/export", exportHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/state", stateHandler(deps)).Methods(http.MethodGet)

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

// Run serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Printf("metrics listening on http://%s", ln.Addr())
		errCh <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Checker.Ready(deps.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func statsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, ok := exportSnapshot(w, r, deps)
		if !ok {
			return
		}
		records := types.Records(snapshot)
		if records == nil {
			records = []types.StatRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			deps.Logger.Printf("encode stats failed: %v", err)
		}
	}
}

func exportHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, ok := exportSnapshot(w, r, deps)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+export.DefaultPath+`"`)
		if err := export.WriteCSV(w, snapshot); err != nil {
			deps.Logger.Printf("write csv failed: %v", err)
		}
	}
}

func stateHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Monitor == nil {
			http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
			return
		}
		state, err := deps.Monitor.State(r.Context())
		if err != nil {
			deps.Logger.Printf("read state failed: %v", err)
			http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
			return
		}
		resp := stateResponse{IntervalMs: state.Interval.Milliseconds(), Targets: state.Targets}
		if resp.Targets == nil {
			resp.Targets = []string{}
		}
		if deps.Clients != nil {
			resp.Clients = deps.Clients.Clients()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			deps.Logger.Printf("encode state failed: %v", err)
		}
	}
}

func exportSnapshot(w http.ResponseWriter, r *http.Request, deps Dependencies) ([]types.PingStat, bool) {
	if deps.Monitor == nil {
		http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	snapshot, err := deps.Monitor.Export(r.Context())
	if err != nil {
		deps.Logger.Printf("export snapshot failed: %v", err)
		http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return snapshot, true
}
