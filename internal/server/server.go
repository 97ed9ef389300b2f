// Package server wires the SAML service provider core onto two HTTP
// listeners: a public one carrying the SSO endpoints the browser hits,
// and an optional admin one for health, readiness, stats, and metrics.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/tower/config"
	"github.com/wudi/tower/internal/errors"
	"github.com/wudi/tower/internal/logging"
	"github.com/wudi/tower/internal/metrics"
	"github.com/wudi/tower/internal/replay"
	"github.com/wudi/tower/internal/session"
)

// sessionPath is where the admin UI polls for its login state.
const sessionPath = "/sso/session"

// Server owns the listeners and the shared state behind them.
type Server struct {
	cfg       *config.Config
	sso       *SSO
	replays   replay.Store
	sessions  *session.Manager
	collector *metrics.Collector
	redis     *redis.Client

	public *http.Server
	admin  *http.Server

	startTime time.Time
}

// New assembles the server from configuration. The IdP metadata fetch,
// when configured, happens here so a misconfigured trust anchor fails
// startup instead of the first login.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	collector := metrics.NewCollector()

	var client *redis.Client
	if cfg.Redis.Address != "" {
		opts := &redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		}
		if cfg.Redis.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewClient(opts)
	}

	replays, err := replay.New(cfg.Replay, client, cfg.Session.TTL)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(cfg.Session)
	if err != nil {
		return nil, err
	}
	sso, err := NewSSO(ctx, cfg, replays, sessions, collector)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		sso:       sso,
		replays:   replays,
		sessions:  sessions,
		collector: collector,
		redis:     client,
		startTime: time.Now(),
	}

	s.public = &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        s.publicHandler(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Handler returns the public HTTP handler, for callers that manage their
// own listener.
func (s *Server) Handler() http.Handler {
	return s.public.Handler
}

// AdminHandler returns the admin HTTP handler.
func (s *Server) AdminHandler() http.Handler {
	return s.adminHandler()
}

// publicHandler builds the SSO route table.
func (s *Server) publicHandler() http.Handler {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	tree.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WithRequestID(requestIDFrom(r.Context())).WriteJSON(w)
	})

	route := func(method, path, name string, h http.HandlerFunc) {
		tree.Handler(method, path, instrument(name, s.collector, h))
	}
	sp := s.cfg.SAML.SP
	route(http.MethodGet, sp.LoginPath, "login", s.sso.HandleLogin)
	route(http.MethodPost, sp.ACSPath, "acs", s.sso.HandleACS)
	route(http.MethodGet, sp.MetadataPath, "metadata", s.sso.HandleMetadata)
	route(http.MethodGet, sp.SLSPath, "sls", s.sso.HandleSLS)
	route(http.MethodPost, sp.SLSPath, "sls", s.sso.HandleSLS)
	route(http.MethodGet, sessionPath, "session", s.sso.HandleSession)

	return withRequestID(tree)
}

// Run serves until ctx is cancelled, then shuts down gracefully. It
// returns the first listener error, or nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("public listener started",
			zap.String("address", s.cfg.Server.Address),
			zap.Bool("tls", s.cfg.Server.TLS.Enabled),
		)
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = s.public.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.public.ListenAndServe()
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public listener: %w", err)
		}
		return nil
	})

	if s.admin != nil {
		g.Go(func() error {
			logging.Info("admin listener started", zap.Int("port", s.cfg.Admin.Port))
			if err := s.admin.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.sso.RefreshLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(s.cfg.Shutdown.Timeout)
	})

	return g.Wait()
}

// Shutdown stops the listeners, admin first so probes stop reporting
// ready before the public side drains. Errors are logged and the first
// one is returned; shutdown always proceeds through every component.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.cfg.Shutdown.DrainDelay > 0 {
		logging.Info("drain delay before shutdown", zap.Duration("delay", s.cfg.Shutdown.DrainDelay))
		time.Sleep(s.cfg.Shutdown.DrainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			logging.Error("admin listener shutdown", zap.Error(err))
			firstErr = err
		}
	}
	if err := s.public.Shutdown(ctx); err != nil {
		logging.Error("public listener shutdown", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logging.Error("redis close", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	logging.Info("server stopped")
	return firstErr
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	if s.cfg.Admin.Metrics.Enabled {
		path := s.cfg.Admin.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.collector.Handler())
	}
	if s.cfg.Admin.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Checks = map[string]string{}
		if err := s.redis.Ping(ctx).Err(); err != nil {
			resp.Status = "degraded"
			resp.Checks["redis"] = "error: " + err.Error()
		} else {
			resp.Checks["redis"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

type readyResponse struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var reasons []string
	if s.cfg.Admin.Readiness.RequireRedis {
		if s.redis == nil {
			reasons = append(reasons, "redis not configured")
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.redis.Ping(ctx).Err(); err != nil {
				reasons = append(reasons, "redis: "+err.Error())
			}
		}
	}

	resp := readyResponse{Status: "ready"}
	w.Header().Set("Content-Type", "application/json")
	if len(reasons) > 0 {
		resp.Status = "not_ready"
		resp.Reasons = reasons
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"sso":    s.collector.Snapshot(),
		"replay": s.replays.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
