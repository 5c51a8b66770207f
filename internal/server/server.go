// Package server is the development HTTP server: build completion streams for
// the live-reload client, static files and a reverse proxy to the backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lumidev/lumidev/internal/notifier"
	lumierrors "github.com/lumidev/lumidev/pkg/errors"
	"github.com/lumidev/lumidev/pkg/logger"
	"github.com/lumidev/lumidev/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	shutdownTimeout     = 5 * time.Second
)

// Config holds the HTTP settings
type Config struct {
	Host              string
	Port              int
	StaticDir         string
	MountPoint        string
	ProxyPrefixes     []string
	ProxyTarget       string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// BuildHistory lists recent pipeline runs, newest first
type BuildHistory interface {
	Recent(limit int) ([]*models.BuildRecord, error)
}

// BuildsResponse is the body of GET /__lumidev/builds
type BuildsResponse struct {
	Stamp       int64                 `json:"stamp"`
	Subscribers int                   `json:"subscribers"`
	Status      any                   `json:"status,omitempty"`
	Builds      []*models.BuildRecord `json:"builds"`
}

// Server serves the dev endpoints
type Server struct {
	config    Config
	logger    *zap.Logger
	notifier  *notifier.Notifier
	history   BuildHistory
	status    func() any
	heartbeat time.Duration
	handler   http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// Option configures a Server
type Option func(*Server)

// WithBuildHistory exposes h on /__lumidev/builds
func WithBuildHistory(h BuildHistory) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithStatus adds the value returned by fn to /__lumidev/builds
func WithStatus(fn func() any) Option {
	return func(s *Server) {
		s.status = fn
	}
}

// New builds the route table
func New(cfg Config, n *notifier.Notifier, opts ...Option) (*Server, error) {
	if n == nil {
		return nil, errors.New("notifier is required")
	}

	s := &Server{
		config:    cfg,
		logger:    logger.OrNamed(cfg.Logger, "http"),
		notifier:  n,
		heartbeat: cfg.HeartbeatInterval,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeatInterval
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /esbuild", s.handleEventStream)
	mux.HandleFunc("GET /esbuild/ws", s.handleWebSocket)
	mux.HandleFunc("GET /__lumidev/builds", s.handleBuilds)

	seen := map[string]bool{"/esbuild": true, "/esbuild/ws": true, "/__lumidev/builds": true}
	register := func(pattern string, h http.Handler) error {
		if seen[pattern] {
			return lumierrors.NewConfigError(fmt.Sprintf("route %s is configured twice", pattern), nil)
		}
		seen[pattern] = true
		mux.Handle(pattern, h)
		return nil
	}

	if cfg.StaticDir != "" {
		mount := normalizeMount(cfg.MountPoint)
		files := http.StripPrefix(strings.TrimSuffix(mount, "/"), http.FileServer(http.Dir(cfg.StaticDir)))
		if err := register(mount, files); err != nil {
			return nil, err
		}
		if mount != "/" {
			mux.Handle("GET /{$}", http.RedirectHandler(mount, http.StatusFound))
		}
	}

	if cfg.ProxyTarget != "" && len(cfg.ProxyPrefixes) > 0 {
		proxy, err := newProxy(cfg.ProxyTarget, s.logger)
		if err != nil {
			return nil, lumierrors.NewConfigError("invalid proxy configuration", err)
		}
		for _, prefix := range cfg.ProxyPrefixes {
			prefix = "/" + strings.Trim(prefix, "/")
			if err := register(prefix, proxy); err != nil {
				return nil, err
			}
			if err := register(prefix+"/", proxy); err != nil {
				return nil, err
			}
		}
	}

	s.handler = requestLogger(s.logger, mux)
	return s, nil
}

func normalizeMount(mount string) string {
	mount = strings.Trim(mount, "/")
	if mount == "" {
		return "/"
	}
	return "/" + mount + "/"
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds the configured address. A port of 0 picks a free one.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return lumierrors.NewNetworkError(fmt.Sprintf("failed to listen on %s", addr), err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, empty before Listen
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL is the address users open in the browser
func (s *Server) URL() string {
	_, port, _ := net.SplitHostPort(s.Addr())
	mount := "/"
	if s.config.StaticDir != "" {
		mount = normalizeMount(s.config.MountPoint)
	}
	return "http://localhost:" + port + mount
}

// Serve handles requests on the bound listener until ctx is cancelled. Open
// streams end with ctx.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("listening", zap.String("url", s.URL()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
		_ = srv.Close()
	}
	return nil
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp := BuildsResponse{
		Stamp:       s.notifier.Stamp(),
		Subscribers: s.notifier.Len(),
		Builds:      []*models.BuildRecord{},
	}
	if s.status != nil {
		resp.Status = s.status()
	}
	if s.history != nil {
		builds, err := s.history.Recent(limit)
		if err != nil {
			s.logger.Error("failed to read build history", zap.Error(err))
			http.Error(w, "build history unavailable", http.StatusInternalServerError)
			return
		}
		if builds != nil {
			resp.Builds = builds
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", cacheControlNoStore)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write builds response", zap.Error(err))
	}
}
