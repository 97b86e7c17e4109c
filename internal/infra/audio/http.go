package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"voice-bridge/internal/domain"
)

const maxStatusWait = 30 * time.Second

// SessionController is the part of the session the control surface drives.
type SessionController interface {
	Start(ctx context.Context) error
	Stop() error
	Reconnect(ctx context.Context) error
	Status() domain.Status
	Changed() <-chan struct{}
}

// ControlServer exposes start/stop/reconnect and the status snapshot over
// HTTP. It stands in for the on-screen toggle of a browser widget.
type ControlServer struct {
	addr        string
	server      *http.Server
	session     SessionController
	logger      *slog.Logger
	mu          sync.Mutex
	running     bool
	mux         *http.ServeMux
	rateLimiter *RateLimiter
	authToken   string
	base        context.Context
}

type ControlOption func(*ControlServer)

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) ControlOption {
	return func(s *ControlServer) {
		s.mux.Handle("GET /metrics", h)
	}
}

func WithRateLimit(rate int, window time.Duration) ControlOption {
	return func(s *ControlServer) {
		s.rateLimiter = NewRateLimiter(rate, window)
	}
}

func NewControlServer(addr, authToken string, session SessionController, logger *slog.Logger, opts ...ControlOption) *ControlServer {
	s := &ControlServer{
		addr:        addr,
		session:     session,
		logger:      logger,
		mux:         http.NewServeMux(),
		rateLimiter: NewRateLimiter(30, time.Minute), // 30 requests per minute per IP
		authToken:   authToken,
		base:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /session/start", s.guard(s.handleStart))
	s.mux.HandleFunc("POST /session/stop", s.guard(s.handleStop))
	s.mux.HandleFunc("POST /session/reconnect", s.guard(s.handleReconnect))
	s.mux.HandleFunc("GET /session/status", s.handleStatus)
	// No rate limiting on health check
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *ControlServer) Name() string {
	return "http"
}

// Run serves until ctx is cancelled, then shuts down gracefully. Sessions
// started over HTTP live as long as ctx, not as long as the request.
func (s *ControlServer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.base = ctx
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: maxStatusWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server := s.server
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP control server starting", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	go s.pruneLoop(ctx)

	select {
	case err, ok := <-errCh:
		s.markStopped()
		if ok {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	return s.shutdown()
}

func (s *ControlServer) pruneLoop(ctx context.Context) {
	if s.rateLimiter.window <= 0 {
		return
	}
	ticker := time.NewTicker(s.rateLimiter.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.rateLimiter.Prune(now); n > 0 {
				s.logger.Debug("pruned rate limit buckets", "count", n)
			}
		}
	}
}

func (s *ControlServer) shutdown() error {
	defer s.markStopped()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("closing server: %w", err)
		}
	}
	return nil
}

func (s *ControlServer) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *ControlServer) Handler() http.Handler {
	return s.mux
}

// guard applies the auth token check and the per-client rate limit.
func (s *ControlServer) guard(next http.HandlerFunc) http.HandlerFunc {
	return s.rateLimiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			// Check header first
			token := r.Header.Get("X-Auth-Token")
			// If not in header, check query parameter
			if token == "" {
				token = r.URL.Query().Get("token")
			}

			if token != s.authToken {
				s.logger.Warn("unauthorized control request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	})
}

func (s *ControlServer) lifetime() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *ControlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.session.Start(s.lifetime())
	s.respond(w, err)
}

func (s *ControlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.session.Stop()
	s.respond(w, err)
}

func (s *ControlServer) handleReconnect(w http.ResponseWriter, r *http.Request) {
	err := s.session.Reconnect(s.lifetime())
	s.respond(w, err)
}

// handleStatus returns the snapshot. With ?wait=<duration> it long-polls
// until the next change or the timeout.
func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			http.Error(w, "invalid wait duration", http.StatusBadRequest)
			return
		}
		wait = min(wait, maxStatusWait)

		changed := s.session.Changed()
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-changed:
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}

	writeStatus(w, http.StatusOK, s.session.Status())
}

func (s *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	state := s.session.Status().State

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","running":%t,"session":"%s"}`, running, state)
}

func (s *ControlServer) respond(w http.ResponseWriter, err error) {
	status := s.session.Status()
	if err != nil {
		s.logger.Warn("control action failed", "error", err)
		writeStatus(w, http.StatusBadGateway, status)
		return
	}
	writeStatus(w, http.StatusOK, status)
}

type statusResponse struct {
	domain.Status
	Error string `json:"error,omitempty"`
}

func writeStatus(w http.ResponseWriter, code int, st domain.Status) {
	resp := statusResponse{Status: st}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
