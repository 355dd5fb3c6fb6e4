package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/orchestrator"
)

const (
	defaultRequestsPerMinute = 60
	defaultMaxConcurrent     = 4
	defaultWriteTimeout      = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	limiterIdleTTL           = 10 * time.Minute
	maxBodyBytes             = 1 << 20
)

// ChatService is the engine the gateway exposes.
type ChatService interface {
	Chat(ctx context.Context, sessionID, message string, opts *orchestrator.ChatOptions) (*orchestrator.Response, error)
	ChatStream(ctx context.Context, sessionID, message string, opts *orchestrator.ChatOptions) *agent.Stream
	ClearSession(ctx context.Context, sessionID string) error
	Abort(sessionID string) int
}

// Config holds server configuration
type Config struct {
	Addr         string
	SharedSecret string
	Chat         ChatService

	RequestsPerMinute int
	MaxConcurrent     int
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration

	Logger zerolog.Logger
}

// Server is the HTTP and WebSocket front of the chat engine.
type Server struct {
	addr            string
	chat            ChatService
	auth            *AuthHandler
	limiters        *RateLimiters
	clients         *streamRegistry
	upgrader        websocket.Upgrader
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	server          *http.Server
	listener        net.Listener
	logger          zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	pruneCancel    context.CancelFunc
	pruneWG        sync.WaitGroup
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	observability.EnsureRegistered()

	return &Server{
		addr:            cfg.Addr,
		chat:            cfg.Chat,
		auth:            NewAuthHandler(cfg.SharedSecret),
		limiters:        NewRateLimiters(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		clients:         newStreamRegistry(),
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // requests are authenticated by secret, not origin
			},
		},
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.Handle("POST /v1/chat", s.protect("POST /v1/chat", s.handleChat))
	mux.Handle("GET /v1/chat/stream", s.protect("GET /v1/chat/stream", s.handleChatStream))
	mux.Handle("DELETE /v1/sessions/{id}", s.protect("DELETE /v1/sessions", s.handleDeleteSession))
	mux.Handle("POST /v1/sessions/{id}/abort", s.protect("POST /v1/sessions/abort", s.handleAbort))
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	s.startLimiterPrune()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopLimiterPrune()

	// Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	for _, client := range s.clients.all() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) startLimiterPrune() {
	ctx, cancel := context.WithCancel(context.Background())
	s.pruneCancel = cancel
	s.pruneWG.Add(1)

	go func() {
		defer s.pruneWG.Done()

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.limiters.Prune(now.Add(-limiterIdleTTL)); n > 0 {
					s.logger.Debug().Int("pruned", n).Msg("Dropped idle rate limiters")
				}
			}
		}
	}()
}

func (s *Server) stopLimiterPrune() {
	if s.pruneCancel != nil {
		s.pruneCancel()
		s.pruneCancel = nil
	}
	s.pruneWG.Wait()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// protect applies shutdown, auth and rate limiting to a route and records
// its metrics.
func (s *Server) protect(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			observability.RecordGatewayRequest(route, rec.status, time.Since(start))
		}()

		if s.shuttingDown() {
			writeError(rec, http.StatusServiceUnavailable, KindUnavailable, errors.New("server is shutting down"))
			return
		}
		if !s.auth.Authenticate(r) {
			writeError(rec, http.StatusUnauthorized, KindUnauthorized, errors.New("invalid or missing shared secret"))
			return
		}

		limiter := s.limiters.For(clientKey(r))
		if ok, reason := limiter.Acquire(); !ok {
			observability.RecordRateLimited()
			s.logger.Warn().Str("client", clientKey(r)).Str("route", route).Str("reason", reason).Msg("Request rejected")
			rec.Header().Set("Retry-After", "1")
			writeError(rec, http.StatusTooManyRequests, KindRateLimited, errors.New(reason))
			return
		}
		defer limiter.Release()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()
		next(rec, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response code; it passes Hijack through so
// WebSocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// GetConnectedClients returns information about all open streams
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.snapshot()
}
