// Package server exposes the command dispatcher and poll state over HTTP and WebSocket.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lawnchairsociety/qlcbridge/internal/cmdfilter"
	"github.com/lawnchairsociety/qlcbridge/internal/config"
	"github.com/lawnchairsociety/qlcbridge/internal/dispatch"
	"github.com/lawnchairsociety/qlcbridge/internal/logger"
	"github.com/lawnchairsociety/qlcbridge/internal/poller"
)

// RequestIDHeader carries the per-request id in both directions.
const RequestIDHeader = "X-Request-ID"

type Server struct {
	cfg          config.APIConfig
	registry     *dispatch.Registry
	pollers      []*poller.Poller
	httpServer   *http.Server
	connLimiter  *ConnLimiter
	authLimiter  *AuthRateLimiter
	auth         *tokenAuth
	proxies      proxyList
	filter       *cmdfilter.Filter
	clients      map[Client]struct{}
	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	StartTime    time.Time
}

// NewServer builds the API server. Pollers are reported in the given order.
func NewServer(cfg config.APIConfig, registry *dispatch.Registry, pollers ...*poller.Poller) (*Server, error) {
	auth, err := newTokenAuth(cfg.TokenHash)
	if err != nil {
		return nil, err
	}
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		pollers:     pollers,
		connLimiter: NewConnLimiter(cfg.Connections),
		authLimiter: NewAuthRateLimiter(cfg.RateLimit),
		auth:        auth,
		proxies:     proxies,
		filter:      cmdfilter.New(&cfg.CommandFilter),
		clients:     make(map[Client]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		StartTime:   time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/health", http.HandlerFunc(s.handleHealth))
	mux.Handle("POST /api/command", s.requireToken(http.HandlerFunc(s.handleCommand)))
	mux.Handle("GET /api/widgets/{instance}", s.requireToken(http.HandlerFunc(s.handleWidgets)))
	mux.Handle("GET /ws", s.requireToken(http.HandlerFunc(s.handleWebSocketUpgrade)))

	return withRequestID(s.connLimiter.Middleware(s.proxies.clientIP, mux))
}

// ListenAndServe serves the API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	logger.Info("API server listening",
		"address", s.cfg.Listen,
		"auth", s.auth != nil,
		"command_filter", s.filter.IsEnabled(),
		"trusted_proxies", len(s.proxies))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes WebSocket clients and waits
// for in-flight HTTP requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.cancel()
		err = s.httpServer.Shutdown(ctx)

		s.mu.Lock()
		for client := range s.clients {
			client.Close()
		}
		s.clients = make(map[Client]struct{})
		s.mu.Unlock()

		s.authLimiter.Stop()
		logger.Info("API server shutdown complete")
	})
	return err
}

// handleWebSocketUpgrade upgrades the request and serves it until the client leaves.
// The connection slot taken by the limiter middleware is held for the whole session.
func (s *Server) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			allowed := s.cfg.IsOriginAllowed(origin, r.Host)
			if !allowed {
				logger.Warning("WebSocket connection rejected - origin not allowed",
					"origin", origin,
					"host", r.Host,
					"remote_addr", r.RemoteAddr)
			}
			return allowed
		},
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warning("WebSocket upgrade failed", "error", err)
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		wsConn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	client := NewWebSocketClient(wsConn)
	if !s.track(client) {
		client.Close()
		return
	}
	defer func() {
		s.untrack(client)
		client.Close()
	}()

	s.handleClient(client, s.proxies.clientIP(r))
}

func (s *Server) track(c Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) untrack(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

type requestIDKey struct{}

// withRequestID assigns every request an id, reusing a well-formed inbound one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		logger.Debug("API request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
