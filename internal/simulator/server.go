package simulator

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lawnchairsociety/qlcbridge/internal/logger"
)

// Path is where QLC+ serves its WebSocket API.
const Path = "/qlcplusWS"

// Server accepts QLC+ API connections and answers them from a Desk.
// The fault controls (silence, drops, noise, overrides) let tests provoke
// the failure modes a real desk shows on a flaky network.
type Server struct {
	Desk *Desk

	username string
	password string
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*websocket.Conn]struct{}
	attempts    int
	accepted    int
	received    []string
	noise       []string
	silent      bool
	dropNext    int
	overrides   map[string]string
	lastAuthHdr string
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials requires HTTP Basic credentials at handshake time.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// New creates a simulator backed by desk.
func New(desk *Desk, opts ...Option) *Server {
	if desk == nil {
		desk = DefaultDesk()
	}
	s := &Server{
		Desk:      desk,
		conns:     make(map[*websocket.Conn]struct{}),
		overrides: make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP performs the handshake and then serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.attempts++
	s.lastAuthHdr = r.Header.Get("Authorization")
	s.mu.Unlock()

	if s.username != "" || s.password != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			logger.Warning("Simulator rejected credentials", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Simulator upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.accepted++
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		frame := string(data)

		s.mu.Lock()
		s.received = append(s.received, frame)
		if s.dropNext > 0 {
			s.dropNext--
			s.mu.Unlock()
			return
		}
		silent := s.silent
		noise := append([]string(nil), s.noise...)
		override, overridden := s.overrides[frame]
		s.mu.Unlock()

		if silent {
			continue
		}

		reply, ok := s.Desk.Handle(frame)
		if overridden {
			reply, ok = override, true
		}
		if !ok {
			continue
		}

		for _, n := range noise {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(n)); err != nil {
				return
			}
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
	}
}

// ListenAndServe serves the simulator on addr until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle(Path, s)

	s.mu.Lock()
	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv := s.httpServer
	s.mu.Unlock()

	logger.Info("QLC+ simulator listening", "address", addr, "path", Path)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the listener (if any) and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	s.CloseConnections()
	return err
}

// CloseConnections drops every open connection without a close frame,
// the way a desk behaves when QLC+ is restarted.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// SetSilent makes the desk swallow frames without replying.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// DropNext closes the connection on receipt of each of the next n frames.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = n
}

// SetNoise sets unrelated frames sent ahead of every reply.
func (s *Server) SetNoise(frames ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noise = frames
}

// SetReply forces the reply to an exact inbound frame.
func (s *Server) SetReply(frame, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[frame] = reply
}

// Attempts returns the number of handshakes seen, rejected ones included.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connections returns the number of accepted WebSocket sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Received returns every frame read so far.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, len(s.received))
	copy(result, s.received)
	return result
}

// LastAuthorization returns the Authorization header of the latest handshake.
func (s *Server) LastAuthorization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuthHdr
}
