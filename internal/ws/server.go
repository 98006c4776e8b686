// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining active sessions on an epoll event
// loop, dispatching incoming frames and pushing outbound events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/auth"
	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/protocol"
	"github.com/whisper/dm-chat/internal/ratelimit"
	"github.com/whisper/dm-chat/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	Node           string        // node name recorded on every session
	AllowedOrigin  string        // browser Origin allowed to connect; empty allows any
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	TrustProxy     bool          // take the client address from X-Forwarded-For
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Node:           "ws-1",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator runs the handshake credential check.
type Authenticator interface {
	Authenticate(r *http.Request) (*chat.User, error)
}

// Presence admits and removes sessions; presence.Tracker satisfies it.
type Presence interface {
	Connect(ctx context.Context, s session.Session) (session.Transition, error)
	Disconnect(ctx context.Context, sessionID string) (session.Transition, error)
}

// Limiter throttles handshakes; a nil *ratelimit.Limiter allows everything.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates and upgrades HTTP connections, registers them with epoll
// for read readiness and dispatches ready connections to a bounded worker
// pool for frame reading.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	gate       Authenticator
	presence   Presence
	limiter    Limiter
	logger     *zap.Logger
	workerPool chan struct{}                        // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	done       chan struct{}
	stopped    int32
	startedAt  time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame received from a client. The presence tracker is
// attached with SetPresence before Start, since it pushes through the server.
func NewServer(config ServerConfig, gate Authenticator, limiter Limiter,
	onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		gate:       gate,
		limiter:    limiter,
		logger:     logger.Named("ws"),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetPresence attaches the tracker that admits and removes sessions. This
// resolves the circular dependency: the tracker pushes presence events
// through the server.
func (s *Server) SetPresence(p Presence) {
	s.presence = p
}

// Start creates the epoll instance and starts the event loop and heartbeat
// in the background. HTTP serving is left to the caller, which mounts
// HandleUpgrade and HandleHealth on its router.
func (s *Server) Start() error {
	if s.presence == nil {
		return errors.New("ws: no presence tracker attached")
	}
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server started",
		zap.String("node", s.config.Node),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	return nil
}

// HandleUpgrade authenticates the request and upgrades it to a WebSocket
// session. Rejected requests get a plain HTTP error and never reach the
// registry.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.stopped) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && s.config.AllowedOrigin != "" &&
		!strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(s.config.AllowedOrigin, "/")) {
		metrics.HandshakesTotal.WithLabelValues("forbidden_origin").Inc()
		s.logger.Warn("handshake rejected: origin", zap.String("origin", origin))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ip := ClientIP(r, s.config.TrustProxy)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			metrics.HandshakesTotal.WithLabelValues("rate_limited").Inc()
			s.logger.Warn("handshake rejected: rate limited", zap.String("ip", ip))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	user, err := s.gate.Authenticate(r)
	if err != nil {
		reason := auth.Reason(err)
		metrics.HandshakesTotal.WithLabelValues(reason).Inc()
		s.logger.Warn("handshake rejected",
			zap.String("reason", reason),
			zap.String("ip", ip),
			zap.Error(err))
		status := http.StatusUnauthorized
		if reason == "error" {
			status = http.StatusInternalServerError
		}
		http.Error(w, auth.Message(err), status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("upgrade failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		WriteTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	// The connection is registered before it is admitted so that it receives
	// the presence broadcasts its own admission triggers.
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if data, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    c.UserID,
	}); err == nil {
		if err := s.write(c, data); err != nil {
			s.logger.Debug("send session:created failed", zap.String("session_id", c.ID), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.presence.Connect(ctx, session.Session{
		ID:          c.ID,
		UserID:      c.UserID,
		Node:        s.config.Node,
		ConnectedAt: now,
	}); err != nil {
		metrics.HandshakesTotal.WithLabelValues("error").Inc()
		s.logger.Error("admit failed", zap.String("session_id", c.ID), zap.Error(err))
		if s.conns.Remove(c.ID) {
			metrics.ConnectionsTotal.Dec()
		}
		return
	}

	// The heartbeat or shutdown may have removed the connection while it was
	// being admitted. Their Disconnect ran before the admit, so undo it here.
	if s.conns.Get(c.ID) == nil {
		if _, err := s.presence.Disconnect(ctx, c.ID); err != nil {
			s.logger.Error("registry removal failed", zap.String("session_id", c.ID), zap.Error(err))
		}
		metrics.HandshakesTotal.WithLabelValues("closed").Inc()
		return
	}

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error("epoll add failed", zap.String("session_id", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	metrics.HandshakesTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("connection accepted",
		zap.String("session_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("fd", c.Fd),
		zap.Int("total", s.conns.Count()))
}

// HandleHealth reports status, connection count and uptime as JSON.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("epoll wait error", zap.Error(err))
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. A failed read removes the
// connection through the full removal path.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Rearm(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			_ = c.WritePong()
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if header.Masked {
		ws.Cipher(data, header.Mask, 0)
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection runs the full removal path exactly once per connection:
// epoll and manager cleanup, then registry removal with its presence
// broadcasts and lastSeen persistence. It is safe to call concurrently from
// the read path, the heartbeat and shutdown.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.presence.Disconnect(ctx, c.ID); err != nil {
		s.logger.Error("registry removal failed", zap.String("session_id", c.ID), zap.Error(err))
	}

	s.logger.Info("connection closed",
		zap.String("session_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// Broadcast writes data to every local session.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.conns.All() {
		if err := s.write(c, data); err != nil {
			s.logger.Debug("broadcast write failed", zap.String("session_id", c.ID), zap.Error(err))
		}
	}
}

// SendTo writes data to the named local sessions and returns how many
// writes succeeded. Unknown ids are skipped.
func (s *Server) SendTo(sessionIDs []string, data []byte) int {
	n := 0
	for _, id := range sessionIDs {
		c := s.conns.Get(id)
		if c == nil {
			continue
		}
		if err := s.write(c, data); err != nil {
			s.logger.Debug("push write failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Has reports whether the session is held by this server.
func (s *Server) Has(sessionID string) bool {
	return s.conns.Get(sessionID) != nil
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and runs the full removal path for every
// live connection, so each one produces its offline broadcast and lastSeen
// write before the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}
	s.logger.Info("shutting down", zap.Int("connections", s.conns.Count()))

	close(s.done)

	for _, c := range s.conns.All() {
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached", zap.Int("remaining", s.conns.Count()))
			return ctx.Err()
		default:
		}
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("server stopped, all connections closed")
	return nil
}

// ClientIP returns the remote address of r. With trustProxy set, the first
// X-Forwarded-For hop is used instead when present; only enable it behind a
// proxy that overwrites the header.
func ClientIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
