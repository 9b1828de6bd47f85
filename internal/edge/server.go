package edge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	sloggin "github.com/samber/slog-gin"

	"github.com/Meadarsh/LocalLink/internal/protocol"
)

// shutdownGrace is how long outstanding requests get to finish after a
// termination signal.
const shutdownGrace = 10 * time.Second

var tunnelUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the edge server: it accepts public HTTP traffic, owns the tunnel
// endpoint, and multiplexes requests onto the registered control channel.
type Server struct {
	cfg     *Config
	manager *Manager
	metrics *Metrics
	engine  *gin.Engine
}

// NewServer creates a configured edge server.
func NewServer(cfg *Config) *Server {
	s := &Server{
		cfg:     cfg,
		manager: NewManager(),
		metrics: NewMetrics(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(sloggin.New(slog.Default()), gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	engine.GET(cfg.Tunnel.Path, s.handleConnect)
	engine.NoRoute(s.handleForward)

	s.engine = engine
	return s
}

// Handler exposes the HTTP surface, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Manager exposes the registration slot, mainly for tests.
func (s *Server) Manager() *Manager {
	return s.manager
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen.Addr,
		Handler: s.engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("edge server starting", "addr", s.cfg.Listen.Addr, "tunnel_path", s.cfg.Tunnel.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth reports liveness plus the registration status.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"tunnel": s.manager.Status(),
	})
}

// handleConnect upgrades a client connection and installs its registration.
// The first frame must be a register carrying the declared upstream port;
// registration replaces any previous tunnel and fails its in-flight requests.
func (s *Server) handleConnect(c *gin.Context) {
	ws, err := tunnelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "remote", c.Request.RemoteAddr)
		return
	}
	conn := protocol.NewConn(ws)

	first, err := conn.Receive()
	if err != nil {
		slog.Warn("tunnel handshake failed", "error", err, "remote", c.Request.RemoteAddr)
		_ = conn.Close()
		return
	}
	if first.Type != protocol.TypeRegister {
		slog.Warn("tunnel handshake rejected", "type", first.Type, "remote", c.Request.RemoteAddr)
		_ = conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: "expected register frame"})
		_ = conn.Close()
		return
	}

	tunnel := NewTunnel(conn, first.Port)
	s.manager.Register(tunnel)
	s.metrics.SetTunnelConnected(true)

	if err := conn.Send(&protocol.Frame{Type: protocol.TypeRegistered, Port: first.Port}); err != nil {
		slog.Warn("failed to acknowledge registration", "error", err)
		s.manager.Unregister(tunnel)
		s.metrics.SetTunnelConnected(false)
		return
	}
	slog.Info("tunnel client connected", "port", first.Port, "remote", c.Request.RemoteAddr)

	defer func() {
		s.manager.Unregister(tunnel)
		s.metrics.SetTunnelConnected(s.manager.Active() != nil)
		slog.Info("tunnel client disconnected", "port", first.Port)
	}()

	tunnel.Run()
}
