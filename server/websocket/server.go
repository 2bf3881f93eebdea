// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pushmesh/connector/directory"
	"github.com/pushmesh/connector/server/tcp"
)

// Config holds the WebSocket server configuration.
type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// Server accepts WebSocket clients and pumps their text messages into the
// frame handler. Each message is one protocol frame; the newline framing of
// the TCP transport is unnecessary here.
type Server struct {
	config   Config
	handler  tcp.FrameHandler
	dir      *directory.Directory
	connLim  tcp.ConnLimiter
	frameLim tcp.FrameLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a new WebSocket server.
func New(cfg Config, handler tcp.FrameHandler, dir *directory.Directory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/push"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 300 * time.Second
	}

	s := &Server{
		config:  cfg,
		handler: handler,
		dir:     dir,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// SetConnLimiter installs a per-IP connection rate limiter.
func (s *Server) SetConnLimiter(l tcp.ConnLimiter) {
	s.connLim = l
}

// SetFrameLimiter installs a per-client frame rate limiter.
func (s *Server) SetFrameLimiter(l tcp.FrameLimiter) {
	s.frameLim = l
}

// Listen starts the WebSocket server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket server started",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket server stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connLim != nil {
		addr := &wsAddr{addr: r.RemoteAddr}
		if !s.connLim.Allow(addr) {
			s.logger.Warn("connection rate limited", slog.String("remote", r.RemoteAddr))
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket connection accepted", slog.String("remote", r.RemoteAddr))

	conn := &wsConn{
		ws:           ws,
		remoteAddr:   r.RemoteAddr,
		writeTimeout: s.config.WriteTimeout,
	}
	go s.readLoop(conn)
}

// readLoop pumps messages from one WebSocket client until it closes.
func (s *Server) readLoop(conn *wsConn) {
	defer func() {
		if clientID, ok := s.dir.ClientOf(conn); ok && s.frameLim != nil {
			s.frameLim.OnClientDisconnect(clientID)
		}
		s.dir.Unregister(conn)
		conn.Close()
		s.logger.Debug("websocket connection closed", slog.String("remote", conn.remoteAddr))
	}()

	for {
		if s.config.IdleTimeout > 0 {
			_ = conn.ws.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Warn("non-text websocket message ignored",
				slog.String("remote", conn.remoteAddr))
			continue
		}

		if s.frameLim != nil {
			if clientID, ok := s.dir.ClientOf(conn); ok && !s.frameLim.AllowFrame(clientID) {
				s.logger.Warn("frame rate limited", slog.String("client_id", clientID))
				continue
			}
		}

		s.handler.OnFrame(conn, data)
	}
}

// wsConn adapts a WebSocket connection to the directory's channel
// interface. gorilla/websocket permits one concurrent writer, so writes are
// serialized here.
type wsConn struct {
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

var _ directory.Conn = (*wsConn)(nil)

// Send writes one text frame to the client.
func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return &wsAddr{addr: c.remoteAddr}
}

// wsAddr implements net.Addr for WebSocket connections.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
