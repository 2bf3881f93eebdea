// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pushmesh/connector/directory"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// FrameHandler consumes inbound client frames. Satisfied by
// *connector.Protocol.
type FrameHandler interface {
	OnFrame(conn directory.Conn, raw []byte)
}

// ConnLimiter gates new connections by remote address. Satisfied by
// *ratelimit.Manager.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// FrameLimiter gates inbound frames per client. Satisfied by
// *ratelimit.Manager.
type FrameLimiter interface {
	AllowFrame(clientID string) bool
	OnClientDisconnect(clientID string)
}

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	MaxFrameSize    int
	DisableNoDelay  bool
}

// Server accepts client connections and pumps newline-delimited text frames
// into the frame handler. Connections register themselves in the directory
// through heartbeat frames, not here; the server only guarantees that a
// closed connection is unregistered.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	handler  FrameHandler
	dir      *directory.Directory
	connLim  ConnLimiter
	frameLim FrameLimiter
	listener net.Listener
	connSem  chan struct{}
}

// New creates a new TCP server.
func New(cfg Config, handler FrameHandler, dir *directory.Directory) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		// Heartbeats arrive every few seconds; a silent connection this
		// long is dead.
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 4096
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		handler: handler,
		dir:     dir,
		connSem: connSem,
	}
}

// SetConnLimiter installs a per-IP connection rate limiter.
func (s *Server) SetConnLimiter(l ConnLimiter) {
	s.connLim = l
}

// SetFrameLimiter installs a per-client frame rate limiter.
func (s *Server) SetFrameLimiter(l FrameLimiter) {
	s.frameLim = l
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

// createListener creates and configures the TCP listener.
func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", s.config.Address))
	return listener, nil
}

// runAcceptLoop runs the connection accept loop in a separate goroutine.
func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if s.connLim != nil && !s.connLim.Allow(conn.RemoteAddr()) {
				s.config.Logger.Warn("connection rate limited",
					slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			if !s.tryAcquireConnectionSlot(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := s.configureTCPConn(tcpConn); err != nil {
					s.config.Logger.Error("failed to configure TCP connection",
						slog.String("error", err.Error()))
					s.releaseConnectionSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

// tryAcquireConnectionSlot attempts to acquire a connection slot within the configured limit.
func (s *Server) tryAcquireConnectionSlot(ctx context.Context, conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("connection limit reached, rejecting connection",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

// releaseConnectionSlot releases a connection slot.
func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

// handleConnection pumps frames from a single connection until it closes.
func (s *Server) handleConnection(connCtx context.Context, netConn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()

	if tlsConn, ok := netConn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.config.Logger.Error("TLS handshake failed", slog.String("error", err.Error()))
			netConn.Close()
			return
		}
	}

	s.config.Logger.Debug("connection established",
		slog.String("remote", netConn.RemoteAddr().String()))

	c := &frameConn{Conn: netConn, writeTimeout: s.config.WriteTimeout}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-connCtx.Done():
			netConn.Close()
		case <-done:
		}
	}()

	defer func() {
		if clientID, ok := s.dir.ClientOf(c); ok && s.frameLim != nil {
			s.frameLim.OnClientDisconnect(clientID)
		}
		s.dir.Unregister(c)
		netConn.Close()
		s.config.Logger.Debug("connection closed",
			slog.String("remote", netConn.RemoteAddr().String()))
	}()

	r := bufio.NewReaderSize(netConn, s.config.MaxFrameSize)
	for {
		if s.config.IdleTimeout > 0 {
			_ = netConn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		line, err := r.ReadSlice('\n')
		if len(line) > 0 {
			s.dispatchFrame(c, line)
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				s.config.Logger.Warn("oversized frame, dropping connection",
					slog.String("remote", netConn.RemoteAddr().String()))
			}
			return
		}
	}
}

func (s *Server) dispatchFrame(c *frameConn, raw []byte) {
	if s.frameLim != nil {
		if clientID, ok := s.dir.ClientOf(c); ok && !s.frameLim.AllowFrame(clientID) {
			s.config.Logger.Warn("frame rate limited", slog.String("client_id", clientID))
			return
		}
	}
	s.handler.OnFrame(c, raw)
}

// gracefulShutdown performs graceful shutdown with connection draining.
func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()

		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// configureTCPConn sets TCP socket options for optimal performance and resilience.
func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// frameConn adapts a net.Conn to the directory's channel interface. Writes
// are serialized: the dispatcher, the retry scheduler, and a broadcast may
// all push to the same client concurrently.
type frameConn struct {
	net.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

var _ directory.Conn = (*frameConn)(nil)

// Send writes one newline-terminated frame to the client.
func (c *frameConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := c.Conn.Write(buf)
	return err
}
