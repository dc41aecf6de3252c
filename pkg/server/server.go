// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	connerrors "github.com/anuragsoni/async-http/pkg/errors"
	"github.com/anuragsoni/async-http/pkg/metrics"
	"github.com/anuragsoni/async-http/pkg/ratelimit"
	"github.com/anuragsoni/async-http/pkg/tlstunnel"
	"github.com/anuragsoni/async-http/pkg/transport"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the server configuration.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port string

	// CertFile and KeyFile enable TLS. The tunnel is active only when
	// BOTH are supplied; otherwise handlers receive the raw transport.
	CertFile string
	KeyFile  string

	// MaxConnections caps concurrently served connections. 0 means no cap.
	MaxConnections int

	// RateLimitCapacity and RateLimitRefill configure the per-address
	// accept limiter. A zero capacity disables it.
	RateLimitCapacity int64
	RateLimitRefill   int64

	// ShutdownTimeout is the maximum time to wait for active connections
	// to drain during graceful shutdown. After this timeout, remaining
	// connections are forcefully closed.
	ShutdownTimeout time.Duration

	// TLSEngine optionally overrides the crypto/tls default.
	TLSEngine tlstunnel.Engine

	// Logger for server events.
	Logger *slog.Logger

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics
}

// Session carries per-connection metadata into the handler.
type Session struct {
	// ID is a unique identifier for this connection.
	ID string

	// RemoteAddr is the peer's network address.
	RemoteAddr string

	// Secure reports whether the connection runs through the TLS tunnel.
	Secure bool
}

// Handler serves one connection over its (possibly tunneled) duplex
// stream. The stream is valid only until the handler returns.
type Handler func(ctx context.Context, sess *Session, conn transport.Conn) error

// Server accepts connections and hands each one to the configured
// handler, either raw or as the plaintext side of a TLS tunnel.
type Server struct {
	config  Config
	handler Handler
	tunnel  *tlstunnel.Tunnel
	limiter *ratelimit.AddrLimiter
	connSem chan struct{}
	wg      sync.WaitGroup
	active  atomic.Int64
	addr    atomic.Value // net.Addr, set once listening
}

// New creates a server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:  cfg,
		handler: h,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		s.tunnel = tlstunnel.New(cfg.TLSEngine, cfg.Logger)
	}
	if cfg.RateLimitCapacity > 0 {
		s.limiter = ratelimit.NewAddrLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return s
}

// Secure reports whether the server terminates TLS.
func (s *Server) Secure() bool {
	return s.tunnel != nil
}

// ConnectionCount returns the number of currently served connections.
func (s *Server) ConnectionCount() int64 {
	return s.active.Load()
}

// Addr returns the bound listen address, or nil before Listen has
// started. Useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if a, ok := s.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// Listen starts the server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.addr.Store(listener.Addr())

	s.config.Logger.Info("server started",
		slog.String("address", listener.Addr().String()),
		slog.Bool("tls", s.Secure()))

	// Separate context for active connections so forced closure can be
	// driven independently of the accept loop.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

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
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			if s.connSem != nil {
				select {
				case s.connSem <- struct{}{}:
				case <-ctx.Done():
					conn.Close()
					return
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if s.connSem != nil {
					defer func() { <-s.connSem }()
				}
				if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
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

// handleConn runs one accepted connection to completion: rate limiting,
// optional TLS tunneling, then the handler. A panic anywhere inside is
// confined to this connection.
// errorType buckets a connection error for the error counter.
func errorType(err error) string {
	switch {
	case errors.Is(err, tlstunnel.ErrHandshake):
		return "handshake"
	case errors.Is(err, connerrors.ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) (err error) {
	defer conn.Close()

	sessionID := uuid.New().String()
	remoteAddr := conn.RemoteAddr().String()

	if s.limiter != nil {
		host, _, serr := net.SplitHostPort(remoteAddr)
		if serr != nil {
			host = remoteAddr
		}
		if !s.limiter.Allow(host) {
			if s.config.Metrics != nil {
				s.config.Metrics.RateLimitedAccepts.WithLabelValues("addr").Inc()
			}
			return connerrors.New("accept", "server", sessionID, remoteAddr, connerrors.ErrRateLimited)
		}
	}

	sess := &Session{
		ID:         sessionID,
		RemoteAddr: remoteAddr,
		Secure:     s.Secure(),
	}

	start := time.Now()
	secureLabel := "plain"
	if sess.Secure {
		secureLabel = "tls"
	}

	s.active.Add(1)
	if s.config.Metrics != nil {
		s.config.Metrics.ActiveConnections.WithLabelValues("server", secureLabel).Inc()
	}
	defer func() {
		s.active.Add(-1)
		if s.config.Metrics != nil {
			s.config.Metrics.ActiveConnections.WithLabelValues("server", secureLabel).Dec()
			status := "ok"
			if err != nil {
				status = "error"
				s.config.Metrics.ConnectionErrors.WithLabelValues("server", errorType(err)).Inc()
			}
			s.config.Metrics.ObserveConnection("server", secureLabel, status, start)
		}
	}()

	// Failure boundary: a handler panic is reported for this connection
	// only, never propagated to the listener.
	defer func() {
		if r := recover(); r != nil {
			err = connerrors.New("handle", "server", sessionID, remoteAddr, fmt.Errorf("panic: %v", r))
			s.config.Logger.Error("connection handler panic",
				slog.String("session", sessionID),
				slog.String("remote", remoteAddr),
				slog.String("error", err.Error()))
		}
	}()

	s.config.Logger.Debug("connection established",
		slog.String("session", sessionID),
		slog.String("remote", remoteAddr),
		slog.Bool("tls", sess.Secure))

	raw := transport.NewNetConn(conn)

	if s.tunnel != nil {
		tlsCfg := tlstunnel.ServerConfig{
			CertFile: s.config.CertFile,
			KeyFile:  s.config.KeyFile,
		}
		err = s.tunnel.Server(ctx, raw, tlsCfg, func(ctx context.Context, plain transport.Conn) error {
			return s.handler(ctx, sess, plain)
		})
		if errors.Is(err, tlstunnel.ErrHandshake) && s.config.Metrics != nil {
			s.config.Metrics.HandshakeFailures.WithLabelValues("server").Inc()
		}
	} else {
		err = s.handler(ctx, sess, raw)
	}

	s.config.Logger.Debug("connection closed",
		slog.String("session", sessionID))

	return err
}
