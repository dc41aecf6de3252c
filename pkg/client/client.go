// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the initiating side of the driver layer:
// dial a target, optionally splice the TLS tunnel in the client role,
// and hand the resulting duplex stream to a handler.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/anuragsoni/async-http/pkg/breaker"
	connerrors "github.com/anuragsoni/async-http/pkg/errors"
	"github.com/anuragsoni/async-http/pkg/metrics"
	"github.com/anuragsoni/async-http/pkg/tlstunnel"
	"github.com/anuragsoni/async-http/pkg/transport"
)

// Mode selects the transport security of an outbound connection.
type Mode int

const (
	// Plain connects without TLS.
	Plain Mode = iota

	// Secure splices the TLS tunnel between the raw connection and the
	// handler's stream.
	Secure
)

// Config holds the outbound connection configuration.
type Config struct {
	// Target is the host:port to connect to.
	Target string

	// Mode selects Plain or Secure.
	Mode Mode

	// TLS configures the tunnel's client role when Mode is Secure.
	TLS tlstunnel.ClientConfig

	// DialTimeout bounds connection establishment. Defaults to 10s.
	DialTimeout time.Duration

	// TLSEngine optionally overrides the crypto/tls default.
	TLSEngine tlstunnel.Engine

	// Breaker optionally guards the dial path; repeated failures to one
	// target fail fast with breaker.ErrCircuitOpen.
	Breaker *breaker.CircuitBreaker

	// Logger for connection events.
	Logger *slog.Logger

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics
}

// Session carries per-connection metadata into the handler.
type Session struct {
	ID         string
	RemoteAddr string
	Secure     bool
}

// Handler runs over the established (possibly tunneled) duplex stream.
type Handler func(ctx context.Context, sess *Session, conn transport.Conn) error

// Connect dials the target, runs the handler over the resulting stream
// and returns the handler's result. All failures — dial, handshake,
// handler error or panic — surface here; nothing is silently dropped.
func Connect(ctx context.Context, cfg Config, h Handler) (err error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	conn, err := dial(ctx, cfg)
	if err != nil {
		return connerrors.Wrap(fmt.Errorf("%w: %w", connerrors.ErrTargetUnavailable, err), "dial "+cfg.Target)
	}
	defer conn.Close()

	sess := &Session{
		ID:         uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Secure:     cfg.Mode == Secure,
	}

	start := time.Now()
	secureLabel := "plain"
	if sess.Secure {
		secureLabel = "tls"
	}
	if cfg.Metrics != nil {
		cfg.Metrics.ActiveConnections.WithLabelValues("client", secureLabel).Inc()
		defer func() {
			cfg.Metrics.ActiveConnections.WithLabelValues("client", secureLabel).Dec()
			status := "ok"
			if err != nil {
				status = "error"
				errType := "other"
				if errors.Is(err, tlstunnel.ErrHandshake) {
					errType = "handshake"
				}
				cfg.Metrics.ConnectionErrors.WithLabelValues("client", errType).Inc()
			}
			cfg.Metrics.ObserveConnection("client", secureLabel, status, start)
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			err = connerrors.New("handle", "client", sess.ID, sess.RemoteAddr, fmt.Errorf("panic: %v", r))
			cfg.Logger.Error("connection handler panic",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
		}
	}()

	cfg.Logger.Debug("connection established",
		slog.String("session", sess.ID),
		slog.String("target", cfg.Target),
		slog.Bool("tls", sess.Secure))

	raw := transport.NewNetConn(conn)

	if sess.Secure {
		tun := tlstunnel.New(cfg.TLSEngine, cfg.Logger)
		err = tun.Client(ctx, raw, cfg.TLS, func(ctx context.Context, plain transport.Conn) error {
			return h(ctx, sess, plain)
		})
		if errors.Is(err, tlstunnel.ErrHandshake) && cfg.Metrics != nil {
			cfg.Metrics.HandshakeFailures.WithLabelValues("client").Inc()
		}
		return err
	}

	return h(ctx, sess, raw)
}

// dial establishes the raw TCP connection, through the breaker when one
// is configured.
func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}

	if cfg.Breaker == nil {
		return d.DialContext(ctx, "tcp", cfg.Target)
	}

	var conn net.Conn
	err := cfg.Breaker.Call(func() error {
		var derr error
		conn, derr = d.DialContext(ctx, "tcp", cfg.Target)
		return derr
	})
	return conn, err
}
