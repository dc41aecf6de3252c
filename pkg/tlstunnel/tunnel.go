// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlstunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/anuragsoni/async-http/pkg/transport"
)

// ErrHandshake wraps TLS handshake failures so callers can tell them
// apart from handler errors.
var ErrHandshake = errors.New("tls handshake failed")

// Handler receives the synthesized plaintext duplex stream once the
// handshake has completed.
type Handler func(ctx context.Context, conn transport.Conn) error

// Tunnel splices a TLS engine between a raw transport and a plaintext
// duplex stream. The caller keeps ownership of the raw transport and
// must close it after Server/Client returns.
type Tunnel struct {
	engine   Engine
	logger   *slog.Logger
	pipeSize int
}

// New creates a tunnel. A nil engine selects the crypto/tls default.
func New(engine Engine, logger *slog.Logger) *Tunnel {
	if engine == nil {
		engine = Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tunnel{engine: engine, logger: logger}
}

// Server runs the tunnel in the accepting role: handshake first, then
// the handler with the plaintext stream.
func (t *Tunnel) Server(ctx context.Context, raw transport.Conn, cfg ServerConfig, h Handler) error {
	return t.run(ctx, raw, h, func(netIn, netOut, appIn, appOut *Pipe) (Session, error) {
		return t.engine.Server(ctx, cfg, netIn, netOut, appIn, appOut)
	})
}

// Client runs the tunnel in the initiating role.
func (t *Tunnel) Client(ctx context.Context, raw transport.Conn, cfg ClientConfig, h Handler) error {
	return t.run(ctx, raw, h, func(netIn, netOut, appIn, appOut *Pipe) (Session, error) {
		return t.engine.Client(ctx, cfg, netIn, netOut, appIn, appOut)
	})
}

func (t *Tunnel) run(ctx context.Context, raw transport.Conn, h Handler, handshake func(netIn, netOut, appIn, appOut *Pipe) (Session, error)) error {
	netIn := NewPipe(t.pipeSize)
	netOut := NewPipe(t.pipeSize)
	appIn := NewPipe(t.pipeSize)
	appOut := NewPipe(t.pipeSize)

	// Continuous pumps binding the network-facing pipes to the raw
	// transport. They exit when the raw transport or their pipe closes.
	go pumpIn(raw, netIn)
	go pumpOut(netOut, raw)

	sess, err := handshake(netIn, netOut, appIn, appOut)
	if err != nil {
		// No partial plaintext stream is ever exposed: close the pipes,
		// report the failure, and let the caller finish the connection.
		t.logger.Warn("tls handshake failed", slog.String("error", err.Error()))
		netIn.Close()
		netOut.Close()
		appIn.Close()
		appOut.Close()
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	plain := newPlainConn(appIn, appOut, raw.RemoteAddr())

	// Teardown runs exactly once on every exit path, including a handler
	// panic: close the plaintext writer, wait for its buffered output to
	// drain into the engine, let the engine close (it owns final pipe
	// teardown), log a failed close, then close the plaintext reader.
	defer func() {
		plain.CloseWrite()
		appOut.WaitDrained()
		sess.Close()
		if cerr := <-sess.Done(); cerr != nil {
			t.logger.Warn("tls session close failed", slog.String("error", cerr.Error()))
		}
		appIn.Close()
	}()

	return h(ctx, plain)
}

// pumpIn moves raw transport bytes into the network-inbound pipe.
func pumpIn(raw transport.Conn, netIn *Pipe) {
	buf := make([]byte, defaultPipeSize)
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			if _, werr := netIn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			netIn.CloseWrite()
			return
		}
	}
}

// pumpOut moves network-outbound bytes onto the raw transport. Once the
// pipe reports end-of-stream the raw write side is half-closed so the
// peer observes the TLS close alert followed by EOF.
func pumpOut(netOut *Pipe, raw transport.Conn) {
	buf := make([]byte, defaultPipeSize)
	for {
		n, err := netOut.Read(buf)
		if n > 0 {
			bufs := net.Buffers{buf[:n]}
			if werr := raw.Writev(&bufs); werr != nil {
				netOut.Close()
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				raw.CloseWrite()
			}
			return
		}
	}
}

// plainConn is the synthesized plaintext duplex stream over the
// application-facing pipes. Pipe writes copy into the pipe's buffer, so
// a returned Writev is the flush confirmation the driver contract needs:
// the engine's buffers are free for reuse immediately.
type plainConn struct {
	in          *Pipe
	out         *Pipe
	remote      net.Addr
	writeClosed atomic.Bool
}

var _ transport.Conn = (*plainConn)(nil)

func newPlainConn(in, out *Pipe, remote net.Addr) *plainConn {
	return &plainConn{in: in, out: out, remote: remote}
}

func (c *plainConn) Read(p []byte) (int, error) {
	n, err := c.in.Read(p)
	if err == ErrPipeClosed {
		err = io.EOF
	}
	return n, err
}

func (c *plainConn) Writev(bufs *net.Buffers) error {
	if c.writeClosed.Load() {
		return transport.ErrWriteClosed
	}
	for _, b := range *bufs {
		if _, err := c.out.Write(b); err != nil {
			c.writeClosed.Store(true)
			return err
		}
	}
	*bufs = nil
	return nil
}

func (c *plainConn) WriteClosed() bool {
	return c.writeClosed.Load()
}

func (c *plainConn) CloseWrite() error {
	c.writeClosed.Store(true)
	return c.out.CloseWrite()
}

func (c *plainConn) Close() error {
	c.writeClosed.Store(true)
	c.out.CloseWrite()
	return c.in.Close()
}

func (c *plainConn) RemoteAddr() net.Addr {
	return c.remote
}
