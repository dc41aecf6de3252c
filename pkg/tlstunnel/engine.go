// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlstunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// sessionCloseWait bounds how long Close waits for the outbound pump to
// flush the close alert before tearing the connection down.
const sessionCloseWait = 5 * time.Second

// ServerConfig holds the accepting side's TLS parameters.
type ServerConfig struct {
	// CertFile and KeyFile are paths to the PEM-encoded certificate and
	// private key.
	CertFile string
	KeyFile  string
}

// ClientConfig holds the initiating side's TLS parameters.
type ClientConfig struct {
	// ServerName is the expected peer hostname.
	ServerName string

	// VerifyPeer enables certificate chain verification against CAFile
	// (or the system roots when CAFile is empty).
	VerifyPeer bool

	// CAFile is an optional path to a PEM bundle of trusted roots.
	CAFile string

	// CertFile and KeyFile optionally supply a client certificate.
	CertFile string
	KeyFile  string

	// CipherSuites optionally restricts the TLS 1.2 cipher policy.
	CipherSuites []uint16

	// SessionCache enables session resumption across connections.
	SessionCache tls.ClientSessionCache
}

// Session is one established TLS connection bound to four byte pipes.
// Closing the session tears down all four pipes exactly once; the
// teardown is owned by the engine, not by the caller.
type Session interface {
	// Close initiates an orderly close. Idempotent.
	Close() error

	// Done delivers the session's closed-notification: nil for a clean
	// close, otherwise the first failure observed. The channel is closed
	// after the notification.
	Done() <-chan error
}

// Engine performs the TLS handshake and record-layer work for one
// connection over four unidirectional byte pipes: network-inbound,
// network-outbound, application-inbound and application-outbound.
type Engine interface {
	// Server accepts a TLS connection: ciphertext flows through netIn /
	// netOut, plaintext through appIn / appOut.
	Server(ctx context.Context, cfg ServerConfig, netIn, netOut, appIn, appOut *Pipe) (Session, error)

	// Client initiates a TLS connection over the same pipe layout.
	Client(ctx context.Context, cfg ClientConfig, netIn, netOut, appIn, appOut *Pipe) (Session, error)
}

// Default returns the crypto/tls backed engine.
func Default() Engine {
	return stdEngine{}
}

type stdEngine struct{}

func (stdEngine) Server(ctx context.Context, cfg ServerConfig, netIn, netOut, appIn, appOut *Pipe) (Session, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	conn := tls.Server(newPipeNetConn(netIn, netOut), &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	return startSession(ctx, conn, netIn, netOut, appIn, appOut)
}

func (stdEngine) Client(ctx context.Context, cfg ClientConfig, netIn, netOut, appIn, appOut *Pipe) (Session, error) {
	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: !cfg.VerifyPeer,
		CipherSuites:       cfg.CipherSuites,
		ClientSessionCache: cfg.SessionCache,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = roots
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	conn := tls.Client(newPipeNetConn(netIn, netOut), tlsCfg)
	return startSession(ctx, conn, netIn, netOut, appIn, appOut)
}

// startSession performs the handshake and, on success, starts the two
// record pumps. On handshake failure no session exists and the caller
// owns pipe cleanup.
func startSession(ctx context.Context, conn *tls.Conn, netIn, netOut, appIn, appOut *Pipe) (Session, error) {
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	s := &stdSession{
		conn:       conn,
		netIn:      netIn,
		netOut:     netOut,
		appIn:      appIn,
		appOut:     appOut,
		writerDone: make(chan struct{}),
		done:       make(chan error, 1),
	}
	go s.run()
	return s, nil
}

type stdSession struct {
	conn                         *tls.Conn
	netIn, netOut, appIn, appOut *Pipe

	writerDone chan struct{}
	closeOnce  sync.Once
	done       chan error

	errMu    sync.Mutex
	firstErr error
}

func (s *stdSession) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	// Outbound: application plaintext → TLS records → network.
	go func() {
		defer wg.Done()
		defer close(s.writerDone)

		buf := make([]byte, defaultPipeSize)
		for {
			n, err := s.appOut.Read(buf)
			if n > 0 {
				if _, werr := s.conn.Write(buf[:n]); werr != nil {
					s.recordErr(werr)
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					// Plaintext writer closed: flush the close alert.
					s.recordErr(s.conn.CloseWrite())
				} else {
					s.recordErr(err)
				}
				return
			}
		}
	}()

	// Inbound: network → TLS records → application plaintext.
	go func() {
		defer wg.Done()

		buf := make([]byte, defaultPipeSize)
		for {
			n, err := s.conn.Read(buf)
			if n > 0 {
				if _, werr := s.appIn.Write(buf[:n]); werr != nil {
					s.recordErr(werr)
					break
				}
			}
			if err != nil {
				s.recordErr(err)
				break
			}
		}
		s.appIn.CloseWrite()
	}()

	wg.Wait()
	s.teardown()
	s.done <- s.sessionErr()
	close(s.done)
}

// Close initiates an orderly close: stop accepting plaintext, let the
// outbound pump flush the close alert, then tear down the connection and
// all four pipes. Idempotent.
func (s *stdSession) Close() error {
	s.closeOnce.Do(func() {
		s.appOut.CloseWrite()
		select {
		case <-s.writerDone:
		case <-time.After(sessionCloseWait):
		}
		s.teardown()
	})
	return nil
}

func (s *stdSession) Done() <-chan error {
	return s.done
}

// teardown closes the TLS connection and every pipe. Each close is
// itself idempotent, so the session's "all four channels closed exactly
// once" guarantee holds across the Close and run paths.
func (s *stdSession) teardown() {
	s.conn.Close()
	s.netIn.Close()
	s.netOut.CloseWrite()
	s.appIn.CloseWrite()
	s.appOut.Close()
}

func (s *stdSession) recordErr(err error) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrPipeClosed) || errors.Is(err, net.ErrClosed) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *stdSession) sessionErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// pipeNetConn presents a netIn/netOut pipe pair as a net.Conn so
// crypto/tls can run over them. Deadlines are not used by the pumps and
// are accepted as no-ops.
type pipeNetConn struct {
	in  *Pipe
	out *Pipe
}

func newPipeNetConn(in, out *Pipe) *pipeNetConn {
	return &pipeNetConn{in: in, out: out}
}

func (c *pipeNetConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *pipeNetConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c *pipeNetConn) Close() error {
	c.in.Close()
	return c.out.CloseWrite()
}

func (c *pipeNetConn) LocalAddr() net.Addr  { return pipeAddr{} }
func (c *pipeNetConn) RemoteAddr() net.Addr { return pipeAddr{} }

func (c *pipeNetConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeNetConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeNetConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
