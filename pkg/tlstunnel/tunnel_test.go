// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlstunnel

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anuragsoni/async-http/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// writeTestCert generates a self-signed certificate for localhost and
// writes the PEM pair into a temp dir.
func writeTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certOut, 0o600); err != nil {
		t.Fatalf("failed to write cert: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyOut, 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	return certFile, keyFile
}

// recordingConn records every byte read from the underlying transport,
// so tests can inspect what actually crossed the wire.
type recordingConn struct {
	transport.Conn
	mu   sync.Mutex
	read bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.mu.Lock()
	c.read.Write(p[:n])
	c.mu.Unlock()
	return n, err
}

func (c *recordingConn) readBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.read.Bytes()...)
}

func echoHandler(ctx context.Context, conn transport.Conn) error {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			bufs := net.Buffers{buf[:n]}
			if werr := conn.Writev(&bufs); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func TestTunnel_EndToEndTLSEcho(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rec *recordingConn
	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		rec = &recordingConn{Conn: transport.NewNetConn(conn)}
		tun := New(nil, testLogger())
		serverDone <- tun.Server(ctx, rec, ServerConfig{CertFile: certFile, KeyFile: keyFile}, echoHandler)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer raw.Close()

	const payload = "secret-payload-7f3a"
	var got []byte

	clientTun := New(nil, testLogger())
	err = clientTun.Client(ctx, transport.NewNetConn(raw), ClientConfig{ServerName: "localhost"},
		func(ctx context.Context, conn transport.Conn) error {
			bufs := net.Buffers{[]byte(payload)}
			if err := conn.Writev(&bufs); err != nil {
				return err
			}
			if err := conn.CloseWrite(); err != nil {
				return err
			}
			var rerr error
			got, rerr = io.ReadAll(io.Reader(conn))
			return rerr
		})
	if err != nil {
		t.Fatalf("client tunnel failed: %v", err)
	}

	if string(got) != payload {
		t.Errorf("expected echo %q, got %q", payload, got)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Errorf("server tunnel failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server tunnel did not finish")
	}

	wire := rec.readBytes()
	if len(wire) == 0 || wire[0] != 0x16 {
		t.Errorf("expected a TLS handshake record on the wire, got % x", wire[:min(len(wire), 4)])
	}
	if bytes.Contains(wire, []byte(payload)) {
		t.Error("plaintext observed on the raw socket; bytes must be TLS records")
	}
}

func TestTunnel_HandshakeFailureSkipsHandler(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	tun := New(nil, testLogger())

	handlerCalled := false
	err := tun.Server(context.Background(), transport.NewNetConn(c1),
		ServerConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
		func(ctx context.Context, conn transport.Conn) error {
			handlerCalled = true
			return nil
		})

	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if handlerCalled {
		t.Error("handler must not be invoked after a failed handshake")
	}
}

func TestTunnel_BadCertificateFailsClientHandshake(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tun := New(nil, testLogger())
		// The handshake fails once the client rejects the self-signed
		// certificate; the server handler must never run either.
		tun.Server(ctx, transport.NewNetConn(conn), ServerConfig{CertFile: certFile, KeyFile: keyFile},
			func(ctx context.Context, conn transport.Conn) error {
				t.Error("server handler invoked despite failed handshake")
				return nil
			})
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer raw.Close()

	handlerCalled := false
	err = New(nil, testLogger()).Client(ctx, transport.NewNetConn(raw),
		ClientConfig{ServerName: "localhost", VerifyPeer: true},
		func(ctx context.Context, conn transport.Conn) error {
			handlerCalled = true
			return nil
		})

	if err == nil {
		t.Fatal("expected certificate verification failure")
	}
	if handlerCalled {
		t.Error("client handler must not be invoked after a failed handshake")
	}
}

// fakeSession lets tests observe the tunnel's shutdown sequencing.
type fakeSession struct {
	appIn, appOut *Pipe

	closeCalls          atomic.Int32
	appOutClosedAtClose bool
	appInOpenAtClose    bool
	done                chan error
	closeErr            error
}

func (s *fakeSession) Close() error {
	if s.closeCalls.Add(1) > 1 {
		return nil
	}
	// The plaintext writer must already be closed when the engine is
	// asked to close; the plaintext reader must still be open.
	_, werr := s.appOut.Write([]byte{0})
	s.appOutClosedAtClose = werr != nil
	_, rerr := s.appIn.Write([]byte{0})
	s.appInOpenAtClose = rerr == nil

	s.done <- s.closeErr
	close(s.done)
	return nil
}

func (s *fakeSession) Done() <-chan error { return s.done }

type fakeEngine struct {
	session  *fakeSession
	closeErr error
}

func (e *fakeEngine) Server(ctx context.Context, cfg ServerConfig, netIn, netOut, appIn, appOut *Pipe) (Session, error) {
	e.session = &fakeSession{appIn: appIn, appOut: appOut, done: make(chan error, 1), closeErr: e.closeErr}
	return e.session, nil
}

func (e *fakeEngine) Client(ctx context.Context, cfg ClientConfig, netIn, netOut, appIn, appOut *Pipe) (Session, error) {
	return e.Server(ctx, ServerConfig{}, netIn, netOut, appIn, appOut)
}

func TestTunnel_ShutdownRunsOnceEvenOnHandlerPanic(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	fe := &fakeEngine{}
	tun := New(fe, testLogger())

	func() {
		defer func() {
			if recover() == nil {
				t.Error("handler panic should propagate after shutdown")
			}
		}()
		tun.Server(context.Background(), transport.NewNetConn(c1), ServerConfig{},
			func(ctx context.Context, conn transport.Conn) error {
				panic("handler exploded")
			})
	}()

	sess := fe.session
	if sess == nil {
		t.Fatal("engine was never invoked")
	}
	if n := sess.closeCalls.Load(); n != 1 {
		t.Errorf("expected exactly one session close, got %d", n)
	}
	if !sess.appOutClosedAtClose {
		t.Error("plaintext writer must be closed before the engine session")
	}
	if !sess.appInOpenAtClose {
		t.Error("plaintext reader must stay open until after the engine session closes")
	}
	if _, err := sess.appIn.Write([]byte{0}); err == nil {
		t.Error("plaintext reader should be closed once shutdown completes")
	}
}

func TestTunnel_SessionCloseErrorIsNonFatal(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	fe := &fakeEngine{closeErr: errors.New("close alert lost")}
	tun := New(fe, testLogger())

	err := tun.Server(context.Background(), transport.NewNetConn(c1), ServerConfig{},
		func(ctx context.Context, conn transport.Conn) error {
			return nil
		})

	if err != nil {
		t.Errorf("session close failure must be log-only, got %v", err)
	}
}
