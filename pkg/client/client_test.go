// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
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
	"testing"
	"time"

	"github.com/anuragsoni/async-http/pkg/breaker"
	"github.com/anuragsoni/async-http/pkg/tlstunnel"
	"github.com/anuragsoni/async-http/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

// startEchoListener accepts one connection and echoes everything it
// reads back to the peer.
func startEchoListener(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
		if tc, ok := conn.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
	}()
	return ln
}

func TestConnect_PlainEcho(t *testing.T) {
	ln := startEchoListener(t)

	var got []byte
	err := Connect(context.Background(), Config{
		Target: ln.Addr().String(),
		Mode:   Plain,
		Logger: testLogger(),
	}, func(ctx context.Context, sess *Session, conn transport.Conn) error {
		if sess.Secure {
			t.Error("plain session reported secure")
		}
		bufs := net.Buffers{[]byte("ping")}
		if err := conn.Writev(&bufs); err != nil {
			return err
		}
		if err := conn.CloseWrite(); err != nil {
			return err
		}
		b, err := io.ReadAll(conn)
		got = b
		return err
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("echo mismatch: got %q", got)
	}
}

func TestConnect_SecureEcho(t *testing.T) {
	certFile, keyFile := writeTestCert(t)
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
		conn.(*tls.Conn).CloseWrite()
	}()

	var got []byte
	err = Connect(context.Background(), Config{
		Target: ln.Addr().String(),
		Mode:   Secure,
		TLS: tlstunnel.ClientConfig{
			ServerName: "localhost",
			VerifyPeer: false,
		},
		Logger: testLogger(),
	}, func(ctx context.Context, sess *Session, conn transport.Conn) error {
		if !sess.Secure {
			t.Error("secure session reported plain")
		}
		bufs := net.Buffers{[]byte("over tls")}
		if err := conn.Writev(&bufs); err != nil {
			return err
		}
		if err := conn.CloseWrite(); err != nil {
			return err
		}
		b, err := io.ReadAll(conn)
		got = b
		return err
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if string(got) != "over tls" {
		t.Errorf("echo mismatch: got %q", got)
	}
}

func TestConnect_HandlerErrorSurfaces(t *testing.T) {
	ln := startEchoListener(t)

	want := errors.New("handler gave up")
	err := Connect(context.Background(), Config{
		Target: ln.Addr().String(),
		Logger: testLogger(),
	}, func(ctx context.Context, sess *Session, conn transport.Conn) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestConnect_HandlerPanicBecomesError(t *testing.T) {
	ln := startEchoListener(t)

	err := Connect(context.Background(), Config{
		Target: ln.Addr().String(),
		Logger: testLogger(),
	}, func(ctx context.Context, sess *Session, conn transport.Conn) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
}

func TestConnect_BreakerOpensAfterDialFailures(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := ln.Addr().String()
	ln.Close()

	cb := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: time.Minute})
	cfg := Config{
		Target:      target,
		Breaker:     cb,
		DialTimeout: 200 * time.Millisecond,
		Logger:      testLogger(),
	}
	handler := func(ctx context.Context, sess *Session, conn transport.Conn) error { return nil }

	for i := 0; i < 2; i++ {
		if err := Connect(context.Background(), cfg, handler); err == nil {
			t.Fatalf("dial %d unexpectedly succeeded", i)
		}
	}
	if cb.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}
	if err := Connect(context.Background(), cfg, handler); !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}
