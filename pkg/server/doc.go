// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server implements the accepting side of the driver layer.
//
// # Overview
//
// The server accepts TCP connections and hands each one to a handler as
// a duplex byte stream. When a certificate and key are both configured,
// the connection is first spliced through the TLS tunnel and the handler
// receives the synthesized plaintext stream; with either missing, TLS is
// off and the handler receives the raw transport.
//
//	┌────────┐        ┌──────────┐   (optional)   ┌─────────┐
//	│ Client │ ←TCP─→ │  Server  │ ←─TLS tunnel─→ │ Handler │
//	└────────┘        └──────────┘                └─────────┘
//
// Handlers typically construct a protocol engine for the connection and
// run it with pkg/driver:
//
//	srv := server.New(cfg, func(ctx context.Context, sess *server.Session, conn transport.Conn) error {
//		eng := newServerEngine(requestHandler, errorHandler)
//		d := driver.New(eng, conn, driver.Config{Role: driver.RoleServer})
//		return d.Serve(ctx) // returns once both sides finished
//	})
//
// # Connection Flow
//
//  1. Accept, admit through the connection cap and per-address limiter
//  2. Assign a session ID, record metrics
//  3. TLS handshake when configured; a failed handshake never reaches
//     the handler
//  4. Run the handler inside a per-connection failure boundary
//  5. Close the connection
//
// One connection's failure — including a handler panic — never
// terminates the listener or other connections.
//
// # Graceful Shutdown
//
// When the context is cancelled the listener closes, the accept loop
// drains, and active connections get ShutdownTimeout to finish before
// being forcefully closed (ErrShutdownTimeout).
package server
