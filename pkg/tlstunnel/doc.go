// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlstunnel presents a TLS-protected raw transport as an
// ordinary plaintext duplex stream, for both the accepting and the
// initiating role.
//
// # Architecture
//
// A tunnel session owns four unidirectional byte pipes and a TLS engine
// bound to all four:
//
//	            netIn                appIn
//	raw ──────→ ┌────┐   ┌────────┐ ┌────┐ ──────→ plaintext reader
//	            │pipe│ → │  TLS   │→│pipe│
//	raw ←────── ┌────┐   │ engine │ ┌────┐ ←────── plaintext writer
//	            │pipe│ ← │        │←│pipe│
//	            netOut   └────────┘ appOut
//
// Two background pumps bind netIn/netOut to the raw transport. The TLS
// engine (crypto/tls by default, any Engine implementation otherwise)
// handshakes over the network-facing pipes and moves plaintext through
// the application-facing ones. The driver layer above never sees TLS;
// the tunnel never sees protocol semantics.
//
// # Shutdown
//
// Teardown runs exactly once per connection, on every exit path of the
// handler:
//
//  1. Close the plaintext writer.
//  2. Wait for its buffered output to drain into the engine.
//  3. Close the engine session (the engine owns final pipe teardown).
//  4. Await the engine's closed-notification; a close failure is logged
//     and non-fatal.
//  5. Close the plaintext reader.
//
// This ordering prevents truncating in-flight encrypted output. A
// handshake failure is terminal: the handler is never invoked and no
// partial plaintext stream is created.
package tlstunnel
