// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package driver runs a pull-based protocol engine to completion over a
// duplex byte transport.
//
// # Overview
//
// A protocol engine (see pkg/engine) never touches the network. It only
// answers two questions — "what do you need on the read side?" and
// "what do you need on the write side?" — and accepts the results. The
// driver satisfies those needs with real transport operations:
//
//	┌───────────┐   NextRead / Feed / FeedEOF    ┌────────┐
//	│           │ ←────────────────────────────→ │        │
//	│ Transport │                                │ Engine │
//	│           │ ←────────────────────────────→ │        │
//	└───────────┘  NextWrite / WriteDone         └────────┘
//
// # Loops
//
// Both loops start together and progress independently; ordering between
// them is mediated only by the engine's internal state.
//
//	Read loop:
//	  Proceed → one transport read; feed bytes (or end-of-stream, with
//	            any trailing unconsumed bytes) to the engine
//	  Yield   → suspend until the engine closes the op's Ready channel
//	  Close   → fire the read-side latch and stop
//
//	Write loop:
//	  Proceed → if the write side is already closed, report WriteClosed
//	            without touching the transport; otherwise transmit all
//	            buffers, wait for the flush confirmation, then report
//	            WriteOK with the byte total
//	  Yield   → suspend until Ready closes
//	  Close   → fire the write-side latch and stop
//
// Within one direction operations are strictly sequential: the loop
// never issues a second read or write before the prior one resolves.
//
// # Completion and failure
//
// Each side owns a one-shot latch (pkg/latch). A server connection is
// finished once both latches fire; Serve waits for that. A client driver
// is started with Start and left running in the background while the
// caller consumes the response body its engine produced.
//
// Every failure inside a loop — transport fault, engine panic — is
// caught at the connection boundary and reported to the engine via
// ReportError. In the server role an abnormal loop exit additionally
// forces the read-side latch so a Serve caller can never hang on a
// connection that died early. Nothing escapes the connection: one
// connection's failure never affects the listener or its siblings.
package driver
