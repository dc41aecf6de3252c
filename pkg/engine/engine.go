// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "net"

// Action is what a protocol engine asks the driver to do next on one
// side of the stream.
type Action int

const (
	// Proceed means perform the transport operation: read bytes (read
	// side) or transmit the op's buffers (write side).
	Proceed Action = iota

	// Close means this side of the engine is finished; no further
	// operations will be requested on it.
	Close

	// Yield means no transport action is needed right now; the driver
	// must suspend until the op's Ready channel is closed.
	Yield
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case Close:
		return "close"
	case Yield:
		return "yield"
	default:
		return "unknown"
	}
}

// ReadOp is the engine's answer to "what do you need on the read side".
type ReadOp struct {
	Action Action

	// Ready is set when Action is Yield. The engine closes it when the
	// read loop should query again.
	Ready <-chan struct{}
}

// WriteOp is the engine's answer to "what do you need on the write side".
type WriteOp struct {
	Action Action

	// Buffers holds the byte ranges to transmit when Action is Proceed.
	// The driver must not report an outcome until the transport has
	// confirmed the flush; the engine owns these buffers until then.
	Buffers net.Buffers

	// Ready is set when Action is Yield, as in ReadOp.
	Ready <-chan struct{}
}

// WriteStatus is the outcome of one transmit attempt.
type WriteStatus int

const (
	// WriteOK means all buffers were flushed downstream.
	WriteOK WriteStatus = iota

	// WriteClosed means the transport's write side was already closed
	// and nothing was transmitted.
	WriteClosed
)

// WriteResult reports a transmit outcome back to the engine.
type WriteResult struct {
	Status WriteStatus

	// N is the total number of bytes flushed when Status is WriteOK.
	N int
}

// Engine is the pull-based protocol state machine the driver feeds. The
// engine is exclusively owned by its driver for the connection's
// lifetime; no other goroutine may call these methods. All methods are
// synchronous and non-blocking.
type Engine interface {
	// NextRead reports what the engine needs on its input side.
	NextRead() ReadOp

	// Feed hands freshly read bytes to the engine and returns how many
	// were consumed. Unconsumed bytes must be re-fed by the driver
	// before any further transport read.
	Feed(p []byte) int

	// FeedEOF signals end-of-stream along with any trailing unconsumed
	// bytes (may be empty). Returns how many of p were consumed.
	FeedEOF(p []byte) int

	// NextWrite reports what the engine needs on its output side.
	NextWrite() WriteOp

	// WriteDone reports the outcome of the previous Proceed write op.
	WriteDone(res WriteResult)

	// ReportError delivers a failure caught at the connection boundary
	// (transport fault, handler panic) so the engine can decide the
	// protocol-level consequence.
	ReportError(err error)
}
