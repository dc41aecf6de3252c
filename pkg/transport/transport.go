// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the duplex byte-stream contract the driver
// layer runs over, and adapters for net.Conn and in-memory streams.
package transport

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
)

var (
	// ErrWriteClosed is returned by Writev after the write side has been
	// closed. Writes after close are rejected, never silently dropped.
	ErrWriteClosed = errors.New("transport: write side closed")
)

// Conn is a duplex byte stream with explicit half-close and
// flush-confirmed writes.
//
// Read follows io.Reader semantics; io.EOF signals end-of-stream. Reads
// are issued one at a time by the caller, never concurrently.
//
// Writev transmits all buffers in order and returns only once the bytes
// have been handed off downstream. When Writev returns nil the backing
// buffers are no longer referenced and may be reused by the caller; this
// is the flush confirmation the driver relies on before recycling engine
// output buffers.
type Conn interface {
	io.Reader

	// Writev writes all buffers, blocking until flushed. Returns
	// ErrWriteClosed if the write side is closed.
	Writev(bufs *net.Buffers) error

	// WriteClosed reports whether the write side is closed.
	WriteClosed() bool

	// CloseWrite closes the write side, letting the peer observe
	// end-of-stream while reads continue.
	CloseWrite() error

	// Close closes both sides.
	Close() error

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// halfCloser is implemented by net.TCPConn and tls.Conn.
type halfCloser interface {
	CloseWrite() error
}

// NetConn adapts a net.Conn to the Conn contract. net.Conn.Write blocks
// until the data is accepted downstream, which satisfies the flush
// confirmation requirement.
type NetConn struct {
	conn        net.Conn
	writeClosed atomic.Bool
}

var _ Conn = (*NetConn)(nil)

// NewNetConn wraps a net.Conn.
func NewNetConn(conn net.Conn) *NetConn {
	return &NetConn{conn: conn}
}

func (c *NetConn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

func (c *NetConn) Writev(bufs *net.Buffers) error {
	if c.writeClosed.Load() {
		return ErrWriteClosed
	}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		// A failed write leaves the stream in an undefined state; treat
		// the write side as closed from here on.
		c.writeClosed.Store(true)
		return err
	}
	return nil
}

func (c *NetConn) WriteClosed() bool {
	return c.writeClosed.Load()
}

func (c *NetConn) CloseWrite() error {
	if c.writeClosed.Swap(true) {
		return nil
	}
	if hc, ok := c.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (c *NetConn) Close() error {
	c.writeClosed.Store(true)
	return c.conn.Close()
}

func (c *NetConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
