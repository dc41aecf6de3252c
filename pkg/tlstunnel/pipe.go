// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlstunnel

import (
	"errors"
	"io"
	"sync"
)

// ErrPipeClosed is returned for writes to a closed pipe and for reads
// after CloseWithError-free full closure of the read side.
var ErrPipeClosed = errors.New("tlstunnel: pipe closed")

const defaultPipeSize = 32 * 1024

// Pipe is a bounded unidirectional byte queue with back-pressure. Writes
// block while the buffer is full; reads block while it is empty. A
// tunnel session owns four of these: network-inbound, network-outbound,
// application-inbound and application-outbound.
//
// Write copies its input into the pipe's own buffer, so the caller's
// slice is free for reuse as soon as Write returns.
type Pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf   []byte
	limit int

	writeClosed bool
	readClosed  bool
	err         error // delivered to readers once the buffer drains
}

// NewPipe creates a pipe with the given capacity. A non-positive size
// selects the default of 32 KiB.
func NewPipe(size int) *Pipe {
	if size <= 0 {
		size = defaultPipeSize
	}
	p := &Pipe{limit: size}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write appends p to the pipe, blocking while the pipe is full. It
// returns ErrPipeClosed once either side has been closed.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var written int
	for len(b) > 0 {
		if p.writeClosed || p.readClosed {
			return written, ErrPipeClosed
		}
		free := p.limit - len(p.buf)
		if free == 0 {
			p.cond.Wait()
			continue
		}
		n := len(b)
		if n > free {
			n = free
		}
		p.buf = append(p.buf, b[:n]...)
		b = b[n:]
		written += n
		p.cond.Broadcast()
	}
	return written, nil
}

// Read fills b from the pipe, blocking while the pipe is empty. After
// the write side closes and the buffer drains, Read returns io.EOF (or
// the error supplied to CloseWithError).
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			if len(p.buf) == 0 {
				// Reset so the backing array does not grow unbounded.
				p.buf = nil
			}
			p.cond.Broadcast()
			return n, nil
		}
		if p.readClosed {
			if p.err != nil {
				return 0, p.err
			}
			return 0, ErrPipeClosed
		}
		if p.writeClosed {
			if p.err != nil {
				return 0, p.err
			}
			return 0, io.EOF
		}
		p.cond.Wait()
	}
}

// CloseWrite closes the write side. Readers drain the remaining buffer
// and then observe io.EOF. Idempotent.
func (p *Pipe) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeClosed = true
	p.cond.Broadcast()
	return nil
}

// CloseWithError closes both sides. Blocked readers and writers wake
// immediately; buffered bytes still present are discarded for readers,
// which observe err (or ErrPipeClosed when err is nil). Idempotent: the
// first close wins.
func (p *Pipe) CloseWithError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readClosed && p.err == nil {
		p.err = err
	}
	p.writeClosed = true
	p.readClosed = true
	p.buf = nil
	p.cond.Broadcast()
	return nil
}

// Close closes both sides of the pipe.
func (p *Pipe) Close() error {
	return p.CloseWithError(nil)
}

// WaitDrained blocks until every buffered byte has been consumed by the
// reader, or the pipe is fully closed.
func (p *Pipe) WaitDrained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) > 0 && !p.readClosed {
		p.cond.Wait()
	}
}

// Buffered returns the number of bytes currently queued.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
