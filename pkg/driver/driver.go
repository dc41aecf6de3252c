// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/anuragsoni/async-http/pkg/engine"
	"github.com/anuragsoni/async-http/pkg/latch"
	"github.com/anuragsoni/async-http/pkg/metrics"
	"github.com/anuragsoni/async-http/pkg/transport"
)

const defaultReadBufferSize = 16 * 1024

// Role selects the completion behavior of the driver.
type Role int

const (
	// RoleServer drives a server-mode engine. Abnormal loop exits force
	// the read-side latch so Serve cannot hang.
	RoleServer Role = iota

	// RoleClient drives a client-mode engine in the background while the
	// caller consumes the engine-produced response body.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Config holds driver configuration.
type Config struct {
	// Role selects server or client completion semantics.
	Role Role

	// ReadBufferSize is the size of the single read buffer. Defaults to
	// 16 KiB.
	ReadBufferSize int

	// Logger for driver events.
	Logger *slog.Logger

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics
}

// Driver runs one engine over one transport. The engine handle is owned
// exclusively by the driver's loop pair for the connection's lifetime.
type Driver struct {
	eng  engine.Engine
	conn transport.Conn
	cfg  Config

	readDone  *latch.Latch
	writeDone *latch.Latch
}

// New creates a driver for the given engine and transport.
func New(eng engine.Engine, conn transport.Conn, cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}

	return &Driver{
		eng:       eng,
		conn:      conn,
		cfg:       cfg,
		readDone:  latch.New(),
		writeDone: latch.New(),
	}
}

// Start launches the read and write loops. Both run concurrently from
// the start of the connection. Start returns immediately; use Wait (or
// Serve, which combines the two) to block until both sides finish.
func (d *Driver) Start(ctx context.Context) {
	go d.run(ctx, "read", d.readLoop)
	go d.run(ctx, "write", d.writeLoop)
}

// Serve starts both loops and blocks until both completion latches have
// fired or the context is done. This is the server-role entry point.
func (d *Driver) Serve(ctx context.Context) error {
	d.Start(ctx)
	return d.Wait(ctx)
}

// Wait blocks until both the read and write sides have finished.
func (d *Driver) Wait(ctx context.Context) error {
	return latch.WaitAll(ctx, d.readDone, d.writeDone)
}

// ReadDone is closed once the engine's read side reached Close.
func (d *Driver) ReadDone() <-chan struct{} {
	return d.readDone.Done()
}

// WriteDone is closed once the engine's write side reached Close.
func (d *Driver) WriteDone() <-chan struct{} {
	return d.writeDone.Done()
}

// run is the per-loop failure boundary. Panics and loop errors are
// reported into the engine rather than lost with the goroutine; in the
// server role an abnormal exit also forces the read-side latch so the
// caller's wait for both signals cannot hang forever.
func (d *Driver) run(ctx context.Context, name string, loop func(context.Context) error) {
	var failure error

	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("%s loop panic: %v", name, r)
		}
		if failure == nil {
			return
		}
		d.cfg.Logger.Error("driver loop failed",
			slog.String("loop", name),
			slog.String("role", d.cfg.Role.String()),
			slog.String("error", failure.Error()))
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DriverFailures.WithLabelValues(d.cfg.Role.String(), name).Inc()
		}
		d.eng.ReportError(failure)
		if d.cfg.Role == RoleServer {
			d.readDone.Fire()
		}
	}()

	failure = loop(ctx)
}

// readLoop satisfies the engine's read-side needs one at a time.
func (d *Driver) readLoop(ctx context.Context) error {
	buf := make([]byte, d.cfg.ReadBufferSize)

	// Bytes delivered by the transport but not yet consumed by the
	// engine. Must be re-fed before any further transport read so every
	// delivered byte reaches the engine exactly once, in order.
	var pending []byte
	var eof bool

	for {
		op := d.eng.NextRead()
		switch op.Action {
		case engine.Close:
			d.readDone.Fire()
			return nil

		case engine.Yield:
			if err := await(ctx, op.Ready); err != nil {
				return err
			}

		case engine.Proceed:
			if eof {
				n := d.eng.FeedEOF(pending)
				pending = pending[n:]
				continue
			}
			if len(pending) > 0 {
				n := d.eng.Feed(pending)
				pending = pending[n:]
				continue
			}

			n, err := d.conn.Read(buf)
			if d.cfg.Metrics != nil && n > 0 {
				d.cfg.Metrics.BytesRead.WithLabelValues(d.cfg.Role.String()).Add(float64(n))
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					// Transport faults surface to the engine as
					// end-of-stream; the engine decides the
					// protocol-level consequence.
					d.cfg.Logger.Debug("transport read error treated as end-of-stream",
						slog.String("error", err.Error()))
				}
				eof = true
				consumed := d.eng.FeedEOF(buf[:n])
				pending = append([]byte(nil), buf[consumed:n]...)
				continue
			}
			consumed := d.eng.Feed(buf[:n])
			if consumed < n {
				pending = append([]byte(nil), buf[consumed:n]...)
			}

		default:
			return fmt.Errorf("unknown read action %d", op.Action)
		}
	}
}

// writeLoop satisfies the engine's write-side needs one at a time.
func (d *Driver) writeLoop(ctx context.Context) error {
	for {
		op := d.eng.NextWrite()
		switch op.Action {
		case engine.Close:
			d.writeDone.Fire()
			return nil

		case engine.Yield:
			if err := await(ctx, op.Ready); err != nil {
				return err
			}

		case engine.Proceed:
			if d.conn.WriteClosed() {
				d.eng.WriteDone(engine.WriteResult{Status: engine.WriteClosed})
				continue
			}

			var total int
			for _, b := range op.Buffers {
				total += len(b)
			}

			// Writev returns only after the flush confirmation: the
			// engine's buffers stay untouched until then and the outcome
			// is never reported early.
			bufs := op.Buffers
			if err := d.conn.Writev(&bufs); err != nil {
				d.cfg.Logger.Debug("transport write failed",
					slog.String("error", err.Error()))
				d.eng.WriteDone(engine.WriteResult{Status: engine.WriteClosed})
				continue
			}
			if d.cfg.Metrics != nil && total > 0 {
				d.cfg.Metrics.BytesWritten.WithLabelValues(d.cfg.Role.String()).Add(float64(total))
			}
			d.eng.WriteDone(engine.WriteResult{Status: engine.WriteOK, N: total})

		default:
			return fmt.Errorf("unknown write action %d", op.Action)
		}
	}
}

// await blocks on an engine wake-up signal or context cancellation.
func await(ctx context.Context, ready <-chan struct{}) error {
	if ready == nil {
		return errors.New("engine yielded without a ready channel")
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
