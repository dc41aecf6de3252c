// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package latch provides single-fire completion signals for connection
// lifecycle tracking.
package latch

import (
	"context"
	"sync"
)

// Latch is a one-shot completion signal. It starts unfired; Fire moves it
// to the fired state exactly once. Firing an already-fired latch is a
// no-op, so independent code paths (normal completion, failure boundary)
// may both fire it without coordination.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// New returns an unfired latch.
func New() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Fire marks the latch as complete. Safe to call multiple times and from
// multiple goroutines; only the first call has any effect.
func (l *Latch) Fire() {
	l.once.Do(func() { close(l.done) })
}

// Done returns a channel that is closed once the latch has fired.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Fired reports whether the latch has fired.
func (l *Latch) Fired() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the latch fires or the context is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every latch has fired or the context is done.
// The connection-finished condition is the conjunction of the read-side
// and write-side latches.
func WaitAll(ctx context.Context, latches ...*Latch) error {
	for _, l := range latches {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
