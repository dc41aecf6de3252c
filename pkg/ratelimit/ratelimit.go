// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket rate limiting for the accept path.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if one more connection should be admitted.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N connections should be admitted.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// AddrLimiter tracks one token bucket per remote address, limiting how
// fast any single peer may open connections.
type AddrLimiter struct {
	mu           sync.RWMutex
	limiters     map[string]*TokenBucket
	capacity     int64
	refillRate   int64
	maxAddrs     int
	cleanupTimer *time.Timer
}

// NewAddrLimiter creates a per-address accept limiter.
func NewAddrLimiter(capacity, refillRate int64, maxAddrs int) *AddrLimiter {
	if maxAddrs == 0 {
		maxAddrs = 10000
	}

	l := &AddrLimiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxAddrs:   maxAddrs,
	}

	// Periodic cleanup of inactive limiters
	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)

	return l
}

// Allow checks if a connection from the given address should be admitted.
func (l *AddrLimiter) Allow(addr string) bool {
	l.mu.RLock()
	tb, exists := l.limiters[addr]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[addr]
		if !exists {
			if len(l.limiters) >= l.maxAddrs {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[addr] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Remove removes an address's rate limiter.
func (l *AddrLimiter) Remove(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, addr)
}

// cleanup removes inactive limiters to prevent unbounded growth.
func (l *AddrLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.limiters) > l.maxAddrs*2 {
		count := 0
		kept := make(map[string]*TokenBucket)

		for k, v := range l.limiters {
			if count < l.maxAddrs {
				kept[k] = v
				count++
			}
		}

		l.limiters = kept
	}

	// Schedule next cleanup
	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)
}

// Stats returns the number of tracked addresses.
func (l *AddrLimiter) Stats() (addrs int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup timer.
func (l *AddrLimiter) Close() {
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}
