// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the driver layer.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrRateLimited indicates the accept rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTargetUnavailable indicates the connect target is unavailable.
	ErrTargetUnavailable = errors.New("target unavailable")
)

// ConnError wraps a connection-scoped error with its context.
type ConnError struct {
	Op         string // Operation that failed
	Role       string // server or client
	SessionID  string // Session identifier
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Role, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Role, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError.
func New(op, role, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		Role:       role,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
