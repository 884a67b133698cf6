// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for l7proxy.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates invalid configuration or request data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an exchange timer fired.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation indicates malformed HTTP on either side.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBackendUnavailable indicates no live backend could serve the request.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNoService indicates no service matched the request.
	ErrNoService = errors.New("no service")

	// ErrSizeLimitExceeded indicates a header block larger than the buffer.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")

	// ErrTLSHandshake indicates a fatal TLS handshake failure.
	ErrTLSHandshake = errors.New("tls handshake failed")

	// ErrPlainHTTP indicates plaintext HTTP arrived on a TLS listener.
	ErrPlainHTTP = errors.New("plain http on tls port")

	// ErrUnknownTask indicates a control task no component is registered for.
	ErrUnknownTask = errors.New("unknown control task")
)

// ProxyError wraps an error with exchange context.
type ProxyError struct {
	Op         string // Operation that failed
	Listener   string // Listener name
	ExchangeID string // Exchange identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.ExchangeID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Listener, e.Op, e.ExchangeID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Listener, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, listener, exchangeID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Listener:   listener,
		ExchangeID: exchangeID,
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
