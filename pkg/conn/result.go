// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

// Result is the outcome of a non-blocking I/O primitive.
type Result int

const (
	// Success means at least one byte moved.
	Success Result = iota
	// TryAgain means no progress was possible without blocking.
	TryAgain
	// FDClosed means the peer closed the connection.
	FDClosed
	// Error is an unrecoverable socket error.
	Error
	// FullBuffer means the buffer must be drained before reading again.
	FullBuffer
	// NeedHandshake means application I/O was attempted before the TLS
	// handshake completed.
	NeedHandshake
	// WantRenegotiation means the TLS peer asked for a renegotiation.
	WantRenegotiation
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case TryAgain:
		return "try_again"
	case FDClosed:
		return "fd_closed"
	case Error:
		return "error"
	case FullBuffer:
		return "full_buffer"
	case NeedHandshake:
		return "need_handshake"
	case WantRenegotiation:
		return "want_renegotiation"
	default:
		return "unknown"
	}
}

// OpResult is the outcome of Connect.
type OpResult int

const (
	OpSuccess OpResult = iota
	OpInProgress
	OpError
)

func (r OpResult) String() string {
	switch r {
	case OpSuccess:
		return "success"
	case OpInProgress:
		return "in_progress"
	default:
		return "error"
	}
}
