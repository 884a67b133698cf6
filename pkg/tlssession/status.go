// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlssession

// Status is the handshake state of a Session.
type Status int

const (
	StatusNone Status = iota
	StatusNeedHandshake
	StatusHandshakeStart
	StatusWantRead
	StatusWantWrite
	StatusHandshakeError
	StatusHandshakeDone
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusNeedHandshake:
		return "need_handshake"
	case StatusHandshakeStart:
		return "handshake_start"
	case StatusWantRead:
		return "want_read"
	case StatusWantWrite:
		return "want_write"
	case StatusHandshakeError:
		return "handshake_error"
	case StatusHandshakeDone:
		return "handshake_done"
	default:
		return "unknown"
	}
}

// InProgress reports whether more handshake steps are needed.
func (s Status) InProgress() bool {
	switch s {
	case StatusNeedHandshake, StatusHandshakeStart, StatusWantRead, StatusWantWrite:
		return true
	}
	return false
}
