// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

// Direction indicates the direction of byte flow through an exchange.
type Direction int

const (
	// Upstream represents bytes flowing from client to backend server.
	Upstream Direction = iota

	// Downstream represents bytes flowing from backend server to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Result is the outcome of an incremental parse attempt.
type Result int

const (
	// Success means a complete header block was parsed.
	Success Result = iota
	// Incomplete means more bytes are needed.
	Incomplete
	// TooLong means the header block does not fit the limit.
	TooLong
	// Failed means the bytes are not a valid message.
	Failed
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Incomplete:
		return "incomplete"
	case TooLong:
		return "too_long"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Parser is an incremental message parser over a connection buffer.
//
// Parse is called with the whole unconsumed buffer each time new bytes
// arrive. It must not retain buf and must not modify it. On Success it
// reports how many bytes the header block occupied; the caller decides when
// those bytes are released.
//
// Reset prepares the parser for the next message on the same connection.
type Parser interface {
	Parse(buf []byte) (Result, int)
	Reset()
}
