// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http parses and frames HTTP/1.x messages directly from connection
// buffers for the stream engine.
//
// # Parsing
//
// Request.Parse and Response.Parse scan the buffered bytes for the end of the
// header block. They keep every header line verbatim so an unmodified message
// is forwarded byte for byte. Fields added by the proxy (X-Forwarded-For,
// Host, Set-Cookie, Strict-Transport-Security) are appended after the
// received ones.
//
// # Framing
//
// The body is never copied or decoded. A message tracks one of:
//
//	none         no body (HEAD responses, 1xx, 204, 304, requests without length)
//	length       Content-Length bytes remain
//	chunked      a scanner follows chunk sizes, data, CRLFs and trailers
//	until close  the backend closes the connection to end the body
//
// Forwardable tells how many buffered bytes belong to the current message
// without changing state; Commit records the bytes actually written. The
// split lets a partial write be retried without losing framing position.
//
// # Serialization
//
// Serialize returns a scatter-gather list: an owned header block followed by
// the body bytes already sitting in the buffer behind it.
//
//	[ start line | kept fields | added fields | CRLF ] [ buffered body prefix ]
package http
