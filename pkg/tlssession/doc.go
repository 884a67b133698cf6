// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlssession adapts crypto/tls to a non-blocking, event-driven
// socket.
//
// # Model
//
// crypto/tls expects a blocking net.Conn. A Session gives it an in-memory
// pipe instead and runs the TLS state machine on a helper goroutine. The
// engine thread moves ciphertext between the socket and the pipe and only
// waits for the helper to reach a quiescent point (blocked reading an empty
// pipe, or finished), never for the network.
//
//	socket ──fill──▶ pipe.in  ──▶ tls.Conn ──▶ plaintext queue ──Read──▶ conn buffer
//	socket ◀─flush── pipe.out ◀── tls.Conn ◀──────────── Write ◀──────── plaintext
//
// # Handshake states
//
//	NEED_HANDSHAKE → HANDSHAKE_START → WANT_READ / WANT_WRITE ⇄ HANDSHAKE_START → HANDSHAKE_DONE
//	                                  any step on fatal error → HANDSHAKE_ERROR
//
// Each Handshake call is one step: flush queued records, pull whatever
// ciphertext the socket holds, let the helper process it, flush again. A step
// that leaves records unsent reports WANT_WRITE; otherwise WANT_READ until
// the helper finishes. Steps are capped at MaxHandshakeRetries.
//
// # Errors
//
// A plaintext HTTP request on a TLS socket fails the handshake with an error
// wrapping errors.ErrPlainHTTP; PlainRequest returns the bytes received so
// the caller can build a redirect. Peer renegotiation surfaces from Read as
// conn.WantRenegotiation. Application I/O before HANDSHAKE_DONE returns
// conn.NeedHandshake.
package tlssession
