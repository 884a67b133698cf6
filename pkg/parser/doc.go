// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser defines the vocabulary shared by message parsers.
//
// # Incremental parsing
//
// The stream engine reads into fixed buffers and calls Parse every time new
// bytes land. A parser answers with one of four results:
//
//	Success     header block complete, consumed bytes reported
//	Incomplete  wait for the next readable event
//	TooLong     no header terminator within the limit
//	Failed      malformed start line, header or framing
//
// Parsers never copy the body. Framing state (content length, chunked
// decoding) is tracked while the engine relays the body in place.
//
// # Direction
//
// Direction labels which side of an exchange bytes are moving to:
//
//	Upstream:   client  → backend  (requests)
//	Downstream: backend → client   (responses)
package parser
