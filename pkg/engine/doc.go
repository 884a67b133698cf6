// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the event-driven stream engine: one epoll loop
// per OS thread multiplexing many client/backend HTTP exchanges.
//
// Each Engine owns an arena of exchanges keyed by a stable id and a table
// mapping every registered descriptor (client socket, backend socket and the
// exchange timer) to that id. Tearing an exchange down removes all of its
// descriptors before the arena slot is freed, so a late event can never reach
// a dead exchange. Per event, at most one read or one write burst runs; the
// interest set of both sockets is recomputed from the exchange state after
// every handler.
//
// Faults never leave the loop as errors. Each one either answers the client
// with a synthesized reply and closes, closes silently, marks the backend
// DOWN, or waits for the next readiness event.
package engine
