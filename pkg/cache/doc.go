// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache stores complete 200 responses in memory so that repeated GET
// and HEAD requests can be answered without a backend round trip.
//
// Entries hold the bytes exactly as they were written to the first client.
// A HEAD request is answered with the header block of the stored GET
// response. Requests carrying "Cache-Control: only-if-cached" that miss are
// answered with 504 by the engine.
package cache
