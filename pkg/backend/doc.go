// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend holds the Backend handle shared by all engines: status
// (UP, DOWN, DISABLED), weight, live and pending connection counts and
// rolling connect, response and transfer latencies.
//
// Status moves to DOWN only on a failed connect or TLS handshake, and back to
// UP only through a successful connect or maintenance check. Operators can
// also set it explicitly through the control plane.
package backend
