// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package control implements the runtime administration plane.
//
// A Task names a command (GET, UPDATE, EXIT), a target kind (listener,
// service, backend, engine), a subject (status, weight, stats, ...) and an
// optional instance ID. Components register handlers for the (target,
// subject) pairs they own; the Registry routes each task to them. The
// registry is constructed once at startup and injected where needed.
//
//	curl -XPOST localhost:9090/control \
//	  -d '{"command":"UPDATE","target":"backend","subject":"status","id":"web-1","payload":{"status":"down"}}'
package control
