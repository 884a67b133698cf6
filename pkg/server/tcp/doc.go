// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the listener that feeds the stream engines.
//
// # Overview
//
// The server owns the listening socket and never touches connection data.
// It accepts on its own OS thread and hands every socket to one of the
// engines, which do all of the HTTP work.
//
// # Architecture
//
//	┌─────────┐         ┌──────────┐  AddStream  ┌──────────┐         ┌─────────┐
//	│ Clients │ ──TCP─→ │ Listener │ ──────────→ │ Engine N │ ←─TCP─→ │ Backend │
//	└─────────┘         └──────────┘ round robin └──────────┘         └─────────┘
//	                         │
//	                    ┌─────────┐
//	                    │  cron   │ maintenance tasks
//	                    └─────────┘
//
// # Connection Flow
//
//  1. poll(2) reports the listening socket readable
//  2. Every pending connection is accepted as a non-blocking descriptor
//  3. The descriptor goes to engine next % N, which owns it from then on
//
// # Maintenance
//
// Tasks passed to New run every MaintenanceInterval on a cron schedule
// ("@every <interval>"). The binary uses them to check DOWN backends, expire
// sessions, purge the cache and refresh backend gauges.
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. The accept loop exits and the listening socket is closed
//  2. The maintenance schedule is stopped
//  3. The server waits for live exchanges, up to ShutdownTimeout
//  4. The engines are stopped, tearing down whatever is left
//  5. ErrShutdownTimeout is returned if exchanges had to be cut
//
// # Example
//
//	e, _ := engine.New(engine.Config{Name: "web", Services: manager})
//	srv := tcp.New(tcp.Config{Address: ":8080"}, []tcp.Engine{e}, manager.DoMaintenance)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
