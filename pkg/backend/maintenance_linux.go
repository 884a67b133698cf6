// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package backend

import (
	"log/slog"

	"github.com/absmach/l7proxy/pkg/conn"
)

// DoMaintenance checks a DOWN backend with a blocking connect bounded by its
// connect timeout. A successful connect brings it back UP; any other outcome
// leaves it DOWN.
func (b *Backend) DoMaintenance() {
	if b.Addr == nil || b.Status() != StatusDown {
		return
	}
	c, res, err := conn.Connect(b.Addr, b.ConnectTimeout, false)
	if c != nil {
		c.Close()
	}
	if res != conn.OpSuccess {
		attrs := []any{slog.String("backend", b.String())}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		b.logger.Debug("Backend health check failed", attrs...)
		return
	}
	b.MarkUp()
}
