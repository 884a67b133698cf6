// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/absmach/l7proxy/pkg/backend"
	"github.com/absmach/l7proxy/pkg/cache"
	"github.com/absmach/l7proxy/pkg/control"
	"github.com/absmach/l7proxy/pkg/errors"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
)

// Manager owns the services of a listener and the shared response cache.
type Manager struct {
	Services []*Service
	Cache    *cache.Cache

	logger *slog.Logger
}

// NewManager builds services from a validated services file.
func NewManager(f *File, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	id := 0
	useCache := false
	for _, sc := range f.Services {
		s, err := New(sc, &id, logger)
		if err != nil {
			return nil, err
		}
		useCache = useCache || s.Cache
		m.Services = append(m.Services, s)
	}
	if useCache {
		m.Cache = cache.New(f.Cache)
	}
	return m, nil
}

// Load reads a services file and builds its Manager.
func Load(path string, logger *slog.Logger) (*Manager, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewManager(f, logger)
}

// Select returns the first enabled service matching req.
func (m *Manager) Select(req *phttp.Request) *Service {
	for _, s := range m.Services {
		if s.Match(req) {
			return s
		}
	}
	return nil
}

// Get returns the named service.
func (m *Manager) Get(name string) *Service {
	for _, s := range m.Services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Backends returns every backend of every service.
func (m *Manager) Backends() []*backend.Backend {
	var out []*backend.Backend
	for _, s := range m.Services {
		out = append(out, s.All()...)
	}
	return out
}

// DoMaintenance checks DOWN backends, expires sessions and purges stale
// cache entries.
func (m *Manager) DoMaintenance() {
	for _, s := range m.Services {
		s.DoMaintenance()
	}
	if m.Cache != nil {
		if n := m.Cache.Purge(); n > 0 {
			m.logger.Debug("Purged stale cache entries", slog.Int("count", n))
		}
	}
}

// RegisterControl installs service and backend handlers.
func (m *Manager) RegisterControl(r *control.Registry) {
	for _, b := range m.Backends() {
		b.RegisterControl(r)
	}
	r.Register(control.TargetService, control.SubjectStats, m.handleStats)
	r.Register(control.TargetService, control.SubjectStatus, m.handleStatus)
	if m.Cache != nil {
		r.Register(control.TargetListener, control.SubjectStats, func(context.Context, control.Task) (any, error) {
			return map[string]any{"cache": m.Cache.Stats()}, nil
		})
	}
}

func (m *Manager) matching(id string) []*Service {
	if id == "" {
		return m.Services
	}
	if s := m.Get(id); s != nil {
		return []*Service{s}
	}
	return nil
}

func (m *Manager) handleStats(_ context.Context, t control.Task) (any, error) {
	svcs := m.matching(t.ID)
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: service %q", errors.ErrInvalidInput, t.ID)
	}
	out := make([]Stats, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, s.Stats())
	}
	return out, nil
}

func (m *Manager) handleStatus(_ context.Context, t control.Task) (any, error) {
	svcs := m.matching(t.ID)
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: service %q", errors.ErrInvalidInput, t.ID)
	}
	if t.Command == control.Update {
		var p struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
		}
		var disabled bool
		switch p.Status {
		case "up", "active", "enabled":
		case "disabled", "down":
			disabled = true
		default:
			return nil, fmt.Errorf("%w: service status %q", errors.ErrInvalidInput, p.Status)
		}
		for _, s := range svcs {
			s.SetDisabled(disabled)
			m.logger.Info("Service status changed", slog.String("service", s.Name), slog.Bool("disabled", disabled))
		}
	}
	out := make(map[string]string, len(svcs))
	for _, s := range svcs {
		out[s.Name] = "active"
		if s.Disabled() {
			out[s.Name] = "disabled"
		}
	}
	return out, nil
}
