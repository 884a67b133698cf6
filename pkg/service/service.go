// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/absmach/l7proxy/pkg/backend"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
	"github.com/absmach/l7proxy/pkg/session"
)

// Service routes matching requests to one of its backends.
type Service struct {
	Name          string
	SessionType   session.Type
	SessionID     string
	Sessions      *session.Store
	BackendCookie *CookieConfig
	Pinned        bool
	Compression   bool
	Cache         bool
	STS           int
	Backends      []*backend.Backend
	Emergency     *backend.Backend

	host     *regexp.Regexp
	url      *regexp.Regexp
	disabled atomic.Bool

	mu      sync.Mutex
	current []int
}

// New builds a service from a validated config. Backend IDs are assigned
// from nextID, which is advanced past the ones used.
func New(cfg Config, nextID *int, logger *slog.Logger) (*Service, error) {
	st, err := session.ParseType(cfg.Session.Type)
	if err != nil {
		return nil, err
	}
	s := &Service{
		Name:          cfg.Name,
		SessionType:   st,
		SessionID:     cfg.Session.ID,
		Sessions:      session.NewStore(cfg.Session.TTL),
		BackendCookie: cfg.BackendCookie,
		Pinned:        cfg.PinnedConnection,
		Compression:   cfg.Compression,
		Cache:         cfg.Cache,
		STS:           cfg.STS,
	}
	s.disabled.Store(cfg.Disabled)
	if cfg.Host != "" {
		if s.host, err = regexp.Compile(cfg.Host); err != nil {
			return nil, fmt.Errorf("failed to compile host pattern of %q: %w", cfg.Name, err)
		}
	}
	if cfg.URL != "" {
		if s.url, err = regexp.Compile(cfg.URL); err != nil {
			return nil, fmt.Errorf("failed to compile url pattern of %q: %w", cfg.Name, err)
		}
	}
	for _, bc := range cfg.Backends {
		b, err := backend.New(*nextID, cfg.Name, bc, logger)
		if err != nil {
			return nil, err
		}
		*nextID++
		s.Backends = append(s.Backends, b)
	}
	if cfg.Emergency != nil {
		b, err := backend.New(*nextID, cfg.Name, *cfg.Emergency, logger)
		if err != nil {
			return nil, err
		}
		*nextID++
		b.Emergency = true
		s.Emergency = b
	}
	s.current = make([]int, len(s.Backends))
	return s, nil
}

// Disabled reports whether the service is excluded from routing.
func (s *Service) Disabled() bool {
	return s.disabled.Load()
}

// SetDisabled excludes or restores the service.
func (s *Service) SetDisabled(v bool) {
	s.disabled.Store(v)
}

// Match reports whether req is routed to this service.
func (s *Service) Match(req *phttp.Request) bool {
	if s.Disabled() {
		return false
	}
	if s.host != nil {
		host := req.Host()
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
		if !s.host.MatchString(host) {
			return false
		}
	}
	if s.url != nil && !s.url.MatchString(req.Target) {
		return false
	}
	return true
}

// SessionKey returns the affinity key of req, or "" when the service has no
// session affinity or the request carries none.
func (s *Service) SessionKey(req *phttp.Request, clientIP string) string {
	return session.Key(s.SessionType, s.SessionID, req, clientIP)
}

// Pick selects the backend for req. Order of preference: the backend named by
// the affinity cookie, the session assignment, weighted round robin over
// available backends, then the emergency backend. It returns nil when none
// is available.
func (s *Service) Pick(req *phttp.Request, clientIP string) *backend.Backend {
	if c := s.BackendCookie; c != nil {
		if v, ok := req.Cookie(c.Name); ok {
			for _, b := range s.Backends {
				if b.Key == v && b.Available() {
					return b
				}
			}
		}
	}

	key := s.SessionKey(req, clientIP)
	if key != "" {
		if b := s.Sessions.Get(key); b != nil {
			if b.Available() {
				return b
			}
			s.Sessions.Delete(key)
		}
	}

	b := s.next()
	if b == nil && s.Emergency != nil && s.Emergency.Available() {
		b = s.Emergency
	}
	if b != nil && key != "" {
		s.Sessions.Set(key, b)
	}
	return b
}

// next runs smooth weighted round robin over available backends.
func (s *Service) next() *backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	best, total := -1, 0
	for i, b := range s.Backends {
		w := b.Weight()
		if w <= 0 || !b.Available() {
			continue
		}
		s.current[i] += w
		total += w
		if best < 0 || s.current[i] > s.current[best] {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	s.current[best] -= total
	return s.Backends[best]
}

// Learn records the session key a backend assigned in its response, for
// cookie and header affinity where the first request carries no key.
func (s *Service) Learn(resp *phttp.Response, b *backend.Backend) {
	switch s.SessionType {
	case session.TypeCookie:
		for _, v := range resp.Values("Set-Cookie") {
			kv, _, _ := strings.Cut(v, ";")
			name, val, ok := strings.Cut(strings.TrimSpace(kv), "=")
			if ok && name == s.SessionID && val != "" {
				s.Sessions.Set(val, b)
			}
		}
	case session.TypeHeader:
		if v := resp.Get(s.SessionID); v != "" {
			s.Sessions.Set(v, b)
		}
	}
}

// SetBackendCookie adds the affinity cookie for b to resp.
func (s *Service) SetBackendCookie(resp *phttp.Response, b *backend.Backend) {
	c := s.BackendCookie
	if c == nil || b.Key == "" || b.Emergency {
		return
	}
	resp.SetCookie(c.Name, b.Key, c.Domain, c.Path, c.MaxAge)
}

// All returns the regular backends followed by the emergency one.
func (s *Service) All() []*backend.Backend {
	if s.Emergency == nil {
		return s.Backends
	}
	out := make([]*backend.Backend, 0, len(s.Backends)+1)
	out = append(out, s.Backends...)
	return append(out, s.Emergency)
}

// Available reports whether any backend can take traffic.
func (s *Service) Available() bool {
	for _, b := range s.All() {
		if b.Available() {
			return true
		}
	}
	return false
}

// DoMaintenance checks DOWN backends and drops expired sessions.
func (s *Service) DoMaintenance() {
	for _, b := range s.All() {
		b.DoMaintenance()
	}
	s.Sessions.Cleanup()
}

// Stats is a snapshot of a service.
type Stats struct {
	Name     string          `json:"name"`
	Disabled bool            `json:"disabled"`
	Session  string          `json:"session"`
	Sessions int             `json:"sessions"`
	Backends []backend.Stats `json:"backends"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		Name:     s.Name,
		Disabled: s.Disabled(),
		Session:  s.SessionType.String(),
		Sessions: s.Sessions.Len(),
	}
	for _, b := range s.All() {
		st.Backends = append(st.Backends, b.Stats())
	}
	return st
}
