// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session keeps client-to-backend affinity for services that need
// sticky routing.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/absmach/l7proxy/pkg/backend"
	"github.com/absmach/l7proxy/pkg/errors"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
)

// Type selects what part of a request identifies a session.
type Type int

const (
	TypeNone Type = iota
	TypeIP
	TypeCookie
	TypeURL
	TypeHeader
	TypeBasic
)

func (t Type) String() string {
	switch t {
	case TypeIP:
		return "ip"
	case TypeCookie:
		return "cookie"
	case TypeURL:
		return "url"
	case TypeHeader:
		return "header"
	case TypeBasic:
		return "basic"
	default:
		return "none"
	}
}

// ParseType maps a services-file name to a Type. The empty string is TypeNone.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return TypeNone, nil
	case "ip":
		return TypeIP, nil
	case "cookie":
		return TypeCookie, nil
	case "url", "param":
		return TypeURL, nil
	case "header":
		return TypeHeader, nil
	case "basic":
		return TypeBasic, nil
	}
	return TypeNone, fmt.Errorf("%w: session type %q", errors.ErrInvalidInput, s)
}

// Key extracts the session key of req. id names the cookie, query parameter
// or header the type reads. The empty string means the request carries no
// key.
func Key(t Type, id string, req *phttp.Request, clientIP string) string {
	switch t {
	case TypeIP:
		return clientIP
	case TypeCookie:
		v, _ := req.Cookie(id)
		return v
	case TypeURL:
		v, _ := req.QueryParam(id)
		return v
	case TypeHeader:
		return req.Get(id)
	case TypeBasic:
		v, _ := req.BasicUser()
		return v
	}
	return ""
}

type entry struct {
	backend  *backend.Backend
	lastSeen time.Time
}

// Store maps session keys to backends. Entries idle for longer than the TTL
// are dropped on lookup and by Cleanup. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*entry
	now     func() time.Time
}

// NewStore creates a store whose entries expire after ttl of inactivity.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Get returns the backend assigned to key, refreshing its idle timer.
func (s *Store) Get(key string) *backend.Backend {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	now := s.now()
	if s.expired(e, now) {
		delete(s.entries, key)
		return nil
	}
	e.lastSeen = now
	return e.backend
}

// Set assigns key to b.
func (s *Store) Set(key string, b *backend.Backend) {
	if key == "" || b == nil {
		return
	}
	s.mu.Lock()
	s.entries[key] = &entry{backend: b, lastSeen: s.now()}
	s.mu.Unlock()
}

// Delete drops the assignment of key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// DeleteBackend drops every assignment to b.
func (s *Store) DeleteBackend(b *backend.Backend) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.backend == b {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Cleanup removes expired entries and returns how many were dropped.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.lastSeen) > s.ttl
}
