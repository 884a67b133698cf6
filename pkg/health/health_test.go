// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type flag bool

func (f *flag) Available() bool { return bool(*f) }

func TestChecker_Health(t *testing.T) {
	up, down := flag(true), flag(false)

	cases := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
		ready  int
		health int
	}{
		{
			name:   "no checks",
			checks: nil,
			want:   StatusHealthy,
			ready:  http.StatusOK,
			health: http.StatusOK,
		},
		{
			name:   "all up",
			checks: map[string]CheckFunc{"web": Available("web", &up), "api": Available("api", &up)},
			want:   StatusHealthy,
			ready:  http.StatusOK,
			health: http.StatusOK,
		},
		{
			name:   "one down",
			checks: map[string]CheckFunc{"web": Available("web", &up), "api": Available("api", &down)},
			want:   StatusDegraded,
			ready:  http.StatusServiceUnavailable,
			health: http.StatusOK,
		},
		{
			name: "all down",
			checks: map[string]CheckFunc{
				"api": Available("api", &down),
				"db":  func(context.Context) error { return errors.New("unreachable") },
			},
			want:   StatusUnhealthy,
			ready:  http.StatusServiceUnavailable,
			health: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			for name, fn := range tc.checks {
				c.Register(name, fn)
			}

			status, checks := c.Health(context.Background())
			if status != tc.want {
				t.Errorf("Health() = %v, want %v", status, tc.want)
			}
			if len(checks) != len(tc.checks) {
				t.Errorf("got %d checks, want %d", len(checks), len(tc.checks))
			}

			rec := httptest.NewRecorder()
			c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tc.ready {
				t.Errorf("readiness code = %d, want %d", rec.Code, tc.ready)
			}

			rec = httptest.NewRecorder()
			c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tc.health {
				t.Errorf("health code = %d, want %d", rec.Code, tc.health)
			}
			var body struct {
				Status Status  `json:"status"`
				Checks []Check `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body.Status != tc.want {
				t.Errorf("body status = %v, want %v", body.Status, tc.want)
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	calls := 0
	now := time.Unix(1000, 0)
	c := NewChecker(10 * time.Second)
	c.now = func() time.Time { return now }
	c.Register("count", func(context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("calls within ttl = %d, want 1", calls)
	}

	now = now.Add(11 * time.Second)
	c.Health(context.Background())
	if calls != 2 {
		t.Errorf("calls after ttl = %d, want 2", calls)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
