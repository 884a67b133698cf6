// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/absmach/l7proxy/pkg/backend"
	"github.com/absmach/l7proxy/pkg/control"
	"github.com/absmach/l7proxy/pkg/parser"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
	"github.com/absmach/l7proxy/pkg/session"
)

const servicesYAML = `
cache:
  max_size: 1048576
  default_ttl: 30s
services:
  - name: api
    host: "^api\\.local$"
    url: "^/v1/"
    session: {type: ip, ttl: 10s}
    cache: true
    backends:
      - {name: a, address: 127.0.0.1, port: 9001, weight: 2}
      - {name: b, address: 127.0.0.1, port: 9002}
    emergency: {address: 127.0.0.1, port: 9009}
  - name: web
    session: {type: cookie, id: SID}
    backend_cookie: {name: BE}
    backends:
      - {name: w1, address: 127.0.0.1, port: 9101, key: one}
      - {name: w2, address: 127.0.0.1, port: 9102, key: two}
  - name: moved
    url: "^/old"
    backends:
      - {redirect: "https://new.example.com", redirect_code: 301}
`

func request(t *testing.T, raw string) *phttp.Request {
	t.Helper()
	var req phttp.Request
	if res, _ := req.Parse([]byte(raw)); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	return &req
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	f, err := Parse([]byte(servicesYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	m, err := NewManager(f, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestParse_Defaults(t *testing.T) {
	f, err := Parse([]byte(servicesYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	api := f.Services[0]
	if api.Session.TTL != 10*time.Second || api.Emergency.Name != "api-emergency" {
		t.Errorf("api defaults = %+v", api)
	}
	web := f.Services[1]
	if web.Session.TTL != DefaultSessionTTL || web.BackendCookie.Path != "/" {
		t.Errorf("web defaults = %+v", web)
	}
	if f.Cache.DefaultTTL != 30*time.Second {
		t.Errorf("cache ttl = %v", f.Cache.DefaultTTL)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{name: "no services", yaml: "services: []", field: "services"},
		{name: "bad regexp", yaml: "services: [{name: a, host: '(', backends: [{address: h, port: 1}]}]", field: "services[0].host"},
		{name: "no backends", yaml: "services: [{name: a}]", field: "services[0].backends"},
		{name: "bad port", yaml: "services: [{name: a, backends: [{address: h, port: 70000}]}]", field: "services[0].backends[0]"},
		{name: "bad session", yaml: "services: [{name: a, session: {type: ssl}, backends: [{address: h, port: 1}]}]", field: "services[0].session.type"},
		{name: "duplicate", yaml: "services: [{name: a, backends: [{address: h, port: 1}]}, {name: a, backends: [{address: h, port: 1}]}]", field: "services[1].name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Parse() error = %v, want ValidationError", err)
			}
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not name %s", verr.Errors, tc.field)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	if err := os.WriteFile(path, []byte(servicesYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.Services) != 3 || m.Cache == nil || len(m.Backends()) != 6 {
		t.Fatalf("Load() = %d services, %d backends, cache %v", len(m.Services), len(m.Backends()), m.Cache != nil)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestManager_Select(t *testing.T) {
	m := newManager(t)
	cases := []struct {
		raw  string
		want string
	}{
		{"GET /v1/users HTTP/1.1\r\nHost: api.local:8080\r\n\r\n", "api"},
		{"GET /v2/users HTTP/1.1\r\nHost: api.local\r\n\r\n", "web"},
		{"GET /v1/users HTTP/1.1\r\nHost: other\r\n\r\n", "web"},
	}
	for _, tc := range cases {
		if s := m.Select(request(t, tc.raw)); s == nil || s.Name != tc.want {
			t.Errorf("Select(%q) = %v, want %s", tc.raw, s, tc.want)
		}
	}

	m.Get("web").SetDisabled(true)
	if s := m.Select(request(t, "GET /x HTTP/1.1\r\nHost: h\r\n\r\n")); s != nil {
		t.Errorf("Select() with disabled service = %s, want nil", s.Name)
	}
	if s := m.Select(request(t, "GET /old/page HTTP/1.1\r\nHost: h\r\n\r\n")); s == nil || !s.Backends[0].IsRedirect() {
		t.Error("redirect service not selected")
	}
}

func TestService_WeightedRoundRobin(t *testing.T) {
	m := newManager(t)
	api := m.Get("api")
	api.SessionType = session.TypeNone

	req := request(t, "GET /v1/ HTTP/1.1\r\nHost: api.local\r\n\r\n")
	var seq []string
	for i := 0; i < 6; i++ {
		seq = append(seq, api.Pick(req, "10.0.0.1").Name)
	}
	if got := strings.Join(seq, ","); got != "a,b,a,a,b,a" {
		t.Errorf("pick sequence = %s, want a,b,a,a,b,a", got)
	}

	api.Backends[0].MarkDown(nil)
	if b := api.Pick(req, "10.0.0.1"); b.Name != "b" {
		t.Errorf("Pick() with a down = %s, want b", b.Name)
	}
	api.Backends[1].SetStatus(backend.StatusDisabled)
	if b := api.Pick(req, "10.0.0.1"); b == nil || !b.Emergency {
		t.Errorf("Pick() with all down = %v, want emergency", b)
	}
	api.Emergency.MarkDown(nil)
	if b := api.Pick(req, "10.0.0.1"); b != nil {
		t.Errorf("Pick() with nothing available = %s, want nil", b.Name)
	}
	if api.Available() {
		t.Error("Available() = true with every backend down")
	}
}

func TestService_SessionAffinity(t *testing.T) {
	m := newManager(t)
	api := m.Get("api")
	req := request(t, "GET /v1/ HTTP/1.1\r\nHost: api.local\r\n\r\n")

	first := api.Pick(req, "10.0.0.1")
	for i := 0; i < 5; i++ {
		if b := api.Pick(req, "10.0.0.1"); b != first {
			t.Fatalf("Pick() = %s, want sticky %s", b.Name, first.Name)
		}
	}

	first.MarkDown(nil)
	moved := api.Pick(req, "10.0.0.1")
	if moved == first {
		t.Fatal("session stuck to a down backend")
	}
	if b := api.Sessions.Get("10.0.0.1"); b != moved {
		t.Errorf("session not reassigned to %s", moved.Name)
	}
}

func TestService_Cookies(t *testing.T) {
	m := newManager(t)
	web := m.Get("web")

	req := request(t, "GET / HTTP/1.1\r\nHost: h\r\nCookie: BE=two\r\n\r\n")
	for i := 0; i < 3; i++ {
		if b := web.Pick(req, "10.0.0.1"); b.Name != "w2" {
			t.Fatalf("Pick() with backend cookie = %s, want w2", b.Name)
		}
	}

	resp := phttp.Response{RequestMethod: "GET"}
	if res, _ := resp.Parse([]byte("HTTP/1.1 200 OK\r\nSet-Cookie: SID=abc; Path=/\r\nContent-Length: 0\r\n\r\n")); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	w1 := web.Backends[0]
	web.Learn(&resp, w1)
	if b := web.Sessions.Get("abc"); b != w1 {
		t.Errorf("learned session = %v, want w1", b)
	}
	if b := web.Pick(request(t, "GET / HTTP/1.1\r\nCookie: SID=abc\r\n\r\n"), "10.0.0.2"); b != w1 {
		t.Errorf("Pick() by session cookie = %v, want w1", b)
	}

	web.SetBackendCookie(&resp, w1)
	if got := resp.Values("Set-Cookie"); len(got) != 2 || got[1] != "BE=one; Path=/" {
		t.Errorf("Set-Cookie = %q", got)
	}
}

func TestManager_Control(t *testing.T) {
	m := newManager(t)
	r := control.NewRegistry(nil)
	m.RegisterControl(r)
	ctx := context.Background()

	res, err := r.Dispatch(ctx, control.Task{Command: control.Get, Target: control.TargetService, Subject: control.SubjectStats, ID: "api"})
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	stats := res.([]Stats)
	if len(stats) != 1 || len(stats[0].Backends) != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	_, err = r.Dispatch(ctx, control.Task{Command: control.Update, Target: control.TargetService, Subject: control.SubjectStatus, ID: "api", Payload: json.RawMessage(`{"status":"disabled"}`)})
	if err != nil || !m.Get("api").Disabled() {
		t.Fatalf("UPDATE status: %v, disabled %v", err, m.Get("api").Disabled())
	}

	_, err = r.Dispatch(ctx, control.Task{Command: control.Get, Target: control.TargetService, Subject: control.SubjectStats, ID: "nope"})
	if err == nil {
		t.Error("GET stats of unknown service succeeded")
	}

	res, err = r.Dispatch(ctx, control.Task{Command: control.Get, Target: control.TargetBackend, Subject: control.SubjectStatus, ID: "w2"})
	if err != nil || res.(map[string]any)["status"] != "up" {
		t.Errorf("GET backend status = %v, %v", res, err)
	}
}
