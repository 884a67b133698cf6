// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/l7proxy/pkg/control"
	perrors "github.com/absmach/l7proxy/pkg/errors"
)

func TestNew(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		err   error
		check func(t *testing.T, b *Backend)
	}{
		{
			name: "defaults",
			cfg:  Config{Address: "127.0.0.1", Port: 8080},
			check: func(t *testing.T, b *Backend) {
				if b.Weight() != 1 || b.ConnectTimeout != defaultConnectTimeout || b.ResponseTimeout != defaultResponseTimeout {
					t.Errorf("defaults not applied: weight %d, timeouts %v/%v", b.Weight(), b.ConnectTimeout, b.ResponseTimeout)
				}
				if b.Status() != StatusUp || b.IsHTTPS() || b.IsRedirect() {
					t.Errorf("status %v https %v redirect %v", b.Status(), b.IsHTTPS(), b.IsRedirect())
				}
				if b.Key != "web-0" {
					t.Errorf("Key = %q, want web-0", b.Key)
				}
			},
		},
		{
			name: "https",
			cfg:  Config{Address: "127.0.0.1", Port: 8443, HTTPS: true, ServerName: "api.local"},
			check: func(t *testing.T, b *Backend) {
				if !b.IsHTTPS() || b.TLS.ServerName != "api.local" {
					t.Errorf("TLS config = %+v", b.TLS)
				}
			},
		},
		{
			name: "redirect",
			cfg:  Config{Redirect: "https://example.com"},
			check: func(t *testing.T, b *Backend) {
				if !b.IsRedirect() || b.RedirectCode != 302 || b.Addr != nil {
					t.Errorf("redirect backend = %+v", b)
				}
			},
		},
		{name: "bad redirect code", cfg: Config{Redirect: "https://example.com", RedirectCode: 200}, err: perrors.ErrInvalidInput},
		{name: "missing port", cfg: Config{Address: "127.0.0.1"}, err: perrors.ErrInvalidInput},
		{
			name: "disabled",
			cfg:  Config{Address: "127.0.0.1", Port: 80, Disabled: true},
			check: func(t *testing.T, b *Backend) {
				if b.Available() {
					t.Error("disabled backend is available")
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := New(0, "web", tc.cfg, nil)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("New() error = %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			tc.check(t, b)
		})
	}
}

func TestBackend_StatusTransitions(t *testing.T) {
	b, err := New(1, "web", Config{Address: "127.0.0.1", Port: 80}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b.MarkUp()
	if b.Status() != StatusUp {
		t.Fatalf("MarkUp() on UP changed status to %v", b.Status())
	}
	b.MarkDown(errors.New("connection refused"))
	if b.Status() != StatusDown || b.Available() {
		t.Fatalf("Status() = %v after MarkDown", b.Status())
	}
	b.MarkUp()
	if b.Status() != StatusUp {
		t.Fatalf("Status() = %v after MarkUp", b.Status())
	}

	b.SetStatus(StatusDisabled)
	b.MarkDown(nil)
	b.MarkUp()
	if b.Status() != StatusDisabled {
		t.Fatalf("disabled backend changed to %v", b.Status())
	}
}

func TestBackend_Counters(t *testing.T) {
	b, err := New(1, "web", Config{Address: "127.0.0.1", Port: 80}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.IncPending()
			b.IncConnections()
			b.DecPending()
		}()
	}
	wg.Wait()
	if b.Connections() != 50 || b.Pending() != 0 {
		t.Fatalf("Connections() = %d, Pending() = %d", b.Connections(), b.Pending())
	}
	for i := 0; i < 60; i++ {
		b.DecConnections()
	}
	if b.Connections() != 0 {
		t.Errorf("Connections() = %d, want floor at 0", b.Connections())
	}
	if b.Stats().Requests != 50 {
		t.Errorf("Requests = %d, want 50", b.Stats().Requests)
	}
}

func TestBackend_Averages(t *testing.T) {
	b, err := New(1, "web", Config{Address: "127.0.0.1", Port: 80}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b.ObserveConnect(10 * time.Millisecond)
	b.ObserveConnect(20 * time.Millisecond)
	b.ObserveResponse(100 * time.Millisecond)

	st := b.Stats()
	if st.ConnectTime < 12.99 || st.ConnectTime > 13.01 {
		t.Errorf("ConnectTime = %v, want 13", st.ConnectTime)
	}
	if st.ResponseTime != 100 {
		t.Errorf("ResponseTime = %v, want 100", st.ResponseTime)
	}
}

func TestBackend_DoMaintenance(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	b, err := New(1, "web", Config{Address: "127.0.0.1", Port: addr.Port, ConnectTimeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b.MarkDown(nil)
	b.DoMaintenance()
	if b.Status() != StatusUp {
		t.Fatalf("Status() = %v after successful check, want up", b.Status())
	}

	ln.Close()
	b.MarkDown(nil)
	b.DoMaintenance()
	if b.Status() != StatusDown {
		t.Fatalf("Status() = %v after failed check, want down", b.Status())
	}

	b.SetStatus(StatusDisabled)
	b.DoMaintenance()
	if b.Status() != StatusDisabled {
		t.Fatalf("maintenance touched a disabled backend: %v", b.Status())
	}
}

func TestBackend_Control(t *testing.T) {
	r := control.NewRegistry(nil)
	a, _ := New(1, "web", Config{Name: "a", Address: "127.0.0.1", Port: 80}, nil)
	b, _ := New(2, "web", Config{Name: "b", Address: "127.0.0.1", Port: 81}, nil)
	a.RegisterControl(r)
	b.RegisterControl(r)
	ctx := context.Background()

	_, err := r.Dispatch(ctx, control.Task{
		Command: control.Update, Target: control.TargetBackend, Subject: control.SubjectStatus,
		ID: "b", Payload: json.RawMessage(`{"status":"disabled"}`),
	})
	if err != nil {
		t.Fatalf("UPDATE status failed: %v", err)
	}
	if a.Status() != StatusUp || b.Status() != StatusDisabled {
		t.Fatalf("statuses = %v, %v", a.Status(), b.Status())
	}

	_, err = r.Dispatch(ctx, control.Task{
		Command: control.Update, Target: control.TargetBackend, Subject: control.SubjectWeight,
		ID: "1", Payload: json.RawMessage(`{"weight":5}`),
	})
	if err != nil || a.Weight() != 5 || b.Weight() != 1 {
		t.Fatalf("UPDATE weight: err %v, weights %d, %d", err, a.Weight(), b.Weight())
	}

	_, err = r.Dispatch(ctx, control.Task{
		Command: control.Update, Target: control.TargetBackend, Subject: control.SubjectStatus,
		ID: "a", Payload: json.RawMessage(`{"status":"sideways"}`),
	})
	if !errors.Is(err, perrors.ErrInvalidInput) {
		t.Fatalf("UPDATE bad status error = %v", err)
	}

	res, err := r.Dispatch(ctx, control.Task{Command: control.Get, Target: control.TargetBackend, Subject: control.SubjectStats})
	if err != nil {
		t.Fatalf("GET stats failed: %v", err)
	}
	if list, ok := res.([]any); !ok || len(list) != 2 {
		t.Fatalf("GET stats = %#v, want two snapshots", res)
	}
}
