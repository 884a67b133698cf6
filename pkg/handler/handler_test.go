// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/l7proxy/pkg/parser"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
)

func TestNoopHandler(t *testing.T) {
	handler := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		ExchangeID: "test-exchange",
		Listener:   "web",
		RemoteAddr: "127.0.0.1:1234",
		Protocol:   "http",
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{
			name: "AuthConnect",
			fn:   func() error { return handler.AuthConnect(ctx, hctx) },
		},
		{
			name: "OnRequest",
			fn:   func() error { return handler.OnRequest(ctx, hctx, &phttp.Request{}) },
		},
		{
			name: "OnResponse",
			fn:   func() error { return handler.OnResponse(ctx, hctx, &phttp.Response{}) },
		},
		{
			name: "OnDisconnect",
			fn:   func() error { return handler.OnDisconnect(ctx, hctx) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("%s() returned error: %v", tt.name, err)
			}
		})
	}
}

// headerGate rejects requests without a tenant header and strips it.
type headerGate struct {
	requests int
}

func (g *headerGate) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (g *headerGate) OnRequest(ctx context.Context, hctx *Context, req *phttp.Request) error {
	g.requests++
	if req.Get("X-Tenant") == "" {
		return errors.New("missing tenant")
	}
	req.Remove("X-Tenant")
	return nil
}

func (g *headerGate) OnResponse(ctx context.Context, hctx *Context, resp *phttp.Response) error {
	return nil
}

func (g *headerGate) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

func TestHandler_RewritesRequest(t *testing.T) {
	var h Handler = &headerGate{}
	ctx := context.Background()
	hctx := &Context{ExchangeID: "x"}

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    string
	}{
		{
			name: "tenant stripped",
			raw:  "GET / HTTP/1.1\r\nHost: a\r\nX-Tenant: t1\r\n\r\n",
			want: "GET / HTTP/1.1\r\nHost: a\r\n\r\n",
		},
		{
			name:    "rejected",
			raw:     "GET / HTTP/1.1\r\nHost: a\r\n\r\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req phttp.Request
			if res, _ := req.Parse([]byte(tt.raw)); res != parser.Success {
				t.Fatalf("Parse() = %v", res)
			}
			err := h.OnRequest(ctx, hctx, &req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("OnRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := string(req.Serialize(nil)[0]); got != tt.want {
				t.Errorf("serialized = %q, want %q", got, tt.want)
			}
		})
	}
	if g := h.(*headerGate); g.requests != 2 {
		t.Errorf("requests = %d, want 2", g.requests)
	}
}
