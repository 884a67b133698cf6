// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	phttp "github.com/absmach/l7proxy/pkg/parser/http"
)

// Context carries exchange metadata across Handler calls. The engine fills
// Service and Backend once routing has happened.
type Context struct {
	// ExchangeID identifies the client connection.
	ExchangeID string

	// Listener is the name of the accepting listener.
	Listener string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Protocol is "http" or "https".
	Protocol string

	// ServerName is the SNI the client requested.
	ServerName string

	// Cert is the client's TLS certificate (if using mTLS).
	Cert *x509.Certificate

	// Username is taken from Basic authorization when present.
	Username string

	Service string
	Backend string
}

// Handler receives exchange lifecycle callbacks from the engine. All calls
// for one exchange come from the engine thread that owns it and must not
// block.
//
// AuthConnect and OnRequest gate traffic: a non-nil error closes the
// connection or rejects the request with 403. OnResponse and OnDisconnect are
// notifications; their errors are logged.
type Handler interface {
	// AuthConnect authorizes a new client connection, after the TLS
	// handshake on HTTPS listeners.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnRequest is called for each complete request header block before
	// routing. Header fields may be added or removed through req.
	OnRequest(ctx context.Context, hctx *Context, req *phttp.Request) error

	// OnResponse is called for each response header block before it is
	// forwarded to the client.
	OnResponse(ctx context.Context, hctx *Context, resp *phttp.Response) error

	// OnDisconnect is called once when the exchange is torn down.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler allows everything.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnRequest(ctx context.Context, hctx *Context, req *phttp.Request) error {
	return nil
}

func (h *NoopHandler) OnResponse(ctx context.Context, hctx *Context, resp *phttp.Response) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
