// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that let applications observe and gate
// proxied HTTP exchanges.
//
// # Data Flow
//
//	Client → Engine (parse request) → Handler.OnRequest → Service → Backend
//	Backend → Engine (parse response) → Handler.OnResponse → Client
//
// # Handler Methods
//
// Gate methods are called before traffic is forwarded:
//   - AuthConnect: accepts or refuses a new client connection
//   - OnRequest: accepts, rewrites or refuses a request (403)
//
// Notification methods:
//   - OnResponse: a response header block is about to be forwarded
//   - OnDisconnect: the exchange is gone
//
// Callbacks run on the engine's event loop thread. Anything slow must be
// handed off to another goroutine.
//
// # Example
//
//	type TenantHandler struct{ allowed map[string]bool }
//
//	func (h *TenantHandler) OnRequest(ctx context.Context, hctx *handler.Context, req *http.Request) error {
//		if !h.allowed[req.Get("X-Tenant")] {
//			return errors.New("unknown tenant")
//		}
//		req.Remove("X-Tenant")
//		return nil
//	}
package handler
