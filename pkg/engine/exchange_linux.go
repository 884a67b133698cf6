// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package engine

import (
	"time"

	"github.com/absmach/l7proxy/pkg/backend"
	"github.com/absmach/l7proxy/pkg/cache"
	"github.com/absmach/l7proxy/pkg/conn"
	"github.com/absmach/l7proxy/pkg/handler"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
	"github.com/absmach/l7proxy/pkg/service"
	"github.com/absmach/l7proxy/pkg/timer"
	"github.com/absmach/l7proxy/pkg/tlssession"
)

type timerKind int

const (
	timerNone timerKind = iota
	timerConnect
	timerRequest
	timerResponse
)

func (k timerKind) String() string {
	switch k {
	case timerConnect:
		return "connect"
	case timerRequest:
		return "request"
	case timerResponse:
		return "response"
	default:
		return "none"
	}
}

// endpoint is one side of an exchange: a socket with its buffer and, on TLS
// connections, the session that encrypts it.
type endpoint struct {
	c       *conn.Conn
	tls     *tlssession.Session
	eof     bool
	watched bool
}

func (p *endpoint) open() bool {
	return p.c != nil && p.c.Fd() >= 0
}

func (p *endpoint) handshaking() bool {
	return p.tls != nil && p.tls.Status() != tlssession.StatusHandshakeDone
}

func (p *endpoint) read() conn.Result {
	if p.tls != nil {
		return p.tls.Read(p.c)
	}
	return p.c.Read()
}

func (p *endpoint) write(b []byte) (int, conn.Result) {
	if p.tls != nil {
		return p.tls.Write(b)
	}
	return p.c.Send(b)
}

// writev sends the pending part of v, resuming from its cursor.
func (p *endpoint) writev(v *conn.IOVec) (int, conn.Result) {
	if p.tls == nil {
		return p.c.WriteVectored(v)
	}
	sent := 0
	for !v.Done() {
		seg := v.Pending()[0]
		n, res := p.tls.Write(seg)
		v.Advance(n)
		sent += n
		if res != conn.Success || n < len(seg) {
			if res == conn.TryAgain && sent > 0 {
				return sent, conn.Success
			}
			return sent, res
		}
	}
	return sent, conn.Success
}

func (p *endpoint) pendingWrite() bool {
	return p.tls != nil && p.tls.PendingWrite()
}

func (p *endpoint) flush() conn.Result {
	if p.tls == nil {
		return conn.Success
	}
	return p.tls.Flush()
}

// buffered reports decrypted bytes that no readiness event will announce.
func (p *endpoint) buffered() bool {
	return p.tls != nil && p.tls.Connected() && p.tls.Buffered()
}

func (p *endpoint) err() error {
	if p.tls != nil && p.tls.Err() != nil {
		return p.tls.Err()
	}
	if p.c != nil {
		return p.c.Err()
	}
	return nil
}

// pending is the number of bytes held for the opposite side.
func (p *endpoint) pending() int {
	if p.c == nil {
		return 0
	}
	return p.c.Len() + p.c.PipeLen()
}

// Exchange is one client connection and the backend connection serving it.
// It lives on a single engine thread and is never shared.
type Exchange struct {
	key     uint64
	id      string
	created time.Time

	client  endpoint
	backend endpoint

	svc *service.Service
	be  *backend.Backend

	req  phttp.Request
	resp phttp.Response

	timer     *timer.Timer
	timerKind timerKind
	timerOn   bool

	hctx handler.Context

	// up holds the serialized request head plus the body prefix taken from
	// the front of the client buffer; upBody is that prefix length.
	up     *conn.IOVec
	upBody int

	// out holds bytes for the client: a response head with its body prefix
	// from the backend buffer, a synthesized reply or a cached response.
	out        *conn.IOVec
	outBody    int
	reply      bool
	closeAfter bool

	// counted is set while the backend connection counter includes this
	// exchange; pendingCounted likewise for the pending-connect counter.
	counted        bool
	pendingCounted bool
	connecting     bool

	// reused is set when the request went out on a kept-alive backend
	// connection; answered once that connection sent anything back.
	reused   bool
	answered bool

	awaiting bool
	interim  bool
	upgrade  bool
	pinned   bool
	gzipWait bool
	splicing bool

	builder  *cache.Builder
	cacheKey string
	sentAt   time.Time
	respAt   time.Time

	dead bool
}

// ID returns the exchange identifier used in logs and handler contexts.
func (ex *Exchange) ID() string {
	return ex.id
}
