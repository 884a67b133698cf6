// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package engine

import (
	"log/slog"
	"time"

	"github.com/absmach/l7proxy/pkg/cache"
	"github.com/absmach/l7proxy/pkg/conn"
	perrors "github.com/absmach/l7proxy/pkg/errors"
	"github.com/absmach/l7proxy/pkg/parser"
	"github.com/absmach/l7proxy/pkg/tlssession"
)

func (e *Engine) backendHandshake(ex *Exchange) {
	s := ex.backend.tls
	switch s.Handshake() {
	case tlssession.StatusHandshakeDone:
		e.cancelTimer(ex)
		e.metrics.Handshake(e.cfg.Name, "client", true)
		e.logger.Debug("Backend TLS handshake done",
			slog.String("exchange", ex.id),
			slog.String("backend", ex.be.String()),
			slog.String("version", s.Version()))
		e.deferRead(ex, groupBackend)
	case tlssession.StatusHandshakeError:
		e.metrics.Handshake(e.cfg.Name, "client", false)
		e.connectFailed(ex, s.Err())
	}
}

func (e *Engine) onBackendHangup(ex *Exchange) {
	switch {
	case ex.connecting:
		e.cancelTimer(ex)
		e.connectFailed(ex, ex.backend.c.ConnectError())
	case ex.backend.handshaking():
		e.connectFailed(ex, perrors.ErrConnectionClosed)
	default:
		e.backendClosed(ex)
	}
}

// backendFailed handles a backend I/O error. The client gets a 503 unless
// response bytes already reached it.
func (e *Engine) backendFailed(ex *Exchange, op string, err error) {
	if err == nil {
		err = perrors.ErrConnectionClosed
	}
	if e.retryStale(ex, err) {
		return
	}
	e.logger.Warn("Backend connection failed",
		slog.Any("error", perrors.New(op, e.cfg.Name, ex.id, ex.hctx.RemoteAddr, err)),
		slog.String("backend", ex.be.String()))
	e.metrics.BackendError(ex.be, op)
	if ex.pinned {
		e.terminate(ex)
		return
	}
	if !ex.awaiting {
		e.releaseBackend(ex)
		return
	}
	e.replyError(ex, 503)
}

// retryStale resends the request on a fresh connection when a kept-alive
// backend connection failed before answering. The backend may have closed it
// while the request was in flight, so only bodiless idempotent requests are
// resent, and only once.
func (e *Engine) retryStale(ex *Exchange, err error) bool {
	if !ex.reused || ex.answered || ex.pinned || !ex.awaiting || ex.out != nil {
		return false
	}
	if !ex.req.Complete() || ex.req.BodySent() > 0 || !idempotent(ex.req.Method) {
		return false
	}
	e.logger.Debug("Kept-alive backend connection went stale, reconnecting",
		slog.String("exchange", ex.id),
		slog.String("backend", ex.be.String()),
		slog.Any("error", err))
	e.metrics.BackendError(ex.be, "stale_connection")
	be := ex.be
	e.cancelTimer(ex)
	e.releaseBackend(ex)
	ex.sentAt = time.Time{}
	e.forward(ex, be)
	return true
}

func idempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	}
	return false
}

// backendClosed handles EOF from the backend. The socket is taken out of the
// poller so hangups stop firing, but its buffered bytes stay readable.
func (e *Engine) backendClosed(ex *Exchange) {
	ex.backend.eof = true
	if ex.backend.watched {
		e.unwatch(ex.backend.c.Fd())
		ex.backend.watched = false
	}
	switch {
	case ex.pinned:
		if ex.backend.pending() == 0 {
			e.terminate(ex)
		}
	case !ex.awaiting:
		e.logger.Debug("Idle backend connection closed", slog.String("exchange", ex.id), slog.String("backend", ex.be.String()))
		e.releaseBackend(ex)
	case ex.splicing:
		if ex.backend.c.PipeLen() == 0 {
			e.terminate(ex)
		}
	case ex.gzipWait, !ex.resp.Parsed():
		e.backendFailed(ex, "read response", perrors.ErrConnectionClosed)
	case ex.out != nil:
	default:
		e.responseProgress(ex)
	}
}

func (e *Engine) onBackendWrite(ex *Exchange) {
	if ex.connecting {
		// The timer may have fired in the same batch; disarming it first
		// makes this event the only outcome of the connect.
		e.cancelTimer(ex)
		if err := ex.backend.c.ConnectError(); err != nil {
			e.connectFailed(ex, err)
			return
		}
		e.connected(ex)
		return
	}
	if ex.backend.handshaking() {
		e.backendHandshake(ex)
		return
	}
	if ex.backend.pendingWrite() {
		switch ex.backend.flush() {
		case conn.FDClosed, conn.Error:
			e.backendFailed(ex, "write request", ex.backend.err())
			return
		}
		if ex.backend.pendingWrite() {
			return
		}
	}

	switch {
	case ex.pinned:
		n, res := e.relayRaw(&ex.client, &ex.backend)
		e.metrics.Relayed(e.cfg.Name, parser.Upstream, n)
		if res == conn.FDClosed || res == conn.Error {
			e.terminate(ex)
			return
		}
		if ex.client.eof && ex.client.pending() == 0 {
			e.terminate(ex)
		}
	case ex.up != nil:
		n, res := ex.backend.writev(ex.up)
		e.metrics.Relayed(e.cfg.Name, parser.Upstream, n)
		if res == conn.FDClosed || res == conn.Error {
			e.backendFailed(ex, "write request", ex.backend.err())
			return
		}
		if !ex.up.Done() {
			return
		}
		if err := ex.req.MarkHeaderSent(ex.client.c.Bytes(), ex.upBody); err != nil {
			e.fail(ex, "relay request body", err)
			return
		}
		ex.client.c.Consume(ex.upBody)
		ex.up, ex.upBody = nil, 0
		e.requestProgress(ex)
	case ex.awaiting && ex.req.BodyPending():
		n, res, err := relayBody(&ex.req.Message, &ex.client, &ex.backend, nil)
		e.metrics.Relayed(e.cfg.Name, parser.Upstream, n)
		if err != nil {
			e.fail(ex, "relay request body", err)
			return
		}
		if res == conn.FDClosed || res == conn.Error {
			e.backendFailed(ex, "write request", ex.backend.err())
			return
		}
		e.requestProgress(ex)
	}
}

// requestProgress starts waiting for the response once the whole request
// reached the backend. Until then the client must keep the body coming
// within the client timeout.
func (e *Engine) requestProgress(ex *Exchange) {
	if ex.svc.Pinned {
		ex.pinned = true
		ex.awaiting = false
		e.cancelTimer(ex)
		e.pinned.Add(1)
		e.metrics.Pinned(e.cfg.Name, "service")
		return
	}
	if !ex.sentAt.IsZero() {
		return
	}
	if !ex.req.Complete() {
		if ex.timerKind != timerRequest {
			e.setTimer(ex, timerRequest, e.cfg.ClientTimeout)
		}
		return
	}
	ex.sentAt = time.Now()
	if !ex.resp.Parsed() {
		e.setTimer(ex, timerResponse, ex.be.ResponseTimeout)
	}
}

func (e *Engine) onBackendRead(ex *Exchange) {
	if ex.connecting {
		return
	}
	if ex.backend.handshaking() {
		e.backendHandshake(ex)
		return
	}
	e.startSplice(ex)
	if ex.splicing || (ex.pinned && e.spliceable(ex) && ex.backend.c.Len() == 0) {
		limit := 0
		if ex.splicing {
			limit = int(ex.resp.BodyLeft()) - ex.backend.c.PipeLen()
			if limit <= 0 {
				return
			}
		}
		n, res := ex.backend.c.SpliceIn(limit)
		if n > 0 {
			ex.answered = true
		}
		switch res {
		case conn.Success:
			if ex.splicing && n > 0 {
				e.touchResponse(ex)
			}
		case conn.FDClosed:
			e.backendClosed(ex)
		case conn.Error:
			e.backendFailed(ex, "read response", ex.backend.c.Err())
		}
		return
	}

	switch res := ex.backend.read(); res {
	case conn.Success, conn.FullBuffer:
		ex.answered = true
	case conn.TryAgain:
		return
	case conn.FDClosed:
		e.backendClosed(ex)
		return
	default:
		e.backendFailed(ex, "read response", ex.backend.err())
		return
	}
	if ex.pinned {
		return
	}
	if !ex.awaiting {
		e.logger.Debug("Unsolicited bytes from idle backend", slog.String("exchange", ex.id), slog.String("backend", ex.be.String()))
		e.releaseBackend(ex)
		return
	}
	e.processResponse(ex)
}

// startSplice switches a plain content-length body to kernel splicing once
// nothing of it is left in user space.
func (e *Engine) startSplice(ex *Exchange) {
	if ex.splicing || !e.spliceable(ex) || ex.pinned {
		return
	}
	if ex.out != nil || ex.builder != nil || ex.gzipWait || !ex.resp.BodyPending() {
		return
	}
	if ex.resp.BodyLeft() <= 0 || ex.backend.c.Len() > 0 {
		return
	}
	ex.splicing = true
}

func (e *Engine) touchResponse(ex *Exchange) {
	if ex.timerKind == timerResponse || (ex.timerKind == timerNone && !ex.sentAt.IsZero()) {
		e.setTimer(ex, timerResponse, ex.be.ResponseTimeout)
	}
}

func (e *Engine) processResponse(ex *Exchange) {
	switch {
	case ex.gzipWait:
		e.compress(ex)
		return
	case ex.resp.Parsed():
		e.touchResponse(ex)
		return
	case ex.out != nil:
		return
	}

	res, n := ex.resp.Parse(ex.backend.c.Bytes())
	switch res {
	case parser.Incomplete:
		if ex.backend.eof {
			e.backendFailed(ex, "read response", perrors.ErrConnectionClosed)
		}
		return
	case parser.TooLong, parser.Failed:
		e.backendFailed(ex, "parse response", perrors.ErrProtocolViolation)
		return
	}
	if err := ex.resp.Validate(); err != nil {
		e.backendFailed(ex, "parse response", err)
		return
	}
	ex.backend.c.Consume(n)

	if ex.resp.Informational() {
		ex.interim = true
		ex.out = conn.NewIOVec(ex.resp.Serialize(nil)...)
		e.touchResponse(ex)
		return
	}

	now := time.Now()
	if !ex.sentAt.IsZero() {
		ex.be.ObserveResponse(now.Sub(ex.sentAt))
		e.metrics.BackendResponded(ex.be, now.Sub(ex.sentAt))
	}
	ex.respAt = now

	if err := e.handler.OnResponse(e.ctx, &ex.hctx, &ex.resp); err != nil {
		e.logger.Warn("Response handler failed", slog.String("exchange", ex.id), slog.Any("error", err))
	}
	svc := ex.svc
	svc.Learn(&ex.resp, ex.be)
	if ck := svc.BackendCookie; ck != nil {
		if v, ok := ex.req.Cookie(ck.Name); !ok || v != ex.be.Key {
			svc.SetBackendCookie(&ex.resp, ex.be)
		}
	}
	if ex.client.tls != nil && svc.STS > 0 {
		ex.resp.SetHSTS(svc.STS)
	}
	ex.upgrade = ex.resp.SwitchesProtocol(&ex.req)

	if svc.Compression && ex.client.tls == nil && ex.req.AcceptsGzip() && ex.resp.Compressible(conn.BufferSize) {
		ex.gzipWait = true
		e.compress(ex)
		return
	}
	if c := e.cfg.Services.Cache; ex.cacheKey != "" && c != nil {
		if ttl, ok := cache.Lifetime(&ex.req, &ex.resp, c.DefaultTTL()); ok {
			ex.builder = cache.NewBuilder(c, ex.cacheKey, ex.resp.StatusCode, ttl)
		}
	}
	e.queueResponse(ex)
}

// queueResponse queues the response head together with the body bytes
// already buffered behind it.
func (e *Engine) queueResponse(ex *Exchange) {
	body := ex.backend.c.Bytes()
	fw, err := ex.resp.Forwardable(body)
	if err != nil {
		e.backendFailed(ex, "parse response", err)
		return
	}
	segs := ex.resp.Serialize(body[:fw])
	if ex.builder != nil {
		ex.builder.Header(segs[0])
		ex.builder.Write(body[:fw])
	}
	ex.out = conn.NewIOVec(segs...)
	ex.outBody = fw
	e.touchResponse(ex)
}

// compress waits for the whole body, then replaces it with its gzip form.
func (e *Engine) compress(ex *Exchange) {
	left := int(ex.resp.BodyLeft())
	if ex.backend.c.Len() < left {
		e.touchResponse(ex)
		return
	}
	body := ex.backend.c.Bytes()[:left]
	gz, err := ex.resp.Gzip(body)
	if err != nil {
		e.logger.Warn("Failed to compress response", slog.String("exchange", ex.id), slog.Any("error", err))
		e.replyError(ex, 500)
		return
	}
	ex.backend.c.Consume(left)
	ex.gzipWait = false
	ex.out = conn.NewIOVec(ex.resp.Serialize(gz)...)
	ex.outBody = 0
}
