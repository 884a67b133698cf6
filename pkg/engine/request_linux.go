// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package engine

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/l7proxy/pkg/backend"
	"github.com/absmach/l7proxy/pkg/cache"
	"github.com/absmach/l7proxy/pkg/conn"
	perrors "github.com/absmach/l7proxy/pkg/errors"
	"github.com/absmach/l7proxy/pkg/parser"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
	"github.com/absmach/l7proxy/pkg/tlssession"
)

func (e *Engine) clientHandshake(ex *Exchange) {
	s := ex.client.tls
	switch s.Handshake() {
	case tlssession.StatusHandshakeDone:
		e.metrics.Handshake(e.cfg.Name, "server", true)
		ex.hctx.ServerName = s.ServerName()
		ex.hctx.Cert = s.PeerCertificate()
		e.logger.Debug("Client TLS handshake done",
			slog.String("exchange", ex.id),
			slog.String("version", s.Version()),
			slog.String("cipher", s.Cipher()),
			slog.String("server_name", s.ServerName()))
		e.authorize(ex)
		if !ex.dead {
			e.deferRead(ex, groupClient)
		}
	case tlssession.StatusHandshakeError:
		e.metrics.Handshake(e.cfg.Name, "server", false)
		if errors.Is(s.Err(), perrors.ErrPlainHTTP) {
			e.refusePlain(ex)
			return
		}
		e.logger.Debug("Client TLS handshake failed",
			slog.String("exchange", ex.id),
			slog.String("remote", ex.hctx.RemoteAddr),
			slog.Any("error", s.Err()))
		e.terminate(ex)
	}
}

// refusePlain answers plain HTTP received on an HTTPS listener.
func (e *Engine) refusePlain(ex *Exchange) {
	raw := ex.client.tls.PlainRequest()
	ex.client.tls.Close()
	ex.client.tls = nil
	e.logger.Info("Plain HTTP on TLS listener", slog.String("exchange", ex.id), slog.String("remote", ex.hctx.RemoteAddr))
	if e.cfg.NoSSLURL == "" {
		e.sendReply(ex, errorReply(400, e.cfg.Pages.noSSL()), 400)
		return
	}
	loc := redirectLocation(e.cfg.NoSSLURL, plainTarget(raw))
	e.sendReply(ex, redirectReply(e.cfg.NoSSLCode, loc), e.cfg.NoSSLCode)
}

func (e *Engine) onClientRead(ex *Exchange) {
	if ex.client.handshaking() {
		e.clientHandshake(ex)
		return
	}
	if ex.pinned && e.spliceable(ex) && ex.client.c.Len() == 0 {
		n, res := ex.client.c.SpliceIn(0)
		e.metrics.Relayed(e.cfg.Name, parser.Upstream, n)
		switch res {
		case conn.FDClosed:
			e.clientClosed(ex)
		case conn.Error:
			e.fail(ex, "splice from client", ex.client.c.Err())
		}
		return
	}

	switch res := ex.client.read(); res {
	case conn.Success, conn.FullBuffer:
	case conn.TryAgain:
		return
	case conn.FDClosed:
		e.clientClosed(ex)
		return
	case conn.WantRenegotiation:
		e.fail(ex, "read from client", ex.client.err())
		return
	default:
		e.fail(ex, "read from client", ex.client.err())
		return
	}
	if ex.awaiting && ex.req.BodyPending() && ex.timerKind == timerRequest {
		e.setTimer(ex, timerRequest, e.cfg.ClientTimeout)
	}
	if ex.pinned || ex.req.Parsed() {
		return
	}
	e.parseRequest(ex)
}

func (e *Engine) onClientHangup(ex *Exchange) {
	ex.client.eof = true
	if ex.pinned && ex.client.pending() > 0 && ex.backend.open() {
		e.unwatch(ex.client.c.Fd())
		ex.client.watched = false
		return
	}
	e.terminate(ex)
}

func (e *Engine) clientClosed(ex *Exchange) {
	ex.client.eof = true
	switch {
	case ex.pinned:
		if ex.client.pending() == 0 {
			e.terminate(ex)
		}
	case ex.out != nil:
	case ex.awaiting && ex.req.Complete():
	default:
		e.terminate(ex)
	}
}

func (e *Engine) parseRequest(ex *Exchange) {
	res, n := ex.req.Parse(ex.client.c.Bytes())
	switch res {
	case parser.Incomplete:
		return
	case parser.TooLong:
		e.logger.Warn("Request head too long",
			slog.Any("error", perrors.New("parse request", e.cfg.Name, ex.id, ex.hctx.RemoteAddr, perrors.ErrSizeLimitExceeded)))
		e.replyError(ex, 414)
		return
	case parser.Failed:
		e.logger.Debug("Malformed request",
			slog.String("exchange", ex.id),
			slog.String("remote", ex.hctx.RemoteAddr),
			slog.Any("error", ex.req.Err))
		e.replyError(ex, 400)
		return
	}
	ex.client.c.Consume(n)
	e.cancelTimer(ex)

	if err := ex.req.Validate(e.cfg.MethodLevel); err != nil {
		e.logger.Debug("Request rejected",
			slog.String("exchange", ex.id),
			slog.String("method", ex.req.Method),
			slog.Any("error", err))
		if errors.Is(err, phttp.ErrBadURL) {
			e.replyError(ex, 400)
			return
		}
		e.replyError(ex, 501)
		return
	}

	e.rewriteRequest(ex)
	if user, ok := ex.req.BasicUser(); ok {
		ex.hctx.Username = user
	}
	if err := e.handler.OnRequest(e.ctx, &ex.hctx, &ex.req); err != nil {
		e.logger.Info("Request refused by handler",
			slog.String("exchange", ex.id),
			slog.String("target", ex.req.Target),
			slog.Any("error", err))
		e.replyError(ex, 403)
		return
	}

	svc := e.cfg.Services.Select(&ex.req)
	if svc == nil {
		e.logger.Warn("No service matched",
			slog.Any("error", perrors.New("route", e.cfg.Name, ex.id, ex.hctx.RemoteAddr, perrors.ErrNoService)),
			slog.String("host", ex.req.Host()),
			slog.String("target", ex.req.Target))
		e.replyError(ex, 503)
		return
	}
	ex.svc = svc
	ex.hctx.Service = svc.Name
	e.metrics.Request(e.cfg.Name, svc.Name, ex.req.Method)

	if e.serveCached(ex) {
		return
	}

	be := svc.Pick(&ex.req, ex.client.c.PeerIP())
	if be == nil {
		e.logger.Warn("No backend available",
			slog.Any("error", perrors.New("route", e.cfg.Name, ex.id, ex.hctx.RemoteAddr, perrors.ErrBackendUnavailable)),
			slog.String("service", svc.Name))
		e.replyError(ex, 503)
		return
	}
	ex.hctx.Backend = be.Name
	if be.IsRedirect() {
		loc := redirectLocation(be.RedirectURL, ex.req.Target)
		e.sendReply(ex, redirectReply(be.RedirectCode, loc), be.RedirectCode)
		return
	}
	if !ex.req.Has("Host") {
		ex.req.Add("Host", be.Addr.String())
	}
	e.forward(ex, be)
}

// rewriteRequest applies the listener's header policy.
func (e *Engine) rewriteRequest(ex *Exchange) {
	if len(e.cfg.RemoveHeaders) > 0 {
		drop := make(map[string]bool)
		for _, h := range ex.req.Headers {
			line := h.Name + ": " + h.Value
			for _, re := range e.cfg.RemoveHeaders {
				if re.MatchString(line) {
					drop[strings.ToLower(h.Name)] = true
					break
				}
			}
		}
		if len(drop) > 0 {
			ex.req.RemoveFunc(func(name string) bool {
				return drop[strings.ToLower(name)]
			})
		}
	}

	ip := ex.client.c.PeerIP()
	if prev := ex.req.Get("X-Forwarded-For"); prev != "" {
		ex.req.Set("X-Forwarded-For", prev+", "+ip)
	} else if ip != "" {
		ex.req.Add("X-Forwarded-For", ip)
	}
	if e.cfg.AddHeader != "" {
		ex.req.AddLine(e.cfg.AddHeader)
	}
}

// serveCached answers the request from the response cache when it can.
// It reports whether the request was handled.
func (e *Engine) serveCached(ex *Exchange) bool {
	c := e.cfg.Services.Cache
	if c == nil || !ex.svc.Cache || !cache.Lookupable(&ex.req) {
		return false
	}
	key := cache.Key(ex.req.Host(), ex.req.Target)
	entry, hit := c.Lookup(key)
	e.metrics.CacheLookup(e.cfg.Name, hit)
	if !hit {
		if cache.OnlyIfCached(&ex.req) {
			e.replyError(ex, 504)
			return true
		}
		ex.cacheKey = key
		return false
	}

	data := entry.Data
	if ex.req.Method == "HEAD" {
		data = entry.Header()
	}
	ex.out = conn.NewIOVec(data)
	ex.outBody = 0
	ex.reply = true
	ex.closeAfter = !ex.req.KeepConnection() || !ex.req.Complete()
	e.metrics.Response(e.cfg.Name, ex.svc.Name, entry.StatusCode)
	e.setTimer(ex, timerRequest, e.cfg.ClientTimeout)
	e.logger.Debug("Served from cache", slog.String("exchange", ex.id), slog.String("key", key))
	return true
}

// forward sends the parsed request to be, reusing the kept-alive backend
// connection when it leads to the same backend.
func (e *Engine) forward(ex *Exchange, be *backend.Backend) {
	body := ex.client.c.Bytes()
	fw, err := ex.req.Forwardable(body)
	if err != nil {
		e.logger.Debug("Malformed request body", slog.String("exchange", ex.id), slog.Any("error", err))
		e.replyError(ex, 400)
		return
	}
	ex.resp.Reset()
	ex.resp.RequestMethod = ex.req.Method
	ex.up = conn.NewIOVec(ex.req.Serialize(body[:fw])...)
	ex.upBody = fw
	ex.awaiting = true
	ex.answered = false

	if ex.be == be && ex.backend.open() && ex.backend.c.IsConnected() && !ex.backend.eof {
		ex.reused = true
		return
	}
	e.releaseBackend(ex)
	ex.be = be
	ex.reused = false

	c, res, err := conn.Connect(be.Addr, be.ConnectTimeout, true)
	if res == conn.OpError {
		e.connectFailed(ex, err)
		return
	}
	ex.backend = endpoint{c: c}
	if err := e.watch(c.Fd(), ex.key, groupBackend, evWrite); err != nil {
		e.fail(ex, "register backend", err)
		return
	}
	ex.backend.watched = true

	if res == conn.OpInProgress {
		ex.connecting = true
		be.IncPending()
		ex.pendingCounted = true
		e.setTimer(ex, timerConnect, be.ConnectTimeout)
		return
	}
	e.connected(ex)
}

func (e *Engine) connected(ex *Exchange) {
	be := ex.be
	ex.connecting = false
	if ex.pendingCounted {
		be.DecPending()
		ex.pendingCounted = false
	}
	be.IncConnections()
	ex.counted = true
	d := time.Since(ex.backend.c.ConnectStart)
	be.ObserveConnect(d)
	e.metrics.BackendConnected(be, d)
	be.MarkUp()

	if be.TLS == nil {
		return
	}
	ex.backend.tls = tlssession.NewClient(ex.backend.c.Fd(), be.TLS)
	e.setTimer(ex, timerConnect, be.ConnectTimeout)
	e.backendHandshake(ex)
}

func (e *Engine) connectFailed(ex *Exchange, err error) {
	if err == nil {
		err = perrors.ErrConnectionClosed
	}
	e.logger.Warn("Backend connect failed",
		slog.Any("error", perrors.New("connect", e.cfg.Name, ex.id, ex.hctx.RemoteAddr, err)),
		slog.String("backend", ex.be.String()))
	ex.be.MarkDown(err)
	e.metrics.BackendError(ex.be, "connect")
	e.replyError(ex, 503)
}

func (e *Engine) onClientWrite(ex *Exchange) {
	if ex.client.handshaking() {
		e.clientHandshake(ex)
		return
	}
	if ex.client.pendingWrite() {
		switch ex.client.flush() {
		case conn.FDClosed, conn.Error:
			e.terminate(ex)
			return
		}
		if ex.client.pendingWrite() {
			return
		}
	}

	switch {
	case ex.out != nil:
		n, res := ex.client.writev(ex.out)
		e.metrics.Relayed(e.cfg.Name, parser.Downstream, n)
		if res == conn.FDClosed || res == conn.Error {
			e.terminate(ex)
			return
		}
		if ex.out.Done() {
			e.outDone(ex)
		}
	case ex.pinned:
		n, res := e.relayRaw(&ex.backend, &ex.client)
		e.metrics.Relayed(e.cfg.Name, parser.Downstream, n)
		if res == conn.FDClosed || res == conn.Error {
			e.terminate(ex)
			return
		}
		if ex.backend.eof && ex.backend.pending() == 0 {
			e.terminate(ex)
		}
	case ex.splicing:
		n, res := ex.backend.c.SpliceOut(ex.client.c.Fd(), 0)
		ex.resp.CommitSplice(n)
		e.metrics.Relayed(e.cfg.Name, parser.Downstream, n)
		if res == conn.FDClosed || res == conn.Error {
			e.terminate(ex)
			return
		}
		if ex.resp.Complete() {
			ex.splicing = false
			e.responseDone(ex)
			return
		}
		if ex.backend.eof && ex.backend.c.PipeLen() == 0 {
			e.terminate(ex)
		}
	case ex.resp.BodyPending() && ex.backend.c != nil:
		var capture func([]byte)
		if ex.builder != nil {
			capture = ex.builder.Write
		}
		n, res, err := relayBody(&ex.resp.Message, &ex.backend, &ex.client, capture)
		e.metrics.Relayed(e.cfg.Name, parser.Downstream, n)
		if err != nil {
			e.fail(ex, "relay response body", err)
			return
		}
		if res == conn.FDClosed || res == conn.Error {
			e.terminate(ex)
			return
		}
		e.responseProgress(ex)
	}
}

// outDone runs once everything queued in out reached the client.
func (e *Engine) outDone(ex *Exchange) {
	ex.out = nil
	if ex.reply {
		ex.reply = false
		if ex.closeAfter {
			e.terminate(ex)
			return
		}
		e.cancelTimer(ex)
		e.nextRequest(ex)
		return
	}
	if ex.interim {
		ex.interim = false
		ex.resp.Reset()
		ex.resp.RequestMethod = ex.req.Method
		switch {
		case ex.backend.c != nil && ex.backend.c.Len() > 0:
			e.processResponse(ex)
		case ex.backend.eof:
			e.backendFailed(ex, "read response", perrors.ErrConnectionClosed)
		}
		return
	}

	if err := ex.resp.MarkHeaderSent(ex.backend.c.Bytes(), ex.outBody); err != nil {
		e.fail(ex, "relay response body", err)
		return
	}
	ex.backend.c.Consume(ex.outBody)
	ex.outBody = 0

	if ex.upgrade {
		ex.pinned = true
		e.cancelTimer(ex)
		e.pinned.Add(1)
		e.metrics.Pinned(e.cfg.Name, ex.req.Upgrade)
		e.logger.Debug("Connection pinned",
			slog.String("exchange", ex.id),
			slog.String("protocol", ex.req.Upgrade),
			slog.String("backend", ex.be.String()))
		return
	}
	e.responseProgress(ex)
}

// responseProgress finishes the response once its body is relayed, or
// closes when the backend went away with nothing left to relay.
func (e *Engine) responseProgress(ex *Exchange) {
	if ex.resp.Complete() {
		e.responseDone(ex)
		return
	}
	if ex.backend.eof && ex.backend.c.Len() == 0 {
		if ex.resp.UntilClose() {
			e.responseDone(ex)
			return
		}
		e.terminate(ex)
	}
}

func (e *Engine) responseDone(ex *Exchange) {
	e.cancelTimer(ex)
	if !ex.respAt.IsZero() {
		ex.be.ObserveTransfer(time.Since(ex.respAt))
	}
	e.metrics.Response(e.cfg.Name, ex.svc.Name, ex.resp.StatusCode)
	if ex.builder != nil {
		if ex.builder.Finish(e.cfg.Services.Cache) {
			e.logger.Debug("Response cached", slog.String("exchange", ex.id), slog.String("key", ex.cacheKey))
		}
		ex.builder = nil
	}
	ex.awaiting = false

	if !ex.resp.KeepConnection() || ex.backend.eof {
		e.releaseBackend(ex)
	}
	keep := ex.req.Complete() && ex.req.KeepConnection() && ex.resp.KeepConnection() && !ex.client.eof
	if !keep {
		e.terminate(ex)
		return
	}
	e.nextRequest(ex)
}

// nextRequest readies the exchange for the next request on a kept-alive
// client connection and parses any pipelined bytes already buffered.
func (e *Engine) nextRequest(ex *Exchange) {
	ex.req.Reset()
	ex.resp.Reset()
	ex.cacheKey = ""
	ex.upgrade = false
	ex.sentAt, ex.respAt = time.Time{}, time.Time{}
	e.setTimer(ex, timerRequest, e.cfg.ClientTimeout)
	if ex.client.c.Len() > 0 {
		e.parseRequest(ex)
	}
}

// sendReply queues a synthesized reply and closes once it is flushed.
// Nothing can be synthesized after response bytes reached the client, so
// the exchange is torn down instead.
func (e *Engine) sendReply(ex *Exchange, data []byte, code int) {
	if ex.pinned || ex.resp.HeaderSent() || (ex.out != nil && ex.out.Sent() > 0) {
		e.terminate(ex)
		return
	}
	e.cancelTimer(ex)
	e.releaseBackend(ex)
	ex.up, ex.upBody = nil, 0
	ex.awaiting, ex.gzipWait, ex.interim, ex.upgrade = false, false, false, false
	ex.builder = nil
	ex.out = conn.NewIOVec(data)
	ex.outBody = 0
	ex.reply = true
	ex.closeAfter = true
	if code >= 400 {
		e.replies.Add(1)
		e.metrics.ErrorReply(e.cfg.Name, code)
	}
	e.setTimer(ex, timerRequest, e.cfg.ClientTimeout)
}

func (e *Engine) replyError(ex *Exchange, code int) {
	e.logger.Warn("Error reply",
		slog.String("exchange", ex.id),
		slog.String("remote", ex.hctx.RemoteAddr),
		slog.Int("code", code))
	e.sendReply(ex, errorReply(code, e.cfg.Pages.body(code)), code)
}

// relayRaw moves opaque bytes from src to dst on a pinned connection.
func (e *Engine) relayRaw(src, dst *endpoint) (int, conn.Result) {
	switch {
	case src.c == nil || dst.c == nil:
		return 0, conn.Success
	case src.c.Len() > 0:
		if dst.tls == nil {
			return src.c.WriteTo(dst.c.Fd())
		}
		n, res := dst.tls.Write(src.c.Bytes())
		src.c.Consume(n)
		return n, res
	case src.c.PipeLen() > 0:
		return src.c.SpliceOut(dst.c.Fd(), 0)
	}
	return 0, conn.Success
}

// relayBody forwards the body bytes of msg buffered in src to dst and
// records them. capture, when set, sees every relayed byte.
func relayBody(msg *phttp.Message, src, dst *endpoint, capture func([]byte)) (int, conn.Result, error) {
	data := src.c.Bytes()
	fw, err := msg.Forwardable(data)
	if err != nil {
		return 0, conn.Error, err
	}
	if fw == 0 {
		return 0, conn.TryAgain, nil
	}
	n, res := dst.write(data[:fw])
	if n > 0 {
		if capture != nil {
			capture(data[:n])
		}
		if err := msg.Commit(data, n); err != nil {
			return n, conn.Error, err
		}
		src.c.Consume(n)
	}
	return n, res, nil
}
