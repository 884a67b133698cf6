// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/l7proxy/pkg/conn"
	perrors "github.com/absmach/l7proxy/pkg/errors"
	"github.com/absmach/l7proxy/pkg/handler"
	"github.com/absmach/l7proxy/pkg/metrics"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
	"github.com/absmach/l7proxy/pkg/service"
	"github.com/absmach/l7proxy/pkg/timer"
	"github.com/absmach/l7proxy/pkg/tlssession"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	defaultClientTimeout = 10 * time.Second
	defaultNoSSLCode     = 302
	incomingQueue        = 1024
)

var (
	// ErrStopped is returned when a stream is handed to a stopped engine.
	ErrStopped = errors.New("engine stopped")

	// ErrBusy is returned when the engine's incoming queue is full.
	ErrBusy = errors.New("engine incoming queue full")

	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("engine already running")
)

// Config holds the listener-level settings an engine applies to every
// exchange it owns.
type Config struct {
	// ID distinguishes engines of one listener in logs and control tasks.
	ID int

	// Name is the listener name.
	Name string

	// TLSConfig turns the listener into an HTTPS listener when set.
	TLSConfig *tls.Config

	// ClientTimeout bounds the wait for a request and for flushing a reply.
	ClientTimeout time.Duration

	MaxHeaderSize int

	// MethodLevel is the allowed request method group, 0 to 4.
	MethodLevel int

	// AddHeader is a raw "Name: value" line appended to every request.
	AddHeader string

	// RemoveHeaders drops every request field whose "Name: value" line
	// matches one of the expressions.
	RemoveHeaders []*regexp.Regexp

	Pages Pages

	// NoSSLURL is the redirect base for plain HTTP arriving on an HTTPS
	// listener. When empty such requests get a 400.
	NoSSLURL  string
	NoSSLCode int

	// ZeroCopy enables splice for plain connections.
	ZeroCopy bool

	Services *service.Manager
	Handler  handler.Handler
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type group int

const (
	groupClient group = iota
	groupBackend
	groupTimer
)

type registration struct {
	key    uint64
	group  group
	gen    int32
	events uint32
}

type deferred struct {
	key   uint64
	group group
}

// Engine runs one event loop. All exchange state is owned by the loop
// goroutine; AddStream, Stop and Stats are safe from any goroutine.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	handler handler.Handler
	metrics *metrics.Metrics
	ctx     context.Context

	poller *poller
	waker  *waker

	mu       sync.Mutex
	incoming chan int
	closed   bool

	fds      map[int]registration
	arena    map[uint64]*Exchange
	deferred []deferred
	nextKey  uint64
	nextGen  int32

	running  atomic.Bool
	stopped  atomic.Bool
	live     atomic.Int64
	watched  atomic.Int64
	accepted atomic.Uint64
	replies  atomic.Uint64
	timeouts atomic.Uint64
	pinned   atomic.Uint64
}

// New creates an engine with its poller. The engine does nothing until Run.
func New(cfg Config) (*Engine, error) {
	if cfg.Services == nil {
		return nil, fmt.Errorf("%w: engine needs a service manager", perrors.ErrInvalidInput)
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = defaultClientTimeout
	}
	if cfg.MaxHeaderSize <= 0 || cfg.MaxHeaderSize > conn.BufferSize {
		cfg.MaxHeaderSize = min(phttp.DefaultMaxHeaderSize, conn.BufferSize)
	}
	if cfg.NoSSLCode == 0 {
		cfg.NoSSLCode = defaultNoSSLCode
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	w, err := newWaker()
	if err != nil {
		p.close()
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("listener", cfg.Name), slog.Int("engine", cfg.ID)),
		handler:  cfg.Handler,
		metrics:  cfg.Metrics,
		ctx:      context.Background(),
		poller:   p,
		waker:    w,
		incoming: make(chan int, incomingQueue),
		fds:      make(map[int]registration),
		arena:    make(map[uint64]*Exchange),
	}, nil
}

// Run drives the event loop on a locked OS thread until ctx is done or Stop
// is called. Live exchanges are torn down on return.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e.ctx = ctx
	stop := context.AfterFunc(ctx, e.Stop)
	defer stop()
	defer e.shutdown()

	if err := e.poller.add(e.waker.fd, unix.EPOLLIN, 0); err != nil {
		return err
	}
	e.logger.Info("Stream engine started")

	for !e.stopped.Load() {
		timeout := -1
		if len(e.deferred) > 0 {
			timeout = 0
		}
		events, err := e.poller.wait(timeout)
		if err != nil {
			return fmt.Errorf("failed to wait for events: %w", err)
		}
		for _, ev := range events {
			if int(ev.Fd) == e.waker.fd {
				e.waker.drain()
				e.accept()
				continue
			}
			e.dispatch(ev)
		}
		e.runDeferred()
	}
	return nil
}

// AddStream hands an accepted, non-blocking client socket to the engine.
// The engine owns fd from here on, including on error.
func (e *Engine) AddStream(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.stopped.Load() {
		unix.Close(fd)
		return ErrStopped
	}
	select {
	case e.incoming <- fd:
	default:
		unix.Close(fd)
		return ErrBusy
	}
	e.waker.wake()
	return nil
}

// Stop asks the loop to exit. It does not wait for it.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.waker.wake()
	}
}

func (e *Engine) shutdown() {
	for _, ex := range e.arena {
		e.terminate(ex)
	}
	e.stopped.Store(true)
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	for len(e.incoming) > 0 {
		unix.Close(<-e.incoming)
	}
	e.poller.close()
	e.waker.close()
	e.logger.Info("Stream engine stopped")
}

func (e *Engine) accept() {
	for {
		select {
		case fd := <-e.incoming:
			e.open(fd)
		default:
			return
		}
	}
}

func (e *Engine) open(fd int) {
	t, err := timer.New()
	if err != nil {
		unix.Close(fd)
		e.logger.Error("Failed to create exchange timer", slog.Any("error", err))
		return
	}
	c := conn.New(fd)
	c.SetConnected()

	e.nextKey++
	ex := &Exchange{
		key:     e.nextKey,
		id:      uuid.NewString(),
		created: time.Now(),
		client:  endpoint{c: c},
		timer:   t,
	}
	ex.req.MaxHeaderSize = e.cfg.MaxHeaderSize
	ex.resp.MaxHeaderSize = e.cfg.MaxHeaderSize
	ex.hctx = handler.Context{
		ExchangeID: ex.id,
		Listener:   e.cfg.Name,
		RemoteAddr: c.PeerAddress(),
		Protocol:   "http",
	}
	if e.cfg.TLSConfig != nil {
		ex.client.tls = tlssession.NewServer(fd, e.cfg.TLSConfig)
		ex.hctx.Protocol = "https"
	}

	e.arena[ex.key] = ex
	e.live.Add(1)
	e.accepted.Add(1)
	e.metrics.ExchangeOpened(e.cfg.Name)

	if err := e.watch(fd, ex.key, groupClient, evRead); err != nil {
		e.fail(ex, "register client", err)
		return
	}
	ex.client.watched = true
	e.setTimer(ex, timerRequest, e.cfg.ClientTimeout)
	e.logger.Debug("Exchange opened", slog.String("exchange", ex.id), slog.String("remote", ex.hctx.RemoteAddr))

	if ex.client.tls == nil {
		e.authorize(ex)
	}
}

func (e *Engine) authorize(ex *Exchange) {
	if err := e.handler.AuthConnect(e.ctx, &ex.hctx); err != nil {
		e.logger.Info("Connection refused by handler",
			slog.String("exchange", ex.id),
			slog.String("remote", ex.hctx.RemoteAddr),
			slog.Any("error", err))
		e.terminate(ex)
	}
}

func (e *Engine) watch(fd int, key uint64, g group, events uint32) error {
	e.nextGen++
	gen := e.nextGen
	if err := e.poller.add(fd, events, gen); err != nil {
		return err
	}
	e.fds[fd] = registration{key: key, group: g, gen: gen, events: events}
	e.watched.Add(1)
	return nil
}

func (e *Engine) update(fd int, events uint32) error {
	reg, ok := e.fds[fd]
	if !ok || reg.events == events {
		return nil
	}
	if err := e.poller.mod(fd, events, reg.gen); err != nil {
		return err
	}
	reg.events = events
	e.fds[fd] = reg
	return nil
}

func (e *Engine) unwatch(fd int) {
	if _, ok := e.fds[fd]; !ok {
		return
	}
	if err := e.poller.del(fd); err != nil {
		e.logger.Warn("Failed to deregister descriptor", slog.Int("fd", fd), slog.Any("error", err))
	}
	delete(e.fds, fd)
	e.watched.Add(-1)
}

func (e *Engine) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	reg, ok := e.fds[fd]
	if !ok || reg.gen != ev.Pad {
		return
	}
	ex, ok := e.arena[reg.key]
	if !ok || ex.dead {
		e.unwatch(fd)
		return
	}

	hangup := ev.Events&(unix.EPOLLIN|unix.EPOLLOUT) == 0 && ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
	switch reg.group {
	case groupTimer:
		e.onTimer(ex)
	case groupClient:
		switch {
		case hangup:
			e.onClientHangup(ex)
		case ev.Events&unix.EPOLLOUT != 0:
			e.onClientWrite(ex)
		default:
			e.onClientRead(ex)
		}
	case groupBackend:
		switch {
		case hangup:
			e.onBackendHangup(ex)
		case ev.Events&unix.EPOLLOUT != 0:
			e.onBackendWrite(ex)
		default:
			e.onBackendRead(ex)
		}
	}
	e.rearm(ex)
}

// runDeferred gives TLS sessions holding decrypted bytes a read turn that
// no readiness event would trigger.
func (e *Engine) runDeferred() {
	if len(e.deferred) == 0 {
		return
	}
	batch := e.deferred
	e.deferred = nil
	for _, d := range batch {
		ex, ok := e.arena[d.key]
		if !ok || ex.dead {
			continue
		}
		if d.group == groupClient {
			e.onClientRead(ex)
		} else if ex.backend.watched {
			e.onBackendRead(ex)
		}
		e.rearm(ex)
	}
}

func (e *Engine) deferRead(ex *Exchange, g group) {
	for _, d := range e.deferred {
		if d.key == ex.key && d.group == g {
			return
		}
	}
	e.deferred = append(e.deferred, deferred{key: ex.key, group: g})
}

// rearm recomputes the interest set of both sockets from the exchange state.
func (e *Engine) rearm(ex *Exchange) {
	if ex.dead {
		return
	}
	if ex.client.watched {
		if err := e.update(ex.client.c.Fd(), e.clientEvents(ex)); err != nil {
			e.fail(ex, "rearm client", err)
			return
		}
		if ex.client.buffered() && e.clientWantsRead(ex) {
			e.deferRead(ex, groupClient)
		}
	}
	if ex.backend.watched {
		if err := e.update(ex.backend.c.Fd(), e.backendEvents(ex)); err != nil {
			e.fail(ex, "rearm backend", err)
			return
		}
		if ex.backend.buffered() && e.backendWantsRead(ex) {
			e.deferRead(ex, groupBackend)
		}
	}
}

func handshakeEvents(s *tlssession.Session) uint32 {
	if s.Status() == tlssession.StatusWantWrite || s.PendingWrite() {
		return evWrite
	}
	return evRead
}

func (e *Engine) spliceable(ex *Exchange) bool {
	return e.cfg.ZeroCopy && ex.client.tls == nil && ex.backend.tls == nil
}

func (e *Engine) clientEvents(ex *Exchange) uint32 {
	if ex.client.handshaking() {
		return handshakeEvents(ex.client.tls)
	}
	var ev uint32
	if e.clientWantsRead(ex) {
		ev |= evRead
	}
	if e.clientWantsWrite(ex) {
		ev |= evWrite
	}
	return ev
}

func (e *Engine) clientWantsRead(ex *Exchange) bool {
	if ex.client.eof || ex.closeAfter {
		return false
	}
	if ex.pinned && e.spliceable(ex) && ex.client.c.Len() == 0 {
		return ex.client.c.PipeLen() < conn.PipeCapacity
	}
	return ex.client.c.Available() > 0
}

func (e *Engine) clientWantsWrite(ex *Exchange) bool {
	switch {
	case ex.client.pendingWrite(), ex.out != nil:
		return true
	case ex.pinned:
		return ex.backend.pending() > 0
	case ex.splicing:
		return ex.backend.c.PipeLen() > 0
	case ex.gzipWait || ex.backend.c == nil || !ex.resp.BodyPending():
		return false
	}
	n, err := ex.resp.Forwardable(ex.backend.c.Bytes())
	return n > 0 || err != nil
}

func (e *Engine) backendEvents(ex *Exchange) uint32 {
	if ex.connecting {
		return evWrite
	}
	if ex.backend.handshaking() {
		return handshakeEvents(ex.backend.tls)
	}
	var ev uint32
	if e.backendWantsRead(ex) {
		ev |= evRead
	}
	if e.backendWantsWrite(ex) {
		ev |= evWrite
	}
	return ev
}

func (e *Engine) backendWantsRead(ex *Exchange) bool {
	switch {
	case ex.backend.eof || ex.connecting:
		return false
	case ex.splicing:
		return ex.resp.BodyLeft() > int64(ex.backend.c.PipeLen()) && ex.backend.c.PipeLen() < conn.PipeCapacity
	case ex.pinned && e.spliceable(ex) && ex.backend.c.Len() == 0:
		return ex.backend.c.PipeLen() < conn.PipeCapacity
	}
	return ex.backend.c.Available() > 0
}

func (e *Engine) backendWantsWrite(ex *Exchange) bool {
	switch {
	case ex.backend.pendingWrite(), ex.up != nil:
		return true
	case ex.pinned:
		return ex.client.pending() > 0
	case !ex.awaiting || !ex.req.BodyPending():
		return false
	}
	n, err := ex.req.Forwardable(ex.client.c.Bytes())
	return n > 0 || err != nil
}

func (e *Engine) setTimer(ex *Exchange, kind timerKind, d time.Duration) {
	if err := ex.timer.Set(d); err != nil {
		e.fail(ex, "arm timer", err)
		return
	}
	ex.timerKind = kind
	if ex.timerOn {
		return
	}
	if err := e.watch(ex.timer.Fd(), ex.key, groupTimer, unix.EPOLLIN); err != nil {
		e.fail(ex, "register timer", err)
		return
	}
	ex.timerOn = true
}

func (e *Engine) cancelTimer(ex *Exchange) {
	if ex.timerKind == timerNone {
		return
	}
	ex.timerKind = timerNone
	if err := ex.timer.Unset(); err != nil {
		e.logger.Warn("Failed to disarm timer", slog.String("exchange", ex.id), slog.Any("error", err))
	}
	if ex.timerOn {
		e.unwatch(ex.timer.Fd())
		ex.timerOn = false
	}
}

func (e *Engine) onTimer(ex *Exchange) {
	if !ex.timer.IsTriggered() {
		return
	}
	kind := ex.timerKind
	e.cancelTimer(ex)
	if kind == timerNone {
		return
	}
	e.timeouts.Add(1)
	e.metrics.Timeout(e.cfg.Name, kind.String())

	switch kind {
	case timerConnect:
		e.logger.Warn("Backend connect timed out",
			slog.String("exchange", ex.id),
			slog.String("backend", ex.be.String()))
		ex.be.MarkDown(perrors.ErrTimeout)
		e.metrics.BackendError(ex.be, "connect_timeout")
		e.replyError(ex, 503)
	case timerRequest:
		e.logger.Debug("Client timed out", slog.String("exchange", ex.id), slog.String("remote", ex.hctx.RemoteAddr))
		e.terminate(ex)
	case timerResponse:
		e.logger.Warn("Backend response timed out",
			slog.String("exchange", ex.id),
			slog.String("backend", ex.be.String()))
		e.metrics.BackendError(ex.be, "response_timeout")
		e.replyError(ex, 504)
	}
}

// fail logs an unexpected fault and tears the exchange down.
func (e *Engine) fail(ex *Exchange, op string, err error) {
	e.logger.Warn("Exchange aborted", slog.Any("error", perrors.New(op, e.cfg.Name, ex.id, ex.hctx.RemoteAddr, err)))
	e.terminate(ex)
}

// releaseBackend closes the backend connection and settles its counters.
func (e *Engine) releaseBackend(ex *Exchange) {
	if ex.timerKind == timerConnect {
		e.cancelTimer(ex)
	}
	if ex.pendingCounted {
		ex.be.DecPending()
		ex.pendingCounted = false
	}
	if ex.counted {
		ex.be.DecConnections()
		e.metrics.BackendReleased(ex.be)
		ex.counted = false
	}
	ex.connecting = false
	ex.splicing = false
	if ex.backend.c == nil {
		return
	}
	if ex.backend.watched {
		e.unwatch(ex.backend.c.Fd())
	}
	if ex.backend.tls != nil {
		ex.backend.tls.Close()
	}
	if err := ex.backend.c.Close(); err != nil {
		e.logger.Debug("Failed to close backend socket", slog.String("exchange", ex.id), slog.Any("error", err))
	}
	ex.backend = endpoint{}
}

// terminate tears the exchange down. Every descriptor is deregistered before
// the arena slot is released; later calls are no-ops.
func (e *Engine) terminate(ex *Exchange) {
	if ex.dead {
		return
	}
	ex.dead = true

	e.cancelTimer(ex)
	e.releaseBackend(ex)
	if ex.client.watched {
		e.unwatch(ex.client.c.Fd())
		ex.client.watched = false
	}
	if ex.client.tls != nil {
		ex.client.tls.Shutdown()
	}
	if err := ex.client.c.Close(); err != nil {
		e.logger.Debug("Failed to close client socket", slog.String("exchange", ex.id), slog.Any("error", err))
	}
	if err := ex.timer.Close(); err != nil {
		e.logger.Debug("Failed to close timer", slog.String("exchange", ex.id), slog.Any("error", err))
	}
	ex.up, ex.out, ex.builder = nil, nil, nil
	delete(e.arena, ex.key)
	e.live.Add(-1)

	if err := e.handler.OnDisconnect(e.ctx, &ex.hctx); err != nil {
		e.logger.Warn("Disconnect handler failed", slog.String("exchange", ex.id), slog.Any("error", err))
	}
	e.metrics.ExchangeClosed(e.cfg.Name, time.Since(ex.created))
	e.logger.Debug("Exchange closed", slog.String("exchange", ex.id), slog.String("remote", ex.hctx.RemoteAddr))
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Listener     string `json:"listener"`
	Engine       int    `json:"engine"`
	Live         int64  `json:"live_exchanges"`
	Descriptors  int64  `json:"registered_fds"`
	Accepted     uint64 `json:"accepted"`
	ErrorReplies uint64 `json:"error_replies"`
	Timeouts     uint64 `json:"timeouts"`
	Pinned       uint64 `json:"pinned"`
	Stopped      bool   `json:"stopped"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Listener:     e.cfg.Name,
		Engine:       e.cfg.ID,
		Live:         e.live.Load(),
		Descriptors:  e.watched.Load(),
		Accepted:     e.accepted.Load(),
		ErrorReplies: e.replies.Load(),
		Timeouts:     e.timeouts.Load(),
		Pinned:       e.pinned.Load(),
		Stopped:      e.stopped.Load(),
	}
}
