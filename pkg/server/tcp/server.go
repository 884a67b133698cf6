// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/absmach/l7proxy/pkg/conn"
	"github.com/absmach/l7proxy/pkg/control"
	"github.com/absmach/l7proxy/pkg/engine"
	"github.com/robfig/cron/v3"
	"golang.org/x/sys/unix"
)

const (
	defaultMaintenanceInterval = 2 * time.Second
	defaultShutdownTimeout     = 30 * time.Second
	pollTimeout                = 250 * time.Millisecond
	drainPoll                  = 50 * time.Millisecond
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrNoEngines is returned when a server is started without engines.
	ErrNoEngines = errors.New("no stream engines")
)

// Config holds the listener configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// MaintenanceInterval is the period of the maintenance tasks. Intervals
	// under a second are rounded up to a second.
	MaintenanceInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for live exchanges to
	// finish during graceful shutdown. After this timeout, the engines are
	// stopped and remaining exchanges are torn down.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// Engine is a stream engine that accepted sockets are handed to.
type Engine interface {
	Run(ctx context.Context) error
	AddStream(fd int) error
	Stats() engine.Stats
}

// Server owns the listening socket. It accepts on a dedicated OS thread and
// sheds connections round robin to its engines.
type Server struct {
	config  Config
	engines []Engine
	tasks   []func()
	next    int
	wg      sync.WaitGroup

	mu    sync.Mutex
	addr  string
	stop  context.CancelFunc
	ready chan struct{}
}

// New creates a listener feeding engines. tasks run on every maintenance tick.
func New(cfg Config, engines []Engine, tasks ...func()) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		config:  cfg,
		engines: engines,
		tasks:   tasks,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, valid after Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the engines and the accept loop and blocks until the context
// is cancelled. Live exchanges are given ShutdownTimeout to finish.
func (s *Server) Listen(ctx context.Context) error {
	if len(s.engines) == 0 {
		return ErrNoEngines
	}
	ln, err := conn.Listen(s.config.Address)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.addr = ln.LocalAddress()
	s.stop = cancel
	s.mu.Unlock()
	close(s.ready)

	engCtx, engCancel := context.WithCancel(context.Background())
	defer engCancel()
	for i, e := range s.engines {
		i, e := i, e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := e.Run(engCtx); err != nil {
				s.config.Logger.Error("Stream engine failed", slog.Int("engine", i), slog.String("error", err.Error()))
			}
		}()
	}

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.config.Logger})))
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", s.config.MaintenanceInterval), s.maintain); err != nil {
		engCancel()
		s.wg.Wait()
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	sched.Start()

	s.config.Logger.Info("Listener started",
		slog.String("address", s.Addr()),
		slog.Int("engines", len(s.engines)))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		s.acceptLoop(ctx, ln)
	}()

	<-ctx.Done()
	s.config.Logger.Info("Shutdown signal received, closing listener")
	<-acceptDone
	<-sched.Stop().Done()

	drained := s.drain()
	engCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.config.Logger.Warn("Stream engines did not stop in time")
		return ErrShutdownTimeout
	}
	if !drained {
		s.config.Logger.Warn("Shutdown timeout exceeded, live exchanges were closed")
		return ErrShutdownTimeout
	}
	s.config.Logger.Info("All exchanges closed gracefully")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln *conn.Conn) {
	fds := []unix.PollFd{{Fd: int32(ln.Fd()), Events: unix.POLLIN}}
	for ctx.Err() == nil {
		n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.config.Logger.Error("Failed to poll listener", slog.String("error", err.Error()))
			return
		}
		if n == 0 {
			continue
		}
		for {
			fd := ln.Accept()
			if fd == 0 {
				break
			}
			if fd < 0 {
				s.config.Logger.Error("Failed to accept connection", slog.String("error", ln.Err().Error()))
				break
			}
			s.dispatch(fd)
		}
	}
}

// dispatch hands fd to the next running engine. Engines stopped by a control
// task are skipped; with none left the connection is closed.
func (s *Server) dispatch(fd int) {
	for range s.engines {
		e := s.engines[s.next%len(s.engines)]
		s.next++
		if e.Stats().Stopped {
			continue
		}
		if err := e.AddStream(fd); err != nil {
			s.config.Logger.Warn("Connection dropped", slog.Int("fd", fd), slog.String("error", err.Error()))
		}
		return
	}
	s.config.Logger.Warn("Connection dropped", slog.Int("fd", fd), slog.String("error", ErrNoEngines.Error()))
	unix.Close(fd)
}

// Running counts the engines still accepting sockets.
func (s *Server) Running() int {
	n := 0
	for _, e := range s.engines {
		if !e.Stats().Stopped {
			n++
		}
	}
	return n
}

// Stop begins a graceful shutdown, as if the Listen context was cancelled.
func (s *Server) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// RegisterControl answers listener stats tasks with the engines' counters
// and shuts the listener down on a process EXIT task.
func (s *Server) RegisterControl(r *control.Registry) {
	r.Register(control.TargetListener, control.SubjectStats, func(context.Context, control.Task) (any, error) {
		stats := make([]engine.Stats, 0, len(s.engines))
		for _, e := range s.engines {
			stats = append(stats, e.Stats())
		}
		return map[string]any{"address": s.Addr(), "engines": stats}, nil
	})
	r.Register(control.TargetListener, control.SubjectProcess, func(_ context.Context, t control.Task) (any, error) {
		if t.Command == control.Exit {
			s.config.Logger.Info("Exit requested by control task, shutting down")
			s.Stop()
			return map[string]any{"address": s.Addr(), "stopping": true}, nil
		}
		return map[string]any{"address": s.Addr(), "stopping": false}, nil
	})
}

// cronLogger routes scheduler messages to the listener logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}

func (s *Server) maintain() {
	for _, task := range s.tasks {
		task()
	}
}

// drain waits for the engines to finish their live exchanges.
func (s *Server) drain() bool {
	deadline := time.Now().Add(s.config.ShutdownTimeout)
	for {
		var live int64
		for _, e := range s.engines {
			live += e.Stats().Live
		}
		if live == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(drainPoll)
	}
}
