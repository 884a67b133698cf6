// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/l7proxy/pkg/errors"
)

// Status is the availability of a backend.
type Status int

const (
	StatusNoBackend Status = iota
	StatusUp
	StatusDown
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	case StatusDisabled:
		return "disabled"
	default:
		return "no_backend"
	}
}

// ParseStatus accepts the names used by the control plane. "active" is an
// alias of "up".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "up", "active":
		return StatusUp, nil
	case "down":
		return StatusDown, nil
	case "disabled":
		return StatusDisabled, nil
	}
	return StatusNoBackend, fmt.Errorf("%w: backend status %q", errors.ErrInvalidInput, s)
}

const (
	defaultConnectTimeout  = 5 * time.Second
	defaultResponseTimeout = 30 * time.Second
	defaultRedirectCode    = 302

	// ewmaWeight is the share of the newest sample in a rolling average.
	ewmaWeight = 0.3
)

// Config describes one backend in the services file.
type Config struct {
	Name               string        `yaml:"name"`
	Address            string        `yaml:"address"`
	Port               int           `yaml:"port"`
	Weight             int           `yaml:"weight"`
	Key                string        `yaml:"key"`
	HTTPS              bool          `yaml:"https"`
	ServerName         string        `yaml:"server_name"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ResponseTimeout    time.Duration `yaml:"response_timeout"`
	Redirect           string        `yaml:"redirect"`
	RedirectCode       int           `yaml:"redirect_code"`
	Disabled           bool          `yaml:"disabled"`
}

// Backend is the routing, health and statistics record of one upstream
// server. It is shared by every engine; mutable fields are guarded by mu.
type Backend struct {
	ID              int
	Name            string
	Service         string
	Addr            *net.TCPAddr
	Key             string
	TLS             *tls.Config
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	RedirectURL     string
	RedirectCode    int
	Emergency       bool

	logger *slog.Logger

	mu          sync.Mutex
	status      Status
	weight      int
	conns       int
	pending     int
	requests    uint64
	connectAvg  time.Duration
	responseAvg time.Duration
	transferAvg time.Duration
}

// New builds a backend from its configuration. Redirect backends carry no
// address.
func New(id int, service string, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		ID:              id,
		Name:            cfg.Name,
		Service:         service,
		Key:             cfg.Key,
		ConnectTimeout:  cfg.ConnectTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		RedirectURL:     cfg.Redirect,
		RedirectCode:    cfg.RedirectCode,
		status:          StatusUp,
		weight:          cfg.Weight,
		logger:          logger,
	}
	if b.Name == "" {
		b.Name = strconv.Itoa(id)
	}
	if b.weight <= 0 {
		b.weight = 1
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = defaultConnectTimeout
	}
	if b.ResponseTimeout <= 0 {
		b.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.Disabled {
		b.status = StatusDisabled
	}

	if b.RedirectURL != "" {
		if b.RedirectCode == 0 {
			b.RedirectCode = defaultRedirectCode
		}
		switch b.RedirectCode {
		case 301, 302, 307, 308:
		default:
			return nil, fmt.Errorf("%w: redirect code %d", errors.ErrInvalidInput, b.RedirectCode)
		}
		return b, nil
	}

	if cfg.Address == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: backend %q needs address and port", errors.ErrInvalidInput, b.Name)
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backend %q: %w", b.Name, err)
	}
	b.Addr = addr
	if b.Key == "" {
		b.Key = fmt.Sprintf("%s-%d", service, id)
	}

	if cfg.HTTPS {
		sn := cfg.ServerName
		if sn == "" {
			sn = cfg.Address
		}
		b.TLS = &tls.Config{
			ServerName:         sn,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}
	return b, nil
}

// IsRedirect reports whether the backend answers with a redirect instead of
// proxying.
func (b *Backend) IsRedirect() bool {
	return b.RedirectURL != ""
}

// IsHTTPS reports whether connections to the backend use TLS.
func (b *Backend) IsHTTPS() bool {
	return b.TLS != nil
}

// String returns the backend name and address for logs.
func (b *Backend) String() string {
	if b.Addr == nil {
		return b.Name
	}
	return b.Name + "@" + b.Addr.String()
}

func (b *Backend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Available reports whether new exchanges may be routed to the backend.
func (b *Backend) Available() bool {
	return b.Status() == StatusUp
}

// SetStatus changes the status and logs the transition.
func (b *Backend) SetStatus(s Status) {
	b.mu.Lock()
	prev := b.status
	b.status = s
	b.mu.Unlock()
	if prev != s {
		b.logger.Warn("Backend status changed",
			slog.String("service", b.Service),
			slog.String("backend", b.String()),
			slog.String("from", prev.String()),
			slog.String("to", s.String()))
	}
}

// MarkDown flags the backend DOWN after a failed connect, handshake or health check.
// Disabled backends stay disabled.
func (b *Backend) MarkDown(reason error) {
	b.mu.Lock()
	if b.status == StatusDisabled || b.status == StatusDown {
		b.mu.Unlock()
		return
	}
	b.status = StatusDown
	b.mu.Unlock()

	attrs := []any{
		slog.String("service", b.Service),
		slog.String("backend", b.String()),
	}
	if reason != nil {
		attrs = append(attrs, slog.String("error", reason.Error()))
	}
	b.logger.Warn("Backend marked down", attrs...)
}

// MarkUp restores a DOWN backend after a successful connect or health check.
func (b *Backend) MarkUp() {
	b.mu.Lock()
	if b.status != StatusDown {
		b.mu.Unlock()
		return
	}
	b.status = StatusUp
	b.mu.Unlock()
	b.logger.Info("Backend resurrected",
		slog.String("service", b.Service),
		slog.String("backend", b.String()))
}

func (b *Backend) Weight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.weight
}

// SetWeight changes the selection weight. Zero removes the backend from
// weighted selection without changing its status.
func (b *Backend) SetWeight(w int) error {
	if w < 0 {
		return fmt.Errorf("%w: weight %d", errors.ErrInvalidInput, w)
	}
	b.mu.Lock()
	b.weight = w
	b.mu.Unlock()
	return nil
}

// IncConnections records an established backend connection.
func (b *Backend) IncConnections() {
	b.mu.Lock()
	b.conns++
	b.requests++
	b.mu.Unlock()
}

// DecConnections releases a connection recorded by IncConnections.
func (b *Backend) DecConnections() {
	b.mu.Lock()
	if b.conns > 0 {
		b.conns--
	}
	b.mu.Unlock()
}

func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns
}

// IncPending records a connect in progress.
func (b *Backend) IncPending() {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
}

// DecPending releases a connect recorded by IncPending.
func (b *Backend) DecPending() {
	b.mu.Lock()
	if b.pending > 0 {
		b.pending--
	}
	b.mu.Unlock()
}

func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// ObserveConnect folds a connect latency into the rolling average.
func (b *Backend) ObserveConnect(d time.Duration) {
	b.mu.Lock()
	b.connectAvg = ewma(b.connectAvg, d)
	b.mu.Unlock()
}

// ObserveResponse folds a time-to-first-byte sample into the rolling average.
func (b *Backend) ObserveResponse(d time.Duration) {
	b.mu.Lock()
	b.responseAvg = ewma(b.responseAvg, d)
	b.mu.Unlock()
}

// ObserveTransfer folds a full response transfer time into the rolling average.
func (b *Backend) ObserveTransfer(d time.Duration) {
	b.mu.Lock()
	b.transferAvg = ewma(b.transferAvg, d)
	b.mu.Unlock()
}

func ewma(avg, sample time.Duration) time.Duration {
	if avg == 0 {
		return sample
	}
	return time.Duration(ewmaWeight*float64(sample) + (1-ewmaWeight)*float64(avg))
}

// Stats is a point-in-time snapshot of a backend.
type Stats struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	Service      string  `json:"service"`
	Address      string  `json:"address,omitempty"`
	Redirect     string  `json:"redirect,omitempty"`
	Status       string  `json:"status"`
	Weight       int     `json:"weight"`
	Emergency    bool    `json:"emergency,omitempty"`
	HTTPS        bool    `json:"https"`
	Connections  int     `json:"connections"`
	Pending      int     `json:"pending_connections"`
	Requests     uint64  `json:"requests"`
	ConnectTime  float64 `json:"connect_time_ms"`
	ResponseTime float64 `json:"response_time_ms"`
	TransferTime float64 `json:"transfer_time_ms"`
}

// Stats returns a snapshot of the backend state.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		ID:           b.ID,
		Name:         b.Name,
		Service:      b.Service,
		Redirect:     b.RedirectURL,
		Status:       b.status.String(),
		Weight:       b.weight,
		Emergency:    b.Emergency,
		HTTPS:        b.TLS != nil,
		Connections:  b.conns,
		Pending:      b.pending,
		Requests:     b.requests,
		ConnectTime:  millis(b.connectAvg),
		ResponseTime: millis(b.responseAvg),
		TransferTime: millis(b.transferAvg),
	}
	if b.Addr != nil {
		st.Address = b.Addr.String()
	}
	return st
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
