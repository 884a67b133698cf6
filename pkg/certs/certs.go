// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 100 * time.Millisecond

// ErrNoCertificates is returned when a Store is built with no key pair.
var ErrNoCertificates = errors.New("no certificates configured")

// Pair names the PEM files of one certificate.
type Pair struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Store holds the current certificates of a listener.
type Store struct {
	pairs  []Pair
	logger *slog.Logger

	mu    sync.RWMutex
	certs []*tls.Certificate
}

// NewStore loads every pair. The first pair is the default certificate.
func NewStore(pairs []Pair, logger *slog.Logger) (*Store, error) {
	if len(pairs) == 0 {
		return nil, ErrNoCertificates
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pairs: pairs, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload reads every pair again. On error the previous set stays active.
func (s *Store) Reload() error {
	certs := make([]*tls.Certificate, 0, len(s.pairs))
	for _, p := range s.pairs {
		c, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load certificate %s: %w", p.CertFile, err)
		}
		certs = append(certs, &c)
	}
	s.mu.Lock()
	s.certs = certs
	s.mu.Unlock()
	return nil
}

// GetCertificate picks the first certificate valid for the requested SNI and
// falls back to the default one.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hello.ServerName != "" {
		for _, c := range s.certs {
			if hello.SupportsCertificate(c) == nil {
				return c, nil
			}
		}
	}
	return s.certs[0], nil
}

// TLSConfig returns a server configuration bound to the store.
func (s *Store) TLSConfig(minVersion uint16) *tls.Config {
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		MinVersion:     minVersion,
		GetCertificate: s.GetCertificate,
	}
}

// Watch reloads the store whenever one of its files is written, created or
// renamed into place. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	files := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, p := range s.pairs {
		for _, f := range []string{p.CertFile, p.KeyFile} {
			abs, err := filepath.Abs(f)
			if err != nil {
				return err
			}
			files[abs] = struct{}{}
			dirs[filepath.Dir(abs)] = struct{}{}
		}
	}
	// Watch directories so that atomic renames are seen.
	for d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			abs, _ := filepath.Abs(ev.Name)
			if _, ok := files[abs]; !ok {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error("Certificate reload failed", slog.String("error", err.Error()))
					return
				}
				s.logger.Info("Certificates reloaded", slog.Int("count", len(s.pairs)))
			})
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			s.logger.Error("Certificate watcher error", slog.String("error", err.Error()))
		}
	}
}
