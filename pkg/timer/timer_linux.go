// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package timer provides a one-shot timerfd that can be registered with epoll.
package timer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a non-blocking one-shot timer backed by a timerfd.
type Timer struct {
	fd    int
	armed bool
}

// New creates a disarmed timer.
func New() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create timerfd: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// Fd returns the descriptor to register for readability.
func (t *Timer) Fd() int {
	return t.fd
}

// IsSet reports whether the timer is armed and has not been consumed.
func (t *Timer) IsSet() bool {
	return t.armed
}

// Set arms the timer to expire once after d, replacing any earlier deadline.
func (t *Timer) Set(d time.Duration) error {
	if d <= 0 {
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("failed to arm timer: %w", err)
	}
	t.armed = true
	return nil
}

// Unset disarms the timer and discards any pending expiration. Unsetting a
// disarmed timer is a no-op.
func (t *Timer) Unset() error {
	if t.fd < 0 {
		return nil
	}
	t.armed = false
	var spec unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("failed to disarm timer: %w", err)
	}
	t.drain()
	return nil
}

// IsTriggered consumes a pending expiration. It never reports true for a
// timer that was unset.
func (t *Timer) IsTriggered() bool {
	if !t.armed {
		return false
	}
	if t.drain() == 0 {
		return false
	}
	t.armed = false
	return true
}

func (t *Timer) drain() uint64 {
	var buf [8]byte
	for {
		n, err := unix.Read(t.fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n != len(buf) {
			return 0
		}
		return binary.NativeEndian.Uint64(buf[:])
	}
}

// Close releases the descriptor.
func (t *Timer) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	t.armed = false
	return err
}
