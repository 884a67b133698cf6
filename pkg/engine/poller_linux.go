// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package engine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	evRead  = unix.EPOLLIN | unix.EPOLLRDHUP
	evWrite = unix.EPOLLOUT
	evHup   = unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLRDHUP

	maxEvents = 256
)

// poller is a level-triggered epoll set. Every registration carries the fd
// and a generation in the event payload so that events queued for a
// descriptor that was closed and reused in the same batch can be told apart.
type poller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll: %w", err)
	}
	return &poller{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (p *poller) ctl(op, fd int, events uint32, gen int32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd), Pad: gen}
	return unix.EpollCtl(p.fd, op, fd, &ev)
}

func (p *poller) add(fd int, events uint32, gen int32) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, events, gen)
}

func (p *poller) mod(fd int, events uint32, gen int32) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events, gen)
}

func (p *poller) del(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// wait blocks up to ms milliseconds (-1 forever) for ready descriptors.
func (p *poller) wait(ms int) ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(p.fd, p.events, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p.events[:n], nil
	}
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

// waker is an eventfd used to interrupt wait from other goroutines.
type waker struct {
	fd int
}

func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return &waker{fd: fd}, nil
}

func (w *waker) wake() {
	one := [8]byte{1}
	_, _ = unix.Write(w.fd, one[:])
}

func (w *waker) drain() {
	var buf [8]byte
	_, _ = unix.Read(w.fd, buf[:])
}

func (w *waker) close() error {
	return unix.Close(w.fd)
}
