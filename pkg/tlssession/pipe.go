// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlssession

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"
)

// pipe is the in-memory transport under tls.Conn. Ciphertext read from the
// socket is appended to in; records produced by the TLS stack accumulate in
// out until the engine flushes them. The TLS goroutine only ever blocks in
// Read, so "parked with nothing to read" is a quiescent point the engine can
// wait for.
type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  []byte
	out []byte

	eof    bool
	closed bool
	parked bool

	// Written by the TLS goroutine.
	exited        bool
	handshakeDone bool
	state         tls.ConnectionState
	plain         []byte
	err           error

	local, remote net.Addr
}

func newPipe(local, remote net.Addr) *pipe {
	p := &pipe{local: local, remote: remote}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.in) == 0 {
		if p.closed {
			return 0, net.ErrClosed
		}
		if p.eof {
			return 0, io.EOF
		}
		p.parked = true
		p.cond.Broadcast()
		p.cond.Wait()
		p.parked = false
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	if len(p.in) == 0 {
		p.in = nil
	}
	return n, nil
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.out = append(p.out, b...)
	return len(b), nil
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *pipe) LocalAddr() net.Addr                { return p.local }
func (p *pipe) RemoteAddr() net.Addr               { return p.remote }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }

// feed appends ciphertext and wakes the TLS goroutine.
func (p *pipe) feed(b []byte) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) setEOF() {
	p.mu.Lock()
	p.eof = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// settle blocks until the TLS goroutine has consumed all ciphertext and is
// waiting for more, or has exited.
func (p *pipe) settle() {
	p.mu.Lock()
	for !p.exited && !(p.parked && len(p.in) == 0) {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *pipe) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.in) + len(p.plain)
}

func (p *pipe) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.exited = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

var _ net.Conn = (*pipe)(nil)
