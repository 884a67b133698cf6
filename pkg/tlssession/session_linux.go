// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package tlssession

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/absmach/l7proxy/pkg/conn"
	perrors "github.com/absmach/l7proxy/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// MaxHandshakeRetries bounds the handshake steps before giving up.
	MaxHandshakeRetries = 50

	shutdownRetries = 10
	readChunk       = 16 * 1024
	maxPending      = conn.BufferSize
	sniffSize       = 4096
)

// ErrTooManyRetries is returned when the handshake exceeds MaxHandshakeRetries.
var ErrTooManyRetries = errors.New("tls handshake retries exceeded")

// Session drives a TLS connection over a non-blocking socket one step at a
// time. All methods must be called from the goroutine that owns the socket.
type Session struct {
	fd     int
	server bool
	tc     *tls.Conn
	p      *pipe

	status    Status
	retries   int
	started   bool
	connected bool
	shutdown  bool
	err       error

	rbuf  []byte
	sniff []byte

	serverName string
	version    string
	cipher     string
	peerCert   *x509.Certificate
}

// NewServer prepares a server-side session on an accepted socket.
func NewServer(fd int, cfg *tls.Config) *Session {
	s := newSession(fd, true)
	s.tc = tls.Server(s.p, cfg)
	return s
}

// NewClient prepares a client-side session on a backend socket.
func NewClient(fd int, cfg *tls.Config) *Session {
	s := newSession(fd, false)
	s.tc = tls.Client(s.p, cfg)
	return s
}

func newSession(fd int, server bool) *Session {
	var local, remote net.Addr
	if sa, err := unix.Getsockname(fd); err == nil {
		local = toAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		remote = toAddr(sa)
	}
	return &Session{
		fd:     fd,
		server: server,
		p:      newPipe(local, remote),
		status: StatusNeedHandshake,
		rbuf:   make([]byte, readChunk),
	}
}

func (s *Session) run() {
	if err := s.tc.Handshake(); err != nil {
		s.p.finish(err)
		return
	}
	state := s.tc.ConnectionState()
	s.p.mu.Lock()
	s.p.handshakeDone = true
	s.p.state = state
	s.p.cond.Broadcast()
	s.p.mu.Unlock()

	buf := make([]byte, readChunk)
	for {
		n, err := s.tc.Read(buf)
		if n > 0 {
			s.p.mu.Lock()
			s.p.plain = append(s.p.plain, buf[:n]...)
			s.p.mu.Unlock()
		}
		if err != nil {
			s.p.finish(err)
			return
		}
	}
}

// Status returns the handshake state.
func (s *Session) Status() Status {
	return s.status
}

// Connected reports whether the handshake completed.
func (s *Session) Connected() bool {
	return s.connected
}

// Err returns the error that moved the session to HandshakeError or made an
// I/O call fail.
func (s *Session) Err() error {
	return s.err
}

// Retries is the number of handshake steps taken.
func (s *Session) Retries() int {
	return s.retries
}

// ServerName is the SNI requested by the client.
func (s *Session) ServerName() string {
	return s.serverName
}

// Version is the negotiated protocol version name.
func (s *Session) Version() string {
	return s.version
}

// Cipher is the negotiated cipher suite name.
func (s *Session) Cipher() string {
	return s.cipher
}

// PeerCertificate is the leaf certificate presented by the peer, if any.
func (s *Session) PeerCertificate() *x509.Certificate {
	return s.peerCert
}

// PlainRequest returns the first bytes received, which hold the request line
// when the peer spoke plain HTTP.
func (s *Session) PlainRequest() []byte {
	return s.sniff
}

// Handshake advances the handshake by one non-blocking step.
func (s *Session) Handshake() Status {
	if s.status == StatusHandshakeDone || s.status == StatusHandshakeError {
		return s.status
	}
	s.retries++
	if s.retries > MaxHandshakeRetries {
		return s.fail(ErrTooManyRetries)
	}
	if !s.started {
		s.started = true
		go s.run()
	}
	s.status = StatusHandshakeStart

	if res := s.flush(); res == conn.Error || res == conn.FDClosed {
		return s.fail(s.ioErr(res))
	}
	if res := s.fill(true); res == conn.Error {
		return s.fail(s.ioErr(res))
	}
	s.p.settle()
	if res := s.flush(); res == conn.Error || res == conn.FDClosed {
		return s.fail(s.ioErr(res))
	}

	s.p.mu.Lock()
	done, exited, werr := s.p.handshakeDone, s.p.exited, s.p.err
	state := s.p.state
	pending := len(s.p.out) > 0
	s.p.mu.Unlock()

	switch {
	case done:
		s.status = StatusHandshakeDone
		s.connected = true
		s.serverName = state.ServerName
		s.version = tls.VersionName(state.Version)
		s.cipher = tls.CipherSuiteName(state.CipherSuite)
		if len(state.PeerCertificates) > 0 {
			s.peerCert = state.PeerCertificates[0]
		}
	case exited:
		return s.fail(werr)
	case pending:
		s.status = StatusWantWrite
	default:
		s.status = StatusWantRead
	}
	return s.status
}

func (s *Session) fail(err error) Status {
	switch {
	case isPlainHTTP(err):
		s.err = fmt.Errorf("%w: %v", perrors.ErrPlainHTTP, err)
	case errors.Is(err, perrors.ErrTLSHandshake):
		s.err = err
	default:
		s.err = fmt.Errorf("%w: %v", perrors.ErrTLSHandshake, err)
	}
	s.status = StatusHandshakeError
	return s.status
}

func (s *Session) ioErr(res conn.Result) error {
	if s.err != nil {
		return s.err
	}
	return fmt.Errorf("socket %s", res)
}

// PendingWrite reports whether encrypted bytes wait to be flushed.
func (s *Session) PendingWrite() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return len(s.p.out) > 0
}

// Buffered reports whether decrypted bytes wait to be read.
func (s *Session) Buffered() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return len(s.p.plain) > 0
}

// Read decrypts available application data into dst.
func (s *Session) Read(dst *conn.Conn) conn.Result {
	if s.status != StatusHandshakeDone {
		return conn.NeedHandshake
	}
	if dst.Available() == 0 {
		return conn.FullBuffer
	}
	fr := s.fill(false)
	if fr == conn.Error {
		return conn.Error
	}
	s.p.settle()
	if res := s.flush(); res == conn.Error {
		return conn.Error
	}

	s.p.mu.Lock()
	n := dst.Append(s.p.plain)
	s.p.plain = s.p.plain[n:]
	if len(s.p.plain) == 0 {
		s.p.plain = nil
	}
	exited, werr := s.p.exited, s.p.err
	s.p.mu.Unlock()

	if n > 0 {
		if dst.Available() == 0 {
			return conn.FullBuffer
		}
		return conn.Success
	}
	if exited {
		return s.readResult(werr)
	}
	if fr == conn.FDClosed {
		return conn.FDClosed
	}
	return conn.TryAgain
}

func (s *Session) readResult(err error) conn.Result {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return conn.FDClosed
	case strings.Contains(err.Error(), "renegotiat"):
		s.err = err
		return conn.WantRenegotiation
	default:
		s.err = err
		return conn.Error
	}
}

// Write encrypts p and flushes as much ciphertext as the socket accepts.
// Nothing is accepted while earlier ciphertext is still unsent.
func (s *Session) Write(p []byte) (int, conn.Result) {
	if s.status != StatusHandshakeDone {
		return 0, conn.NeedHandshake
	}
	if res := s.flush(); res != conn.Success {
		return 0, res
	}
	n, err := s.tc.Write(p)
	if err != nil {
		s.err = err
		return 0, conn.Error
	}
	if res := s.flush(); res == conn.Error || res == conn.FDClosed {
		return n, res
	}
	return n, conn.Success
}

// Flush writes pending ciphertext to the socket.
func (s *Session) Flush() conn.Result {
	return s.flush()
}

func (s *Session) flush() conn.Result {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for len(s.p.out) > 0 {
		n, err := unix.Write(s.fd, s.p.out)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return conn.TryAgain
			case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
				return conn.FDClosed
			}
			s.err = err
			return conn.Error
		}
		s.p.out = s.p.out[n:]
	}
	s.p.out = nil
	return conn.Success
}

// fill moves ciphertext from the socket into the pipe.
func (s *Session) fill(sniff bool) conn.Result {
	got := false
	for {
		if s.p.pending() >= maxPending {
			if got {
				return conn.Success
			}
			return conn.FullBuffer
		}
		n, err := unix.Read(s.fd, s.rbuf)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if got {
					return conn.Success
				}
				return conn.TryAgain
			}
			s.err = err
			return conn.Error
		}
		if n == 0 {
			s.p.setEOF()
			if got {
				return conn.Success
			}
			return conn.FDClosed
		}
		if sniff && len(s.sniff) < sniffSize {
			s.sniff = append(s.sniff, s.rbuf[:min(n, sniffSize-len(s.sniff))]...)
		}
		s.p.feed(s.rbuf[:n])
		got = true
	}
}

// Shutdown sends close_notify with a bounded number of flush attempts and
// releases the TLS goroutine.
func (s *Session) Shutdown() {
	if s.status == StatusHandshakeDone && !s.shutdown {
		s.shutdown = true
		if err := s.tc.CloseWrite(); err == nil {
			for i := 0; i < shutdownRetries; i++ {
				if s.flush() != conn.TryAgain {
					break
				}
			}
		}
	}
	s.p.Close()
}

// Close releases the TLS goroutine without a close_notify.
func (s *Session) Close() {
	s.p.Close()
}

func isPlainHTTP(err error) bool {
	var rhe tls.RecordHeaderError
	if !errors.As(err, &rhe) {
		return false
	}
	switch string(rhe.RecordHeader[:]) {
	case "GET /", "HEAD ", "POST ", "PUT /", "OPTIO", "DELET", "PATCH", "CONNE":
		return true
	}
	return false
}

func toAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return &net.TCPAddr{}
}
