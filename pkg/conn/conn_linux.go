// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package conn

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// BufferSize is the capacity of every connection buffer.
const BufferSize = 65535

// Conn is a non-blocking socket with a fixed-capacity buffer.
type Conn struct {
	fd  int
	buf []byte
	n   int

	peer      string
	peerIP    string
	connected bool
	err       error

	// ConnectStart is when the connect was issued or the last request was
	// fully written, used for latency accounting.
	ConnectStart time.Time

	pipe      [2]int
	hasPipe   bool
	pipeBytes int
}

// New wraps an already non-blocking descriptor.
func New(fd int) *Conn {
	return &Conn{
		fd:  fd,
		buf: make([]byte, BufferSize),
	}
}

// Fd returns the socket descriptor, -1 once closed.
func (c *Conn) Fd() int {
	return c.fd
}

// Bytes returns the buffered bytes. The slice is only valid until the next
// buffer mutation.
func (c *Conn) Bytes() []byte {
	return c.buf[:c.n]
}

// Len is the buffer fill length.
func (c *Conn) Len() int {
	return c.n
}

// Available is the free buffer capacity.
func (c *Conn) Available() int {
	return len(c.buf) - c.n
}

// Append copies as much of p as fits and returns the count copied.
func (c *Conn) Append(p []byte) int {
	k := copy(c.buf[c.n:], p)
	c.n += k
	return k
}

// Consume drops the first k buffered bytes, compacting the rest to the front.
func (c *Conn) Consume(k int) {
	if k <= 0 {
		return
	}
	if k >= c.n {
		c.n = 0
		return
	}
	copy(c.buf, c.buf[k:c.n])
	c.n -= k
}

// Reset empties the buffer.
func (c *Conn) Reset() {
	c.n = 0
}

// Err returns the last socket error seen by a primitive that reported Error.
func (c *Conn) Err() error {
	return c.err
}

// IsConnected reports whether the socket finished connecting.
func (c *Conn) IsConnected() bool {
	return c.connected
}

// SetConnected marks an accepted socket as connected.
func (c *Conn) SetConnected() {
	c.connected = true
}

// Read drains the socket into the free buffer space until it would block.
func (c *Conn) Read() Result {
	if c.n == len(c.buf) {
		return FullBuffer
	}
	progress := false
	for c.n < len(c.buf) {
		n, err := unix.Read(c.fd, c.buf[c.n:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if progress {
					return Success
				}
				return TryAgain
			}
			if progress {
				// Reported again on the next call.
				return Success
			}
			c.err = err
			return Error
		}
		if n == 0 {
			if progress {
				return Success
			}
			return FDClosed
		}
		c.n += n
		progress = true
	}
	return FullBuffer
}

// Send writes p directly to the socket without touching the buffer.
func (c *Conn) Send(p []byte) (int, Result) {
	n, res, err := writeFd(c.fd, p)
	if res == Error {
		c.err = err
	}
	return n, res
}

// WriteTo flushes the whole buffer to fd.
func (c *Conn) WriteTo(fd int) (int, Result) {
	return c.WriteToN(fd, c.n)
}

// WriteToN flushes at most limit buffered bytes to fd. Sent bytes are
// consumed; the unsent remainder stays at the front of the buffer.
func (c *Conn) WriteToN(fd, limit int) (int, Result) {
	if limit > c.n {
		limit = c.n
	}
	if limit <= 0 {
		return 0, Success
	}
	n, res, err := writeFd(fd, c.buf[:limit])
	c.Consume(n)
	if res == Error {
		c.err = err
	}
	return n, res
}

// WriteVectored writes the pending part of v to the socket, advancing the
// cursor by every byte the kernel accepted.
func (c *Conn) WriteVectored(v *IOVec) (int, Result) {
	sent := 0
	for !v.Done() {
		n, err := unix.Writev(c.fd, v.Pending())
		if n > 0 {
			v.Advance(n)
			sent += n
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if sent > 0 {
					return sent, Success
				}
				return 0, TryAgain
			case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
				return sent, FDClosed
			}
			c.err = err
			return sent, Error
		}
		if n == 0 {
			return sent, TryAgain
		}
	}
	return sent, Success
}

func writeFd(fd int, p []byte) (int, Result, error) {
	sent := 0
	for sent < len(p) {
		n, err := unix.Write(fd, p[sent:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if sent > 0 {
					return sent, Success, nil
				}
				return 0, TryAgain, nil
			case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
				return sent, FDClosed, err
			}
			return sent, Error, err
		}
		sent += n
	}
	return sent, Success, nil
}

// PeerAddress returns the remote "ip:port", cached after the first call.
func (c *Conn) PeerAddress() string {
	if c.peer == "" && c.fd >= 0 {
		sa, err := unix.Getpeername(c.fd)
		if err == nil {
			if addr := sockaddrToTCP(sa); addr != nil {
				c.peer = addr.String()
				c.peerIP = addr.IP.String()
			}
		}
	}
	return c.peer
}

// PeerIP returns the remote IP without the port.
func (c *Conn) PeerIP() string {
	c.PeerAddress()
	return c.peerIP
}

// LocalAddress returns the bound "ip:port".
func (c *Conn) LocalAddress() string {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return ""
	}
	if addr := sockaddrToTCP(sa); addr != nil {
		return addr.String()
	}
	return ""
}

// Close releases the socket and the splice pipe. Safe to call twice.
func (c *Conn) Close() error {
	c.closePipe()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	c.connected = false
	return err
}

// Connect opens a non-blocking TCP socket to addr. With async unset it waits
// up to timeout for the connection to complete.
func Connect(addr *net.TCPAddr, timeout time.Duration, async bool) (*Conn, OpResult, error) {
	sa, family, err := tcpToSockaddr(addr)
	if err != nil {
		return nil, OpError, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, OpError, fmt.Errorf("failed to create socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	c := New(fd)
	c.ConnectStart = time.Now()
	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		c.connected = true
		return c, OpSuccess, nil
	case errors.Is(err, unix.EINPROGRESS):
		if async {
			return c, OpInProgress, nil
		}
	default:
		c.Close()
		return nil, OpError, err
	}

	if err := waitWritable(fd, timeout); err != nil {
		c.Close()
		return nil, OpError, err
	}
	if err := c.ConnectError(); err != nil {
		c.Close()
		return nil, OpError, err
	}
	return c, OpSuccess, nil
}

func waitWritable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms <= 0 {
			return os.ErrDeadlineExceeded
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// ConnectError completes an in-progress connect, returning the socket error
// if it failed.
func (c *Conn) ConnectError() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	c.connected = true
	return nil
}

// Listen binds a non-blocking listening socket.
func Listen(address string) (*Conn, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	sa, family, err := tcpToSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return New(fd), nil
}

// Accept returns a new non-blocking descriptor, 0 when nothing is pending
// and -1 on an unrecoverable error.
func (c *Conn) Accept() int {
	for {
		nfd, sa, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EAGAIN):
				return 0
			}
			c.err = err
			return -1
		}
		switch sa.(type) {
		case *unix.SockaddrInet4, *unix.SockaddrInet6:
			_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return nfd
		default:
			unix.Close(nfd)
		}
	}
}

func tcpToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if addr == nil {
		return nil, 0, fmt.Errorf("nil address")
	}
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To4(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}
