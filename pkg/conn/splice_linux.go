// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package conn

import (
	"errors"

	"golang.org/x/sys/unix"
)

// PipeCapacity bounds the bytes parked in the splice pipe.
const PipeCapacity = 65536

const spliceFlags = unix.SPLICE_F_NONBLOCK | unix.SPLICE_F_MOVE

// PipeLen is the number of bytes waiting in the splice pipe.
func (c *Conn) PipeLen() int {
	return c.pipeBytes
}

// SpliceIn moves up to max bytes (0 for no limit) from the socket into the
// kernel pipe.
func (c *Conn) SpliceIn(max int) (int, Result) {
	if !c.hasPipe {
		if err := unix.Pipe2(c.pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
			c.err = err
			return 0, Error
		}
		c.hasPipe = true
	}
	room := PipeCapacity - c.pipeBytes
	if room <= 0 {
		return 0, FullBuffer
	}
	if max > 0 && max < room {
		room = max
	}
	for {
		n, err := unix.Splice(c.fd, nil, c.pipe[1], nil, room, spliceFlags)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return 0, TryAgain
			}
			c.err = err
			return 0, Error
		}
		if n == 0 {
			return 0, FDClosed
		}
		c.pipeBytes += int(n)
		return int(n), Success
	}
}

// SpliceOut moves up to max bytes (0 for no limit) from the pipe to fd.
func (c *Conn) SpliceOut(fd, max int) (int, Result) {
	if c.pipeBytes == 0 {
		return 0, Success
	}
	want := c.pipeBytes
	if max > 0 && max < want {
		want = max
	}
	sent := 0
	for sent < want {
		n, err := unix.Splice(c.pipe[0], nil, fd, nil, want-sent, spliceFlags)
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
			break
		}
		sent += int(n)
		c.pipeBytes -= int(n)
	}
	return sent, Success
}

func (c *Conn) closePipe() {
	if !c.hasPipe {
		return
	}
	unix.Close(c.pipe[0])
	unix.Close(c.pipe[1])
	c.hasPipe = false
	c.pipeBytes = 0
}
