// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import "errors"

var errBadChunk = errors.New("malformed chunked body")

const maxChunkSize = 1 << 40

type chunkState int

const (
	csSize chunkState = iota
	csSizeExt
	csSizeLF
	csData
	csDataCR
	csDataLF
	csTrailer
	csTrailerLine
	csTrailerLF
	csDone
)

// chunkScanner follows chunked framing without decoding it, so the raw bytes
// can be relayed unchanged. It is a value type, so a copy can look ahead
// without committing.
type chunkScanner struct {
	state  chunkState
	size   int64
	digits int
	left   int64
}

func (s *chunkScanner) done() bool {
	return s.state == csDone
}

// scan consumes bytes up to the end of the message and returns how many
// belong to it.
func (s *chunkScanner) scan(p []byte) (int, error) {
	i := 0
	for i < len(p) && s.state != csDone {
		c := p[i]
		switch s.state {
		case csSize:
			if d, ok := hexDigit(c); ok {
				s.size = s.size<<4 | int64(d)
				s.digits++
				if s.size > maxChunkSize {
					return i, errBadChunk
				}
				break
			}
			if s.digits == 0 {
				return i, errBadChunk
			}
			switch c {
			case ';', ' ', '\t':
				s.state = csSizeExt
			case '\r':
				s.state = csSizeLF
			case '\n':
				s.endSizeLine()
			default:
				return i, errBadChunk
			}
		case csSizeExt:
			switch c {
			case '\r':
				s.state = csSizeLF
			case '\n':
				s.endSizeLine()
			}
		case csSizeLF:
			if c != '\n' {
				return i, errBadChunk
			}
			s.endSizeLine()
		case csData:
			n := int64(len(p) - i)
			if n > s.left {
				n = s.left
			}
			s.left -= n
			i += int(n)
			if s.left == 0 {
				s.state = csDataCR
			}
			continue
		case csDataCR:
			switch c {
			case '\r':
				s.state = csDataLF
			case '\n':
				s.state = csSize
			default:
				return i, errBadChunk
			}
		case csDataLF:
			if c != '\n' {
				return i, errBadChunk
			}
			s.state = csSize
		case csTrailer:
			switch c {
			case '\r':
				s.state = csTrailerLF
			case '\n':
				s.state = csDone
			default:
				s.state = csTrailerLine
			}
		case csTrailerLine:
			if c == '\n' {
				s.state = csTrailer
			}
		case csTrailerLF:
			if c != '\n' {
				return i, errBadChunk
			}
			s.state = csDone
		}
		i++
	}
	return i, nil
}

func (s *chunkScanner) endSizeLine() {
	if s.size == 0 {
		s.state = csTrailer
	} else {
		s.state = csData
		s.left = s.size
	}
	s.size = 0
	s.digits = 0
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
