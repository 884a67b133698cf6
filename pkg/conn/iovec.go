// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

// IOVec is a scatter-gather list with a resumable write cursor.
// The segments are never modified.
type IOVec struct {
	segs  [][]byte
	idx   int
	off   int
	total int
	sent  int
}

// NewIOVec builds an IOVec over the given segments.
func NewIOVec(segs ...[]byte) *IOVec {
	v := &IOVec{segs: segs}
	for _, s := range segs {
		v.total += len(s)
	}
	v.skipEmpty()
	return v
}

// Pending returns the unsent remainder as slices of the original segments.
func (v *IOVec) Pending() [][]byte {
	if v.Done() {
		return nil
	}
	out := make([][]byte, 0, len(v.segs)-v.idx)
	out = append(out, v.segs[v.idx][v.off:])
	for _, s := range v.segs[v.idx+1:] {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Advance moves the cursor forward by n sent bytes.
func (v *IOVec) Advance(n int) {
	if n > v.Remaining() {
		n = v.Remaining()
	}
	v.sent += n
	for n > 0 && v.idx < len(v.segs) {
		rem := len(v.segs[v.idx]) - v.off
		if n < rem {
			v.off += n
			return
		}
		n -= rem
		v.idx++
		v.off = 0
	}
	v.skipEmpty()
}

func (v *IOVec) skipEmpty() {
	for v.idx < len(v.segs) && len(v.segs[v.idx]) == v.off {
		v.idx++
		v.off = 0
	}
}

// Cursor returns the index of the first element not fully sent and the
// offset into it.
func (v *IOVec) Cursor() (int, int) {
	return v.idx, v.off
}

// Remaining is the number of unsent bytes.
func (v *IOVec) Remaining() int {
	return v.total - v.sent
}

// Sent is the number of bytes sent so far.
func (v *IOVec) Sent() int {
	return v.sent
}

// Len is the total size of all segments.
func (v *IOVec) Len() int {
	return v.total
}

// Done reports whether every byte has been sent.
func (v *IOVec) Done() bool {
	return v.sent >= v.total
}
