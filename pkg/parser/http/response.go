// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"strconv"
	"strings"

	"github.com/absmach/l7proxy/pkg/parser"
)

var _ parser.Parser = (*Response)(nil)

// Response is an HTTP/1.x response parsed in place from a backend buffer.
type Response struct {
	Message

	// RequestMethod selects framing: responses to HEAD never carry a body.
	RequestMethod string

	StatusCode int
	Reason     string
}

// Parse scans buf for a complete response header block.
func (r *Response) Parse(buf []byte) (parser.Result, int) {
	res, n := r.scan(buf)
	if res != parser.Success {
		return res, n
	}
	line := string(trimEOL(r.startLine))
	proto, rest, _ := strings.Cut(line, " ")
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if !parseProto(proto) || len(code) != 3 || err != nil || status < 100 {
		r.parsed = false
		r.fail(errMalformedStartLine)
		return parser.Failed, 0
	}
	r.Proto, r.StatusCode, r.Reason = proto, status, reason

	switch {
	case r.RequestMethod == "HEAD", r.Informational(), status == 204, status == 304:
		r.setBody(frameNone)
	case r.RequestMethod == "CONNECT" && status/100 == 2:
		r.setBody(frameNone)
	case r.Chunked:
		r.setBody(frameChunked)
	case r.ContentLength >= 0:
		r.setBody(frameLength)
	default:
		r.setBody(frameUntilClose)
	}
	return parser.Success, n
}

// Reset clears the response for the next message on the connection.
func (r *Response) Reset() {
	r.reset()
	r.StatusCode, r.Reason = 0, ""
}

// Informational reports a 1xx interim response other than 101.
func (r *Response) Informational() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200 && r.StatusCode != 101
}

// SwitchesProtocol reports whether the response upgrades the connection for
// the given request.
func (r *Response) SwitchesProtocol(req *Request) bool {
	if r.StatusCode == 101 {
		return req.WantsUpgrade()
	}
	return req.Method == "CONNECT" && r.StatusCode/100 == 2
}

// KeepConnection reports whether the backend allows another request on the
// connection.
func (r *Response) KeepConnection() bool {
	if r.ConnClose || r.UntilClose() {
		return false
	}
	if r.Proto == "HTTP/1.0" {
		return r.KeepAlive
	}
	return true
}
