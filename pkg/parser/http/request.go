// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/absmach/l7proxy/pkg/parser"
)

var _ parser.Parser = (*Request)(nil)

// Request is an HTTP/1.x request parsed in place from a client buffer.
type Request struct {
	Message

	Method string
	Target string
	Path   string
	Query  string
}

// Parse scans buf for a complete request header block.
func (r *Request) Parse(buf []byte) (parser.Result, int) {
	res, n := r.scan(buf)
	if res != parser.Success {
		return res, n
	}
	line := string(trimEOL(r.startLine))
	parts := strings.Split(line, " ")
	if len(parts) != 3 || !isToken([]byte(parts[0])) || parts[1] == "" || !parseProto(parts[2]) {
		r.parsed = false
		r.fail(errMalformedStartLine)
		return parser.Failed, 0
	}
	r.Method, r.Target, r.Proto = parts[0], parts[1], parts[2]
	r.Path, r.Query, _ = strings.Cut(r.Target, "?")

	switch {
	case r.Chunked:
		r.setBody(frameChunked)
	case r.ContentLength > 0:
		r.setBody(frameLength)
	default:
		r.setBody(frameNone)
	}
	return parser.Success, n
}

// Reset clears the request for the next message on the connection.
func (r *Request) Reset() {
	r.reset()
	r.Method, r.Target, r.Path, r.Query = "", "", "", ""
}

// Host returns the Host field.
func (r *Request) Host() string {
	return r.Get("Host")
}

// KeepConnection reports whether the client expects the connection to stay
// open after the response.
func (r *Request) KeepConnection() bool {
	if r.ConnClose {
		return false
	}
	if r.Proto == "HTTP/1.0" {
		return r.KeepAlive
	}
	return true
}

// WantsUpgrade reports whether the request asked to switch protocols.
func (r *Request) WantsUpgrade() bool {
	return r.ConnUpgrade && r.Upgrade != ""
}

// Cookie returns the value of the named cookie.
func (r *Request) Cookie(name string) (string, bool) {
	for _, v := range r.Values("Cookie") {
		for _, part := range strings.Split(v, ";") {
			k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && k == name {
				return val, true
			}
		}
	}
	return "", false
}

// QueryParam returns the first value of a query or path parameter.
func (r *Request) QueryParam(name string) (string, bool) {
	q, err := url.ParseQuery(r.Query)
	if err != nil {
		return "", false
	}
	if !q.Has(name) {
		return "", false
	}
	return q.Get(name), true
}

// BasicUser returns the user name from a Basic Authorization field.
func (r *Request) BasicUser() (string, bool) {
	auth := r.Get("Authorization")
	const prefix = "Basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(prefix):]))
	if err != nil {
		return "", false
	}
	user, _, ok := bytes.Cut(raw, []byte(":"))
	if !ok {
		return "", false
	}
	return string(user), true
}

// AcceptsGzip reports whether the client listed gzip in Accept-Encoding.
func (r *Request) AcceptsGzip() bool {
	for _, v := range r.Values("Accept-Encoding") {
		for _, tok := range splitTokens(v) {
			coding, params, _ := strings.Cut(tok, ";")
			if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
				continue
			}
			if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
				return false
			}
			return true
		}
	}
	return false
}
