// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strconv"
	"strings"
)

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"image/svg+xml",
}

// Compressible reports whether a complete body of this response may be
// gzip-encoded by the proxy.
func (r *Response) Compressible(maxBody int64) bool {
	if r.StatusCode != 200 || r.framing != frameLength || r.ContentLength > maxBody {
		return false
	}
	if r.Has("Content-Encoding") || r.Has("Content-Range") {
		return false
	}
	if strings.Contains(strings.ToLower(r.Get("Cache-Control")), "no-transform") {
		return false
	}
	ct := strings.ToLower(r.Get("Content-Type"))
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// Gzip encodes body and rewrites the framing fields. The returned bytes
// replace the whole body; the message needs no further body relay.
func (r *Response) Gzip(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	r.Set("Content-Length", strconv.Itoa(buf.Len()))
	r.Set("Content-Encoding", "gzip")
	r.Remove("ETag")
	if !r.Has("Vary") {
		r.Add("Vary", "Accept-Encoding")
	}
	r.ContentLength = int64(buf.Len())
	r.setBody(frameNone)
	return buf.Bytes(), nil
}

// SetCookie appends a Set-Cookie field.
func (r *Response) SetCookie(name, value, domain, path string, maxAge int) {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(value)
	if domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(domain)
	}
	if path != "" {
		b.WriteString("; Path=")
		b.WriteString(path)
	}
	if maxAge > 0 {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(maxAge))
	}
	r.Add("Set-Cookie", b.String())
}

// SetHSTS adds Strict-Transport-Security unless the backend already did.
func (r *Response) SetHSTS(maxAge int) {
	if maxAge <= 0 || r.Has("Strict-Transport-Security") {
		return
	}
	r.Add("Strict-Transport-Security", "max-age="+strconv.Itoa(maxAge))
}
