// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// Default bodies of synthesized error replies.
const (
	DefaultErr400   = "Your browser (or proxy) sent a request that this server could not understand."
	DefaultErr403   = "Access to this resource is forbidden."
	DefaultErr414   = "Request URI is too long."
	DefaultErr500   = "An internal server error occurred. Please try again later."
	DefaultErr501   = "This method may not be used."
	DefaultErr503   = "The service is not available. Please try again later."
	DefaultErr504   = "The backend did not answer in time."
	DefaultErrNoSSL = "Please use HTTPS."
)

// Pages holds the per-listener error bodies. Empty fields use the defaults.
type Pages struct {
	Err414   string
	Err500   string
	Err501   string
	Err503   string
	ErrNoSSL string
}

func (p Pages) body(code int) string {
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	switch code {
	case http.StatusBadRequest:
		return DefaultErr400
	case http.StatusForbidden:
		return DefaultErr403
	case http.StatusRequestURITooLong:
		return pick(p.Err414, DefaultErr414)
	case http.StatusNotImplemented:
		return pick(p.Err501, DefaultErr501)
	case http.StatusServiceUnavailable:
		return pick(p.Err503, DefaultErr503)
	case http.StatusGatewayTimeout:
		return DefaultErr504
	default:
		return pick(p.Err500, DefaultErr500)
	}
}

func (p Pages) noSSL() string {
	if p.ErrNoSSL != "" {
		return p.ErrNoSSL
	}
	return DefaultErrNoSSL
}

// errorReply renders a complete HTTP/1.0 error response. The connection is
// always closed after it.
func errorReply(code int, body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.0 %d %s\r\n"+
		"Content-Type: text/html\r\n"+
		"Content-Length: %d\r\n"+
		"Expires: now\r\n"+
		"Pragma: no-cache\r\n"+
		"Cache-control: no-cache,no-store\r\n"+
		"Connection: close\r\n"+
		"\r\n%s",
		code, http.StatusText(code), len(body), body))
}

// redirectReply renders a redirect to location.
func redirectReply(code int, location string) []byte {
	safe := html.EscapeString(location)
	body := fmt.Sprintf("<html><head><title>Redirect</title></head>"+
		"<body><h1>Redirect</h1><p>You should go to <a href=\"%s\">%s</a></p></body></html>", safe, safe)
	return []byte(fmt.Sprintf("HTTP/1.0 %d %s\r\n"+
		"Location: %s\r\n"+
		"Content-Type: text/html\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n%s",
		code, http.StatusText(code), location, len(body), body))
}

// redirectLocation appends the request target to base unless base already
// names a path of its own.
func redirectLocation(base, target string) string {
	rest := base
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	slash := strings.IndexByte(rest, '/')
	if slash >= 0 && rest[slash:] != "/" {
		return base
	}
	if target == "" {
		target = "/"
	}
	return strings.TrimSuffix(base, "/") + target
}

// plainTarget extracts the request target from a plaintext request line sent
// to a TLS port.
func plainTarget(raw []byte) string {
	line, _, _ := strings.Cut(string(raw), "\n")
	parts := strings.Fields(line)
	if len(parts) < 2 || !strings.HasPrefix(parts[1], "/") {
		return "/"
	}
	return parts[1]
}
