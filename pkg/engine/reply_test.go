// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strconv"
	"strings"
	"testing"
)

func TestPages_Body(t *testing.T) {
	custom := Pages{Err503: "down for maintenance", Err414: "too long"}
	cases := []struct {
		name  string
		pages Pages
		code  int
		want  string
	}{
		{"custom 503", custom, 503, "down for maintenance"},
		{"custom 414", custom, 414, "too long"},
		{"default 501", custom, 501, DefaultErr501},
		{"default 500", Pages{}, 500, DefaultErr500},
		{"fixed 400", custom, 400, DefaultErr400},
		{"fixed 504", custom, 504, DefaultErr504},
		{"unknown code", Pages{Err500: "oops"}, 418, "oops"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pages.body(tc.code); got != tc.want {
				t.Errorf("body(%d) = %q, want %q", tc.code, got, tc.want)
			}
		})
	}
}

func TestErrorReply(t *testing.T) {
	got := string(errorReply(503, "busy"))
	want := "HTTP/1.0 503 Service Unavailable\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: 4\r\n" +
		"Expires: now\r\n" +
		"Pragma: no-cache\r\n" +
		"Cache-control: no-cache,no-store\r\n" +
		"Connection: close\r\n" +
		"\r\nbusy"
	if got != want {
		t.Errorf("errorReply() = %q, want %q", got, want)
	}
}

func TestRedirectReply(t *testing.T) {
	got := string(redirectReply(301, "https://example.com/a?b=<c>"))
	if !strings.HasPrefix(got, "HTTP/1.0 301 Moved Permanently\r\nLocation: https://example.com/a?b=<c>\r\n") {
		t.Errorf("unexpected head: %q", got)
	}
	if !strings.Contains(got, "&lt;c&gt;") {
		t.Error("body location is not escaped")
	}
	head, body, _ := strings.Cut(got, "\r\n\r\n")
	if !strings.Contains(head, "Content-Length: "+strconv.Itoa(len(body))) {
		t.Errorf("Content-Length does not match body of %d bytes", len(body))
	}
}

func TestRedirectLocation(t *testing.T) {
	cases := []struct {
		base   string
		target string
		want   string
	}{
		{"https://new.example.com", "/old/page?x=1", "https://new.example.com/old/page?x=1"},
		{"https://new.example.com/", "/old", "https://new.example.com/old"},
		{"https://new.example.com/landing", "/old", "https://new.example.com/landing"},
		{"https://secure.example.com", "", "https://secure.example.com/"},
	}
	for _, tc := range cases {
		if got := redirectLocation(tc.base, tc.target); got != tc.want {
			t.Errorf("redirectLocation(%q, %q) = %q, want %q", tc.base, tc.target, got, tc.want)
		}
	}
}

func TestPlainTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "GET /index.html HTTP/1.1\r\nHost: x\r\n", want: "/index.html"},
		{raw: "GET", want: "/"},
		{raw: "\x16\x03\x01 garbage", want: "/"},
		{raw: "POST /api?x=1 HTTP/1.0", want: "/api?x=1"},
	}
	for _, tc := range cases {
		if got := plainTarget([]byte(tc.raw)); got != tc.want {
			t.Errorf("plainTarget(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
