// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/l7proxy/pkg/parser"
	phttp "github.com/absmach/l7proxy/pkg/parser/http"
)

func entry(size int, ttl time.Duration, now time.Time) *Entry {
	return &Entry{Data: bytes.Repeat([]byte("x"), size), HeaderLen: 1, StatusCode: 200, Expires: now.Add(ttl)}
}

func TestCache_LookupStore(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(Config{MaxObjectSize: 100, MaxSize: 250})
	c.now = func() time.Time { return now }

	if _, ok := c.Lookup("a"); ok {
		t.Fatal("Lookup() on empty cache hit")
	}
	if c.Store("big", entry(101, time.Minute, now)) {
		t.Fatal("Store() accepted an oversized entry")
	}

	for i := 0; i < 3; i++ {
		if !c.Store(fmt.Sprintf("k%d", i), entry(100, time.Minute, now)) {
			t.Fatalf("Store(k%d) refused", i)
		}
	}
	st := c.Stats()
	if st.Entries != 2 || st.Size != 200 || st.Evictions != 1 {
		t.Fatalf("Stats() = %+v, want 2 entries, 200 bytes, 1 eviction", st)
	}
	if _, ok := c.Lookup("k0"); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := c.Lookup("k2"); !ok {
		t.Error("newest entry missing")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Lookup("k2"); ok {
		t.Error("stale entry served")
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 3 {
		t.Errorf("hits %d misses %d, want 1 and 3", st.Hits, st.Misses)
	}
}

func TestCache_Purge(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(Config{})
	c.now = func() time.Time { return now }

	c.Store("old", entry(10, time.Second, now))
	c.Store("new", entry(20, time.Hour, now))
	c.Store("mid", entry(30, time.Second, now))
	now = now.Add(time.Minute)

	if n := c.Purge(); n != 2 {
		t.Fatalf("Purge() = %d, want 2", n)
	}
	st := c.Stats()
	if st.Entries != 1 || st.Size != 20 {
		t.Fatalf("Stats() = %+v, want one 20-byte entry", st)
	}
	if _, ok := c.Lookup("new"); !ok {
		t.Error("fresh entry purged")
	}
	if st.SizeHuman != "20 B" {
		t.Errorf("SizeHuman = %q", st.SizeHuman)
	}
}

func parse(t *testing.T, p parser.Parser, raw string) {
	t.Helper()
	if res, _ := p.Parse([]byte(raw)); res != parser.Success {
		t.Fatalf("Parse(%q) = %v", raw, res)
	}
}

func TestLifetime(t *testing.T) {
	cases := []struct {
		name string
		req  string
		resp string
		ttl  time.Duration
		ok   bool
	}{
		{name: "default ttl", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\n", ttl: time.Minute, ok: true},
		{name: "max-age", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nCache-Control: public, max-age=30\r\nContent-Length: 1\r\n\r\n", ttl: 30 * time.Second, ok: true},
		{name: "s-maxage wins", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nCache-Control: max-age=30, s-maxage=5\r\nContent-Length: 1\r\n\r\n", ttl: 5 * time.Second, ok: true},
		{name: "no-store", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nCache-Control: no-store\r\nContent-Length: 1\r\n\r\n"},
		{name: "private", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nCache-Control: private\r\nContent-Length: 1\r\n\r\n"},
		{name: "not 200", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 404 Not Found\r\nContent-Length: 1\r\n\r\n"},
		{name: "post", req: "POST / HTTP/1.1\r\nContent-Length: 0\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\n"},
		{name: "set-cookie", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nSet-Cookie: a=b\r\nContent-Length: 1\r\n\r\n"},
		{name: "authorized", req: "GET / HTTP/1.1\r\nAuthorization: Basic eA==\r\n\r\n", resp: "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\n"},
		{name: "until close", req: "GET / HTTP/1.1\r\n\r\n", resp: "HTTP/1.1 200 OK\r\n\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var req phttp.Request
			parse(t, &req, tc.req)
			resp := phttp.Response{RequestMethod: req.Method}
			parse(t, &resp, tc.resp)
			ttl, ok := Lifetime(&req, &resp, time.Minute)
			if ok != tc.ok || ttl != tc.ttl {
				t.Errorf("Lifetime() = %v, %v, want %v, %v", ttl, ok, tc.ttl, tc.ok)
			}
		})
	}
}

func TestLookupable(t *testing.T) {
	cases := map[string]bool{
		"GET / HTTP/1.1\r\n\r\n":                                  true,
		"HEAD / HTTP/1.1\r\n\r\n":                                 true,
		"GET / HTTP/1.1\r\nCache-Control: no-cache\r\n\r\n":       false,
		"GET / HTTP/1.1\r\nPragma: no-cache\r\n\r\n":              false,
		"DELETE / HTTP/1.1\r\n\r\n":                               false,
		"GET / HTTP/1.1\r\nCache-Control: only-if-cached\r\n\r\n": true,
	}
	for raw, want := range cases {
		var req phttp.Request
		parse(t, &req, raw)
		if got := Lookupable(&req); got != want {
			t.Errorf("Lookupable(%q) = %v, want %v", raw, got, want)
		}
	}

	var req phttp.Request
	parse(t, &req, "GET / HTTP/1.1\r\nCache-Control: max-stale, only-if-cached\r\n\r\n")
	if !OnlyIfCached(&req) {
		t.Error("OnlyIfCached() = false")
	}
}

func TestBuilder(t *testing.T) {
	c := New(Config{MaxObjectSize: 64})

	b := NewBuilder(c, Key("Example.com", "/a"), 200, time.Minute)
	b.Header([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"))
	b.Write([]byte("hel"))
	b.Write([]byte("lo"))
	if !b.Finish(c) {
		t.Fatal("Finish() refused a complete response")
	}
	e, ok := c.Lookup("example.com/a")
	if !ok {
		t.Fatal("stored entry not found")
	}
	if string(e.Header()) != "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n" || string(e.Data[e.HeaderLen:]) != "hello" {
		t.Errorf("entry = %q", e.Data)
	}

	big := NewBuilder(c, "k", 200, time.Minute)
	big.Header([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	big.Write(bytes.Repeat([]byte("y"), 64))
	if !big.Aborted() || big.Finish(c) {
		t.Error("oversized response was stored")
	}
}
