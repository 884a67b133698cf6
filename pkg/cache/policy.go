// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"strconv"
	"time"

	phttp "github.com/absmach/l7proxy/pkg/parser/http"
)

// Lookupable reports whether req may be answered from the cache.
func Lookupable(req *phttp.Request) bool {
	if req.Method != "GET" && req.Method != "HEAD" {
		return false
	}
	cc := req.CacheControl()
	_, noCache := cc["no-cache"]
	_, noStore := cc["no-store"]
	return !noCache && !noStore && req.Get("Pragma") != "no-cache"
}

// OnlyIfCached reports whether the client refuses to reach the backend.
func OnlyIfCached(req *phttp.Request) bool {
	_, ok := req.CacheControl()["only-if-cached"]
	return ok
}

// Lifetime decides whether resp to req may be stored and for how long.
// Explicit s-maxage or max-age wins over def.
func Lifetime(req *phttp.Request, resp *phttp.Response, def time.Duration) (time.Duration, bool) {
	if req.Method != "GET" || resp.StatusCode != 200 || resp.UntilClose() {
		return 0, false
	}
	if _, ok := req.CacheControl()["no-store"]; ok {
		return 0, false
	}
	if resp.Has("Set-Cookie") || resp.Get("Vary") == "*" {
		return 0, false
	}
	cc := resp.CacheControl()
	for _, d := range []string{"no-store", "private", "no-cache"} {
		if _, ok := cc[d]; ok {
			return 0, false
		}
	}
	if req.Has("Authorization") {
		if _, ok := cc["public"]; !ok {
			return 0, false
		}
	}
	for _, d := range []string{"s-maxage", "max-age"} {
		v, ok := cc[d]
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return def, true
}

// Builder accumulates a response while it is relayed and stores it once the
// message completes. It gives up when the response grows past the limit.
type Builder struct {
	key       string
	ttl       time.Duration
	limit     int64
	status    int
	data      []byte
	headerLen int
	aborted   bool
}

// NewBuilder starts capturing a response of the given status for key.
func NewBuilder(c *Cache, key string, status int, ttl time.Duration) *Builder {
	return &Builder{key: key, ttl: ttl, limit: c.MaxObjectSize(), status: status}
}

// Header records the serialized header block.
func (b *Builder) Header(p []byte) {
	b.headerLen = len(p)
	b.Write(p)
}

// Write appends body bytes.
func (b *Builder) Write(p []byte) {
	if b.aborted {
		return
	}
	if int64(len(b.data)+len(p)) > b.limit {
		b.aborted = true
		b.data = nil
		return
	}
	b.data = append(b.data, p...)
}

// Aborted reports whether the response outgrew the object size limit.
func (b *Builder) Aborted() bool {
	return b.aborted
}

// Finish stores the captured response in c.
func (b *Builder) Finish(c *Cache) bool {
	if b.aborted || b.headerLen == 0 {
		return false
	}
	now := c.now()
	return c.Store(b.key, &Entry{
		Data:       b.data,
		HeaderLen:  b.headerLen,
		StatusCode: b.status,
		Stored:     now,
		Expires:    now.Add(b.ttl),
	})
}
