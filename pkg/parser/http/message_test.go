// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/absmach/l7proxy/pkg/parser"
)

func flatten(segs [][]byte) []byte {
	var out []byte
	for _, s := range segs {
		out = append(out, s...)
	}
	return out
}

func TestRequest_Parse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		want     parser.Result
		consumed int
	}{
		{
			name:     "simple get",
			input:    "GET /foo HTTP/1.1\r\nHost: x\r\n\r\n",
			want:     parser.Success,
			consumed: 30,
		},
		{
			name:  "partial request line",
			input: "GET /fo",
			want:  parser.Incomplete,
		},
		{
			name:  "headers not terminated",
			input: "GET / HTTP/1.1\r\nHost: x\r\n",
			want:  parser.Incomplete,
		},
		{
			name:  "too long",
			input: "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 100),
			max:   64,
			want:  parser.TooLong,
		},
		{
			name:  "bad protocol",
			input: "GET / HTTP/2.0\r\n\r\n",
			want:  parser.Failed,
		},
		{
			name:  "missing target",
			input: "GET HTTP/1.1\r\n\r\n",
			want:  parser.Failed,
		},
		{
			name:  "space before colon",
			input: "GET / HTTP/1.1\r\nHost : x\r\n\r\n",
			want:  parser.Failed,
		},
		{
			name:  "obsolete line folding",
			input: "GET / HTTP/1.1\r\nX-A: 1\r\n  folded\r\n\r\n",
			want:  parser.Failed,
		},
		{
			name:  "conflicting content length",
			input: "POST / HTTP/1.1\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n",
			want:  parser.Failed,
		},
		{
			name:     "bare line feeds",
			input:    "GET / HTTP/1.0\nHost: y\n\n",
			want:     parser.Success,
			consumed: 24,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{}
			req.MaxHeaderSize = tt.max
			res, n := req.Parse([]byte(tt.input))
			if res != tt.want {
				t.Fatalf("Parse() = %v, want %v (err %v)", res, tt.want, req.Err)
			}
			if res == parser.Success && n != tt.consumed {
				t.Errorf("Parse() consumed %d, want %d", n, tt.consumed)
			}
		})
	}
}

func TestRequest_SerializeIdentical(t *testing.T) {
	raw := "POST /upload?id=7 HTTP/1.1\r\nHost: example.com\r\nContent-Type:text/plain\r\nContent-Length: 4\r\n\r\nbody"
	buf := []byte(raw)

	req := &Request{}
	res, n := req.Parse(buf)
	if res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	if req.Method != "POST" || req.Path != "/upload" || req.Query != "id=7" {
		t.Errorf("parsed %q %q %q", req.Method, req.Path, req.Query)
	}
	if req.Host() != "example.com" {
		t.Errorf("Host() = %q", req.Host())
	}

	body := buf[n:]
	fwd, err := req.Forwardable(body)
	if err != nil || fwd != 4 {
		t.Fatalf("Forwardable() = %d, %v, want 4", fwd, err)
	}
	out := flatten(req.Serialize(body[:fwd]))
	if string(out) != raw {
		t.Errorf("Serialize() = %q, want %q", out, raw)
	}
	if !req.HasPendingData() {
		t.Error("HasPendingData() = false before the header was sent")
	}
	if err := req.MarkHeaderSent(body, fwd); err != nil {
		t.Fatalf("MarkHeaderSent() failed: %v", err)
	}
	if req.HasPendingData() || !req.Complete() {
		t.Error("request still pending after header and body were sent")
	}
}

func TestRequest_AddedHeaders(t *testing.T) {
	req := &Request{}
	if res, _ := req.Parse([]byte("GET / HTTP/1.1\r\nX-Secret: 1\r\nAccept: */*\r\n\r\n")); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	req.Remove("x-secret")
	req.Add("X-Forwarded-For", "10.1.1.1")
	req.AddLine("X-Extra:  yes ")
	req.AddLine("garbage")
	if !req.Has("Host") {
		req.Add("Host", "backend:80")
	}

	want := "GET / HTTP/1.1\r\nAccept: */*\r\nX-Forwarded-For: 10.1.1.1\r\nX-Extra: yes\r\nHost: backend:80\r\n\r\n"
	if got := string(flatten(req.Serialize(nil))); got != want {
		t.Errorf("Serialize() = %q, want %q", got, want)
	}
	if req.Get("X-Secret") != "" {
		t.Error("removed header still visible")
	}
}

func TestResponse_ThreeSegments(t *testing.T) {
	segs := []string{
		"HTTP/1.1 200 OK\r\n",
		"Content-Length: 5\r\n",
		"\r\nhello",
	}

	resp := &Response{RequestMethod: "GET"}
	var buf []byte
	var results []parser.Result
	var n int
	for _, s := range segs {
		buf = append(buf, s...)
		var res parser.Result
		res, n = resp.Parse(buf)
		results = append(results, res)
	}

	want := []parser.Result{parser.Incomplete, parser.Incomplete, parser.Success}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("results = %v, want %v", results, want)
		}
	}

	body := buf[n:]
	fwd, _ := resp.Forwardable(body)
	out := flatten(resp.Serialize(body[:fwd]))
	if !bytes.Equal(out, []byte(strings.Join(segs, ""))) {
		t.Errorf("forwarded %q, want byte-identical response", out)
	}
	resp.MarkHeaderSent(body, fwd)
	if !resp.Complete() || !resp.KeepConnection() {
		t.Errorf("Complete() = %v, KeepConnection() = %v", resp.Complete(), resp.KeepConnection())
	}
}

func TestResponse_Framing(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		input     string
		bodyLeft  int64
		complete  bool
		untilEOF  bool
		keepAlive bool
	}{
		{
			name:      "content length",
			method:    "GET",
			input:     "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n",
			bodyLeft:  10,
			keepAlive: true,
		},
		{
			name:      "head response",
			method:    "HEAD",
			input:     "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n",
			bodyLeft:  0,
			complete:  true,
			keepAlive: true,
		},
		{
			name:      "no content",
			method:    "DELETE",
			input:     "HTTP/1.1 204 No Content\r\n\r\n",
			complete:  true,
			keepAlive: true,
		},
		{
			name:     "close delimited",
			method:   "GET",
			input:    "HTTP/1.0 200 OK\r\n\r\n",
			bodyLeft: -1,
			untilEOF: true,
		},
		{
			name:     "chunked",
			method:   "GET",
			input:    "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n",
			bodyLeft: -1,
		},
		{
			name:      "http 1.0 keep alive",
			method:    "GET",
			input:     "HTTP/1.0 200 OK\r\nConnection: keep-alive\r\nContent-Length: 0\r\n\r\n",
			complete:  true,
			keepAlive: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{RequestMethod: tt.method}
			if res, _ := resp.Parse([]byte(tt.input)); res != parser.Success {
				t.Fatalf("Parse() = %v (%v)", res, resp.Err)
			}
			resp.MarkHeaderSent(nil, 0)
			if resp.BodyLeft() != tt.bodyLeft {
				t.Errorf("BodyLeft() = %d, want %d", resp.BodyLeft(), tt.bodyLeft)
			}
			if resp.Complete() != tt.complete {
				t.Errorf("Complete() = %v, want %v", resp.Complete(), tt.complete)
			}
			if resp.UntilClose() != tt.untilEOF {
				t.Errorf("UntilClose() = %v, want %v", resp.UntilClose(), tt.untilEOF)
			}
			if resp.KeepConnection() != tt.keepAlive {
				t.Errorf("KeepConnection() = %v, want %v", resp.KeepConnection(), tt.keepAlive)
			}
		})
	}
}

func TestChunked_StopsAtMessageEnd(t *testing.T) {
	body := "4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\nX-Trailer: t\r\n\r\n"
	next := "GET /next HTTP/1.1\r\n\r\n"

	req := &Request{}
	head := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"
	if res, _ := req.Parse([]byte(head)); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	req.MarkHeaderSent(nil, 0)

	data := []byte(body + next)
	fwd, err := req.Forwardable(data)
	if err != nil {
		t.Fatalf("Forwardable() failed: %v", err)
	}
	if fwd != len(body) {
		t.Fatalf("Forwardable() = %d, want %d", fwd, len(body))
	}
	if req.Complete() {
		t.Fatal("Forwardable() changed framing state")
	}

	// Commit in uneven pieces as partial writes would.
	pos := 0
	for _, step := range []int{3, 1, 10, 7, fwd} {
		if pos+step > fwd {
			step = fwd - pos
		}
		if err := req.Commit(data[pos:], step); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		pos += step
	}
	if !req.Complete() {
		t.Error("Complete() = false after the last chunk and trailer")
	}
}

func TestChunked_Malformed(t *testing.T) {
	req := &Request{}
	if res, _ := req.Parse([]byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	req.MarkHeaderSent(nil, 0)
	if _, err := req.Forwardable([]byte("zz\r\n")); !errors.Is(err, errBadChunk) {
		t.Errorf("Forwardable() error = %v, want errBadChunk", err)
	}
}

func TestTransferEncodingOverridesLength(t *testing.T) {
	req := &Request{}
	input := "POST / HTTP/1.1\r\nContent-Length: 10\r\nTransfer-Encoding: chunked\r\n\r\n"
	if res, _ := req.Parse([]byte(input)); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	out := string(flatten(req.Serialize(nil)))
	if strings.Contains(out, "Content-Length") {
		t.Errorf("Serialize() kept Content-Length: %q", out)
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		level  int
		want   error
	}{
		{"get", "GET", "/", MethodsStandard, nil},
		{"put at standard", "PUT", "/", MethodsStandard, ErrMethodNotAllowed},
		{"put at extended", "PUT", "/", MethodsExtended, nil},
		{"propfind at webdav", "PROPFIND", "/d", MethodsWebDAV, nil},
		{"rpc at webdav", "RPC_IN_DATA", "/", MethodsWebDAV, ErrMethodNotAllowed},
		{"unknown", "BREW", "/", MethodsMicrosoft, ErrMethodNotAllowed},
		{"encoded null", "GET", "/a%00b", MethodsStandard, ErrURLNull},
		{"relative target", "GET", "foo", MethodsStandard, ErrBadURL},
		{"absolute target", "GET", "http://h/p", MethodsStandard, nil},
		{"options star", "OPTIONS", "*", MethodsExtended, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Method: tt.method, Target: tt.target}
			if err := req.Validate(tt.level); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRequest_Accessors(t *testing.T) {
	input := "GET /p?sid=abc&x=1 HTTP/1.1\r\n" +
		"Cookie: a=1; SESS=xyz\r\n" +
		"Authorization: Basic dXNlcjpwYXNz\r\n" +
		"Accept-Encoding: br, gzip;q=0.8\r\n" +
		"Connection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	req := &Request{}
	if res, _ := req.Parse([]byte(input)); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}

	if v, ok := req.Cookie("SESS"); !ok || v != "xyz" {
		t.Errorf("Cookie() = %q, %v", v, ok)
	}
	if v, ok := req.QueryParam("sid"); !ok || v != "abc" {
		t.Errorf("QueryParam() = %q, %v", v, ok)
	}
	if v, ok := req.BasicUser(); !ok || v != "user" {
		t.Errorf("BasicUser() = %q, %v", v, ok)
	}
	if !req.AcceptsGzip() {
		t.Error("AcceptsGzip() = false")
	}
	if !req.WantsUpgrade() {
		t.Error("WantsUpgrade() = false")
	}

	resp := &Response{RequestMethod: "GET"}
	resp.Parse([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
	if !resp.SwitchesProtocol(req) {
		t.Error("SwitchesProtocol() = false for a matching upgrade")
	}
}

func TestResponse_Gzip(t *testing.T) {
	body := strings.Repeat("compress me ", 50)
	input := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\nETag: \"1\"\r\n\r\n"

	resp := &Response{RequestMethod: "GET"}
	if res, _ := resp.Parse([]byte(input)); res != parser.Success {
		t.Fatalf("Parse() = %v", res)
	}
	if !resp.Compressible(1 << 20) {
		t.Fatal("Compressible() = false")
	}
	gz, err := resp.Gzip([]byte(body))
	if err != nil {
		t.Fatalf("Gzip() failed: %v", err)
	}
	if resp.Get("Content-Encoding") != "gzip" || resp.Get("Content-Length") != strconv.Itoa(len(gz)) || resp.Has("ETag") {
		t.Errorf("headers not rewritten: %q", flatten(resp.Serialize(nil)))
	}
	if !resp.Complete() {
		t.Error("Complete() = false after the body was replaced")
	}

	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		t.Fatalf("gzip.NewReader() failed: %v", err)
	}
	plain, _ := io.ReadAll(zr)
	if string(plain) != body {
		t.Error("decompressed body differs")
	}
}

func TestResponse_CookieAndHSTS(t *testing.T) {
	resp := &Response{RequestMethod: "GET"}
	resp.Parse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	resp.SetCookie("BACKEND", "b1", "example.com", "/", 60)
	resp.SetHSTS(3600)
	resp.SetHSTS(7200)

	want := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n" +
		"Set-Cookie: BACKEND=b1; Domain=example.com; Path=/; Max-Age=60\r\n" +
		"Strict-Transport-Security: max-age=3600\r\n\r\n"
	if got := string(flatten(resp.Serialize(nil))); got != want {
		t.Errorf("Serialize() = %q, want %q", got, want)
	}
}
