// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/absmach/l7proxy/pkg/parser"
)

// DefaultMaxHeaderSize bounds a header block when no limit is configured.
const DefaultMaxHeaderSize = 65535

var (
	errMalformedStartLine = errors.New("malformed start line")
	errMalformedHeader    = errors.New("malformed header line")
	errBadContentLength   = errors.New("invalid content-length")
	errBadTransfer        = errors.New("unsupported transfer-encoding")
)

type framing int

const (
	frameNone framing = iota
	frameLength
	frameChunked
	frameUntilClose
)

// Header is one header field. Unmodified fields are forwarded byte for byte.
type Header struct {
	Name    string
	Value   string
	line    []byte
	removed bool
}

// Message holds the header block and relay state shared by requests and
// responses.
type Message struct {
	// MaxHeaderSize is the TooLong threshold; zero means DefaultMaxHeaderSize.
	MaxHeaderSize int

	Proto   string
	Headers []Header

	ContentLength int64
	Chunked       bool
	ConnClose     bool
	KeepAlive     bool
	ConnUpgrade   bool
	Upgrade       string

	// Err holds the reason of the last Failed parse.
	Err error

	startLine []byte
	added     []Header
	headerLen int
	parsed    bool

	framing    framing
	bodyLeft   int64
	chunks     chunkScanner
	headerSent bool
	bodySent   int64
}

func (m *Message) reset() {
	limit := m.MaxHeaderSize
	*m = Message{MaxHeaderSize: limit}
}

// scan splits buf into start line and header fields. It returns the header
// block length on Success.
func (m *Message) scan(buf []byte) (parser.Result, int) {
	end := headerEnd(buf)
	limit := m.MaxHeaderSize
	if limit <= 0 {
		limit = DefaultMaxHeaderSize
	}
	if end < 0 {
		if len(buf) >= limit {
			return parser.TooLong, 0
		}
		return parser.Incomplete, 0
	}
	if end > limit {
		return parser.TooLong, 0
	}

	block := buf[:end]
	nl := bytes.IndexByte(block, '\n')
	m.startLine = append([]byte(nil), block[:nl+1]...)
	rest := block[nl+1:]
	m.ContentLength = -1
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		line := rest[:i+1]
		rest = rest[i+1:]
		trimmed := trimEOL(line)
		if len(trimmed) == 0 {
			break
		}
		if trimmed[0] == ' ' || trimmed[0] == '\t' {
			return m.fail(errMalformedHeader)
		}
		colon := bytes.IndexByte(trimmed, ':')
		if colon <= 0 || !isToken(trimmed[:colon]) {
			return m.fail(errMalformedHeader)
		}
		m.Headers = append(m.Headers, Header{
			Name:  string(trimmed[:colon]),
			Value: strings.Trim(string(trimmed[colon+1:]), " \t"),
			line:  append([]byte(nil), line...),
		})
	}
	if err := m.readFraming(); err != nil {
		return m.fail(err)
	}
	m.headerLen = end
	m.parsed = true
	return parser.Success, end
}

func (m *Message) fail(err error) (parser.Result, int) {
	m.Err = err
	m.Headers = nil
	return parser.Failed, 0
}

func (m *Message) readFraming() error {
	for i := range m.Headers {
		h := &m.Headers[i]
		switch {
		case strings.EqualFold(h.Name, "Content-Length"):
			n, err := strconv.ParseInt(h.Value, 10, 64)
			if err != nil || n < 0 {
				return errBadContentLength
			}
			if m.ContentLength >= 0 && m.ContentLength != n {
				return errBadContentLength
			}
			m.ContentLength = n
		case strings.EqualFold(h.Name, "Transfer-Encoding"):
			codings := splitTokens(h.Value)
			if len(codings) == 0 {
				continue
			}
			if strings.EqualFold(codings[len(codings)-1], "chunked") {
				m.Chunked = true
			} else {
				return errBadTransfer
			}
		case strings.EqualFold(h.Name, "Connection"):
			for _, tok := range splitTokens(h.Value) {
				switch strings.ToLower(tok) {
				case "close":
					m.ConnClose = true
				case "keep-alive":
					m.KeepAlive = true
				case "upgrade":
					m.ConnUpgrade = true
				}
			}
		case strings.EqualFold(h.Name, "Upgrade"):
			m.Upgrade = h.Value
		}
	}
	if m.Chunked && m.ContentLength >= 0 {
		// Transfer-Encoding overrides Content-Length.
		m.Remove("Content-Length")
		m.ContentLength = -1
	}
	return nil
}

// parseProto accepts HTTP/1.0 and HTTP/1.1.
func parseProto(p string) bool {
	return p == "HTTP/1.1" || p == "HTTP/1.0"
}

// setBody chooses the framing for the body that follows the header block.
func (m *Message) setBody(f framing) {
	m.framing = f
	switch f {
	case frameLength:
		m.bodyLeft = m.ContentLength
		if m.bodyLeft == 0 {
			m.framing = frameNone
		}
	case frameChunked:
		m.chunks = chunkScanner{}
	}
}

// HeaderLen is the size of the parsed header block in the source buffer.
func (m *Message) HeaderLen() int {
	return m.headerLen
}

// Parsed reports whether a header block has been parsed since the last Reset.
func (m *Message) Parsed() bool {
	return m.parsed
}

// HeaderSent reports whether the serialized header block was fully written.
func (m *Message) HeaderSent() bool {
	return m.headerSent
}

// HasPendingData reports whether the message still has header bytes or body
// bytes to relay.
func (m *Message) HasPendingData() bool {
	return m.parsed && (!m.headerSent || !m.Complete())
}

// BodyPending reports whether the headers went out and body bytes remain.
func (m *Message) BodyPending() bool {
	return m.parsed && m.headerSent && !m.Complete()
}

// Complete reports whether every byte of the message has been relayed.
func (m *Message) Complete() bool {
	switch m.framing {
	case frameLength:
		return m.bodyLeft == 0
	case frameChunked:
		return m.chunks.done()
	case frameUntilClose:
		return false
	default:
		return true
	}
}

// UntilClose reports whether the body ends only when the peer closes.
func (m *Message) UntilClose() bool {
	return m.framing == frameUntilClose
}

// BodyLeft returns the remaining content-length body bytes, or -1 when the
// length is not known in advance.
func (m *Message) BodyLeft() int64 {
	if m.framing == frameLength {
		return m.bodyLeft
	}
	if m.framing == frameNone {
		return 0
	}
	return -1
}

// BodySent is the number of body bytes relayed so far.
func (m *Message) BodySent() int64 {
	return m.bodySent
}

// Forwardable returns how many leading bytes of data belong to the body of
// this message. It does not change any state.
func (m *Message) Forwardable(data []byte) (int, error) {
	switch m.framing {
	case frameLength:
		if int64(len(data)) < m.bodyLeft {
			return len(data), nil
		}
		return int(m.bodyLeft), nil
	case frameChunked:
		c := m.chunks
		return c.scan(data)
	case frameUntilClose:
		return len(data), nil
	default:
		return 0, nil
	}
}

// Commit records that the first n bytes of data were relayed as body.
func (m *Message) Commit(data []byte, n int) error {
	if n <= 0 {
		return nil
	}
	m.bodySent += int64(n)
	switch m.framing {
	case frameLength:
		m.bodyLeft -= int64(n)
		if m.bodyLeft < 0 {
			m.bodyLeft = 0
		}
	case frameChunked:
		if _, err := m.chunks.scan(data[:n]); err != nil {
			return err
		}
	}
	return nil
}

// CommitSplice records n body bytes that bypassed user space. Only valid for
// content-length framing.
func (m *Message) CommitSplice(n int) {
	m.bodySent += int64(n)
	if m.framing == frameLength {
		m.bodyLeft -= int64(n)
		if m.bodyLeft < 0 {
			m.bodyLeft = 0
		}
	}
}

// Serialize returns the outgoing message as a scatter-gather list: the
// header block (start line, kept fields, added fields, blank line) followed
// by body, the body bytes already buffered behind the header block.
func (m *Message) Serialize(body []byte) [][]byte {
	size := len(m.startLine) + 2
	for _, h := range m.Headers {
		if !h.removed {
			size += len(h.line)
		}
	}
	for _, h := range m.added {
		size += len(h.Name) + len(h.Value) + 4
	}
	hdr := make([]byte, 0, size)
	hdr = append(hdr, m.startLine...)
	for _, h := range m.Headers {
		if !h.removed {
			hdr = append(hdr, h.line...)
		}
	}
	for _, h := range m.added {
		hdr = append(hdr, h.Name...)
		hdr = append(hdr, ": "...)
		hdr = append(hdr, h.Value...)
		hdr = append(hdr, "\r\n"...)
	}
	hdr = append(hdr, "\r\n"...)
	if len(body) == 0 {
		return [][]byte{hdr}
	}
	return [][]byte{hdr, body}
}

// MarkHeaderSent records that the serialized header block and the first
// prefix bytes of body were written.
func (m *Message) MarkHeaderSent(body []byte, prefix int) error {
	m.headerSent = true
	return m.Commit(body, prefix)
}

// Get returns the first value of the named field.
func (m *Message) Get(name string) string {
	for _, h := range m.Headers {
		if !h.removed && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	for _, h := range m.added {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Has reports whether the named field is present.
func (m *Message) Has(name string) bool {
	for _, h := range m.Headers {
		if !h.removed && strings.EqualFold(h.Name, name) {
			return true
		}
	}
	for _, h := range m.added {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of the named field in order.
func (m *Message) Values(name string) []string {
	var out []string
	for _, h := range m.Headers {
		if !h.removed && strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	for _, h := range m.added {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Add appends a field after the received ones.
func (m *Message) Add(name, value string) {
	m.added = append(m.added, Header{Name: name, Value: value})
}

// AddLine appends a raw "Name: value" field. Lines without a colon are
// ignored.
func (m *Message) AddLine(line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok || name == "" {
		return
	}
	m.Add(strings.TrimSpace(name), strings.TrimSpace(value))
}

// Remove drops every field with the given name.
func (m *Message) Remove(name string) {
	m.RemoveFunc(func(n string) bool { return strings.EqualFold(n, name) })
}

// RemoveFunc drops every received or added field whose name matches.
func (m *Message) RemoveFunc(match func(name string) bool) {
	for i := range m.Headers {
		if match(m.Headers[i].Name) {
			m.Headers[i].removed = true
		}
	}
	kept := m.added[:0]
	for _, h := range m.added {
		if !match(h.Name) {
			kept = append(kept, h)
		}
	}
	m.added = kept
}

// Set replaces the named field with a single added value.
func (m *Message) Set(name, value string) {
	m.Remove(name)
	m.Add(name, value)
}

// CacheControl returns the Cache-Control directives keyed by lower-case name.
func (m *Message) CacheControl() map[string]string {
	out := make(map[string]string)
	for _, v := range m.Values("Cache-Control") {
		for _, tok := range splitTokens(v) {
			name, val, _ := strings.Cut(tok, "=")
			out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return out
}

func headerEnd(buf []byte) int {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		switch {
		case i+1 < len(buf) && buf[i+1] == '\n':
			return i + 2
		case i+2 < len(buf) && buf[i+1] == '\r' && buf[i+2] == '\n':
			return i + 3
		}
	}
	return -1
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

func splitTokens(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}
