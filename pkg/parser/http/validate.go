// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"errors"
	"strings"
)

var (
	// ErrMethodNotAllowed is a method outside the configured level.
	ErrMethodNotAllowed = errors.New("method not allowed")
	// ErrBadURL is a request target that is not origin or absolute form.
	ErrBadURL = errors.New("bad url")
	// ErrURLNull is a request target carrying a NUL byte.
	ErrURLNull = errors.New("url contains null")
	// ErrBadStatus is a response status outside 100-599.
	ErrBadStatus = errors.New("bad response status")
)

// Method levels, each including the ones below it.
const (
	MethodsStandard = iota
	MethodsExtended
	MethodsWebDAV
	MethodsWebDAVExtended
	MethodsMicrosoft
)

var methodLevel = map[string]int{
	"GET":  MethodsStandard,
	"POST": MethodsStandard,
	"HEAD": MethodsStandard,

	"PUT":     MethodsExtended,
	"PATCH":   MethodsExtended,
	"DELETE":  MethodsExtended,
	"OPTIONS": MethodsExtended,

	"LOCK":       MethodsWebDAV,
	"UNLOCK":     MethodsWebDAV,
	"PROPFIND":   MethodsWebDAV,
	"PROPPATCH":  MethodsWebDAV,
	"SEARCH":     MethodsWebDAV,
	"MKCOL":      MethodsWebDAV,
	"MOVE":       MethodsWebDAV,
	"COPY":       MethodsWebDAV,
	"TRACE":      MethodsWebDAV,
	"MKACTIVITY": MethodsWebDAV,
	"CHECKOUT":   MethodsWebDAV,
	"MERGE":      MethodsWebDAV,
	"REPORT":     MethodsWebDAV,

	"SUBSCRIBE":   MethodsWebDAVExtended,
	"UNSUBSCRIBE": MethodsWebDAVExtended,
	"NOTIFY":      MethodsWebDAVExtended,
	"BPROPFIND":   MethodsWebDAVExtended,
	"BPROPPATCH":  MethodsWebDAVExtended,
	"POLL":        MethodsWebDAVExtended,
	"BMOVE":       MethodsWebDAVExtended,
	"BCOPY":       MethodsWebDAVExtended,
	"BDELETE":     MethodsWebDAVExtended,
	"CONNECT":     MethodsWebDAVExtended,

	"RPC_IN_DATA":  MethodsMicrosoft,
	"RPC_OUT_DATA": MethodsMicrosoft,
}

// Validate checks the method against level and the request target.
func (r *Request) Validate(level int) error {
	lvl, ok := methodLevel[r.Method]
	if !ok || lvl > level {
		return ErrMethodNotAllowed
	}
	if strings.IndexByte(r.Target, 0) >= 0 || strings.Contains(strings.ToLower(r.Target), "%00") {
		return ErrURLNull
	}
	switch {
	case r.Method == "CONNECT":
	case r.Method == "OPTIONS" && r.Target == "*":
	case strings.HasPrefix(r.Target, "/"):
	case strings.HasPrefix(r.Target, "http://"), strings.HasPrefix(r.Target, "https://"):
	default:
		return ErrBadURL
	}
	return nil
}

// Validate checks the response status code.
func (r *Response) Validate() error {
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return ErrBadStatus
	}
	return nil
}
