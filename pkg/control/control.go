// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	perrors "github.com/absmach/l7proxy/pkg/errors"
)

// Command is the control operation.
type Command string

const (
	Get    Command = "GET"
	Update Command = "UPDATE"
	Exit   Command = "EXIT"
)

// Target names the component kind a task is addressed to.
type Target string

const (
	TargetListener Target = "listener"
	TargetService  Target = "service"
	TargetBackend  Target = "backend"
	TargetEngine   Target = "engine"
)

// Subject names the attribute a task reads or changes.
type Subject string

const (
	SubjectStatus  Subject = "status"
	SubjectWeight  Subject = "weight"
	SubjectStats   Subject = "stats"
	SubjectConfig  Subject = "config"
	SubjectDebug   Subject = "debug"
	SubjectProcess Subject = "process"
)

// Task is a single control-plane request. ID selects one instance of the
// target kind; an empty ID addresses all of them.
type Task struct {
	Command Command         `json:"command"`
	Target  Target          `json:"target"`
	Subject Subject         `json:"subject"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandlerFunc serves a task and returns a JSON-encodable result.
type HandlerFunc func(ctx context.Context, t Task) (any, error)

type route struct {
	target  Target
	subject Subject
}

// Registry routes tasks to handlers by (target, subject). Components register
// the pairs they own at construction time.
type Registry struct {
	mu     sync.RWMutex
	routes map[route][]HandlerFunc
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		routes: make(map[route][]HandlerFunc),
		logger: logger,
	}
}

// Register adds h for the (target, subject) pair. Several handlers may share
// a pair; Dispatch calls them all.
func (r *Registry) Register(target Target, subject Subject, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := route{target, subject}
	r.routes[k] = append(r.routes[k], h)
}

// Dispatch runs every handler registered for the task's target and subject.
// A single result is returned as is; several are returned as a slice.
func (r *Registry) Dispatch(ctx context.Context, t Task) (any, error) {
	switch t.Command {
	case Get, Update, Exit:
	default:
		return nil, fmt.Errorf("%w: command %q", perrors.ErrUnknownTask, t.Command)
	}

	r.mu.RLock()
	hs := r.routes[route{t.Target, t.Subject}]
	r.mu.RUnlock()
	if len(hs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", perrors.ErrUnknownTask, t.Target, t.Subject)
	}

	var results []any
	for _, h := range hs {
		res, err := h(ctx, t)
		if err != nil {
			return nil, err
		}
		if res != nil {
			results = append(results, res)
		}
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

type reply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HTTPHandler decodes a Task from a POST body and writes the JSON reply.
func (r *Registry) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(reply{Error: "method not allowed"})
			return
		}

		var t Task
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&t); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(reply{Error: err.Error()})
			return
		}

		res, err := r.Dispatch(req.Context(), t)
		if err != nil {
			r.logger.Warn("Control task failed",
				slog.String("command", string(t.Command)),
				slog.String("target", string(t.Target)),
				slog.String("subject", string(t.Subject)),
				slog.String("error", err.Error()))
			code := http.StatusInternalServerError
			switch {
			case errors.Is(err, perrors.ErrUnknownTask):
				code = http.StatusNotFound
			case errors.Is(err, perrors.ErrInvalidInput):
				code = http.StatusBadRequest
			}
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(reply{Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(reply{Result: res})
	}
}
