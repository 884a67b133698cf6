// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package engine

import (
	"context"
	"strconv"

	"github.com/absmach/l7proxy/pkg/control"
)

// Matches reports whether a control task addresses this engine. An empty ID
// addresses every engine.
func (e *Engine) Matches(id string) bool {
	return id == "" || id == strconv.Itoa(e.cfg.ID) || id == e.cfg.Name+"/"+strconv.Itoa(e.cfg.ID)
}

// RegisterControl installs the engine's debug and process handlers.
func (e *Engine) RegisterControl(r *control.Registry) {
	r.Register(control.TargetEngine, control.SubjectDebug, e.handleDebug)
	r.Register(control.TargetEngine, control.SubjectProcess, e.handleProcess)
}

func (e *Engine) handleDebug(_ context.Context, t control.Task) (any, error) {
	if !e.Matches(t.ID) {
		return nil, nil
	}
	return e.Stats(), nil
}

func (e *Engine) handleProcess(_ context.Context, t control.Task) (any, error) {
	if !e.Matches(t.ID) {
		return nil, nil
	}
	if t.Command == control.Exit {
		e.Stop()
	}
	return e.Stats(), nil
}
