// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/absmach/l7proxy/pkg/control"
	"github.com/absmach/l7proxy/pkg/errors"
)

// Matches reports whether a control task addresses this backend. An empty ID
// addresses every backend.
func (b *Backend) Matches(id string) bool {
	return id == "" || id == b.Name || id == strconv.Itoa(b.ID)
}

// RegisterControl installs the backend's GET and UPDATE handlers for status,
// weight and stats.
func (b *Backend) RegisterControl(r *control.Registry) {
	r.Register(control.TargetBackend, control.SubjectStatus, b.handleStatus)
	r.Register(control.TargetBackend, control.SubjectWeight, b.handleWeight)
	r.Register(control.TargetBackend, control.SubjectStats, b.handleStats)
}

func (b *Backend) handleStatus(_ context.Context, t control.Task) (any, error) {
	if !b.Matches(t.ID) {
		return nil, nil
	}
	if t.Command == control.Update {
		var p struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
		}
		s, err := ParseStatus(p.Status)
		if err != nil {
			return nil, err
		}
		b.SetStatus(s)
	}
	return map[string]any{"id": b.ID, "name": b.Name, "status": b.Status().String()}, nil
}

func (b *Backend) handleWeight(_ context.Context, t control.Task) (any, error) {
	if !b.Matches(t.ID) {
		return nil, nil
	}
	if t.Command == control.Update {
		var p struct {
			Weight *int `json:"weight"`
		}
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
		}
		if p.Weight == nil {
			return nil, fmt.Errorf("%w: missing weight", errors.ErrInvalidInput)
		}
		if err := b.SetWeight(*p.Weight); err != nil {
			return nil, err
		}
	}
	return map[string]any{"id": b.ID, "name": b.Name, "weight": b.Weight()}, nil
}

func (b *Backend) handleStats(_ context.Context, t control.Task) (any, error) {
	if !b.Matches(t.ID) || t.Command != control.Get {
		return nil, nil
	}
	return b.Stats(), nil
}
