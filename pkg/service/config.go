// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/absmach/l7proxy/pkg/backend"
	"github.com/absmach/l7proxy/pkg/cache"
	"github.com/absmach/l7proxy/pkg/session"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSessionTTL   = 300 * time.Second
	DefaultCookiePath   = "/"
	DefaultSessionIDKey = "sessionid"
)

// File is the services file.
type File struct {
	Cache    cache.Config `yaml:"cache"`
	Services []Config     `yaml:"services"`
}

// Config describes one service.
type Config struct {
	Name             string           `yaml:"name"`
	Host             string           `yaml:"host"`
	URL              string           `yaml:"url"`
	Disabled         bool             `yaml:"disabled"`
	Session          SessionConfig    `yaml:"session"`
	BackendCookie    *CookieConfig    `yaml:"backend_cookie"`
	PinnedConnection bool             `yaml:"pinned_connection"`
	Compression      bool             `yaml:"compression"`
	Cache            bool             `yaml:"cache"`
	STS              int              `yaml:"sts"`
	Backends         []backend.Config `yaml:"backends"`
	Emergency        *backend.Config  `yaml:"emergency"`
}

// SessionConfig selects session affinity.
type SessionConfig struct {
	Type string        `yaml:"type"`
	ID   string        `yaml:"id"`
	TTL  time.Duration `yaml:"ttl"`
}

// CookieConfig is the backend affinity cookie inserted into responses.
type CookieConfig struct {
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
	Path   string `yaml:"path"`
	MaxAge int    `yaml:"max_age"`
}

// FieldError is a validation failure of one services file field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found in a services file.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "services validation failed: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "services validation failed with %d errors:", len(e.Errors))
	for _, fe := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(fe.Error())
	}
	return sb.String()
}

// LoadFile reads, defaults and validates a services file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates services file contents.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse services file: %w", err)
	}
	ApplyDefaults(&f)
	if err := Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ApplyDefaults fills unset optional fields.
func ApplyDefaults(f *File) {
	for i := range f.Services {
		s := &f.Services[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("service-%d", i)
		}
		if s.Session.TTL <= 0 {
			s.Session.TTL = DefaultSessionTTL
		}
		if s.Session.ID == "" {
			s.Session.ID = DefaultSessionIDKey
		}
		if c := s.BackendCookie; c != nil && c.Path == "" {
			c.Path = DefaultCookiePath
		}
		for j := range s.Backends {
			if s.Backends[j].Name == "" {
				s.Backends[j].Name = fmt.Sprintf("%s-%d", s.Name, j)
			}
		}
		if s.Emergency != nil && s.Emergency.Name == "" {
			s.Emergency.Name = s.Name + "-emergency"
		}
	}
}

// Validate checks a defaulted services file.
func Validate(f *File) error {
	var errs []FieldError
	if len(f.Services) == 0 {
		errs = append(errs, FieldError{Field: "services", Message: "at least one service is required"})
	}
	names := make(map[string]bool)
	for i, s := range f.Services {
		field := fmt.Sprintf("services[%d]", i)
		if names[s.Name] {
			errs = append(errs, FieldError{Field: field + ".name", Message: fmt.Sprintf("duplicate service %q", s.Name)})
		}
		names[s.Name] = true
		for _, re := range []struct{ name, expr string }{{"host", s.Host}, {"url", s.URL}} {
			if _, err := regexp.Compile(re.expr); err != nil {
				errs = append(errs, FieldError{Field: field + "." + re.name, Message: err.Error()})
			}
		}
		if _, err := session.ParseType(s.Session.Type); err != nil {
			errs = append(errs, FieldError{Field: field + ".session.type", Message: err.Error()})
		}
		if c := s.BackendCookie; c != nil && c.Name == "" {
			errs = append(errs, FieldError{Field: field + ".backend_cookie.name", Message: "name is required"})
		}
		if len(s.Backends) == 0 && s.Emergency == nil {
			errs = append(errs, FieldError{Field: field + ".backends", Message: "at least one backend is required"})
		}
		if s.STS < 0 {
			errs = append(errs, FieldError{Field: field + ".sts", Message: "must not be negative"})
		}
		for j, b := range s.Backends {
			if b.Redirect == "" && (b.Address == "" || b.Port <= 0 || b.Port > 65535) {
				errs = append(errs, FieldError{Field: fmt.Sprintf("%s.backends[%d]", field, j), Message: "address and port are required"})
			}
			if b.Weight < 0 {
				errs = append(errs, FieldError{Field: fmt.Sprintf("%s.backends[%d].weight", field, j), Message: "must not be negative"})
			}
		}
	}
	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
