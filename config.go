// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package l7proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/absmach/l7proxy/pkg/errors"
	"github.com/caarlos0/env/v11"
)

// Config is the process configuration of one listener and its admin surface.
type Config struct {
	Name string `env:"NAME" envDefault:"http"`
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"8080"`

	// HTTPS is enabled when both files are set.
	CertFile      string `env:"CERT_FILE"       envDefault:""`
	KeyFile       string `env:"KEY_FILE"        envDefault:""`
	TLSMinVersion string `env:"TLS_MIN_VERSION" envDefault:"1.2"`

	// Workers is the number of stream engines. Zero means one per CPU.
	Workers             int           `env:"WORKERS"              envDefault:"0"`
	ClientTimeout       time.Duration `env:"CLIENT_TIMEOUT"       envDefault:"10s"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"2s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`

	Err414   string `env:"ERR414"   envDefault:""`
	Err500   string `env:"ERR500"   envDefault:""`
	Err501   string `env:"ERR501"   envDefault:""`
	Err503   string `env:"ERR503"   envDefault:""`
	ErrNoSSL string `env:"ERRNOSSL" envDefault:""`

	NoSSLURL  string `env:"NOSSL_URL"  envDefault:""`
	NoSSLCode int    `env:"NOSSL_CODE" envDefault:"302"`

	AddHeader     string   `env:"ADD_HEADER"     envDefault:""`
	RemoveHeaders []string `env:"REMOVE_HEADERS" envSeparator:";"`
	MethodLevel   int      `env:"METHOD_LEVEL"   envDefault:"0"`
	MaxHeaderSize int      `env:"MAX_HEADER_SIZE" envDefault:"65535"`
	ZeroCopy      bool     `env:"ZERO_COPY"      envDefault:"false"`

	AdminPort    int    `env:"ADMIN_PORT"    envDefault:"9090"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT"    envDefault:"json"`
	ServicesFile string `env:"SERVICES_FILE" envDefault:"services.yaml"`
}

// NewConfig parses and checks the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks value ranges and compiles the header patterns once.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: port not configured", errors.ErrInvalidInput)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("%w: cert and key files must be set together", errors.ErrInvalidInput)
	}
	if _, err := c.MinVersion(); err != nil {
		return err
	}
	if c.MethodLevel < 0 || c.MethodLevel > 4 {
		return fmt.Errorf("%w: method level %d is not in 0..4", errors.ErrInvalidInput, c.MethodLevel)
	}
	switch c.NoSSLCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return fmt.Errorf("%w: nossl redirect code %d", errors.ErrInvalidInput, c.NoSSLCode)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: negative worker count", errors.ErrInvalidInput)
	}
	if c.MaxHeaderSize < 0 {
		return fmt.Errorf("%w: negative header size", errors.ErrInvalidInput)
	}
	if _, err := c.RemovePatterns(); err != nil {
		return err
	}
	return nil
}

// Address is the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// HTTPS reports whether the listener terminates TLS.
func (c Config) HTTPS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// MinVersion maps TLSMinVersion to a crypto/tls constant.
func (c Config) MinVersion() (uint16, error) {
	switch c.TLSMinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.0":
		return tls.VersionTLS10, nil
	}
	return 0, fmt.Errorf("%w: tls version %q", errors.ErrInvalidInput, c.TLSMinVersion)
}

// RemovePatterns compiles the header removal expressions.
func (c Config) RemovePatterns() ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range c.RemoveHeaders {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w: header pattern %q: %v", errors.ErrInvalidInput, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
