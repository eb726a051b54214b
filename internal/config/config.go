// Package config loads the seqnet server configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, SEQNET_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
)

// Config is the server configuration.
type Config struct {
	// ListenAddr is the TCP address the server accepts on.
	ListenAddr string `yaml:"listenAddr"`
	// Workers sizes the worker pool callbacks run on. 0 runs every callback
	// on its own goroutine.
	Workers int `yaml:"workers"`
	// MaxConnections caps concurrent connections.
	MaxConnections int `yaml:"maxConnections"`
	// MaxBodyBytes bounds one received message. 0 allows anything the
	// header can describe.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
	// AcceptRate limits accepted connections per second, AcceptBurst
	// allows short bursts above it. 0 disables the limit.
	AcceptRate  float64 `yaml:"acceptRate"`
	AcceptBurst int     `yaml:"acceptBurst"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metricsAddr"`
	// TLS key pair; both or neither.
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`

	LogLevel string `yaml:"logLevel"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		ListenAddr:     "0.0.0.0:18341",
		MaxConnections: 1000,
		MaxBodyBytes:   64 << 20,
		AcceptBurst:    1,
		LogLevel:       "info",
	}
}

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid config")
)

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listenAddr %q: %w", c.ListenAddr, err))
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metricsAddr %q: %w", c.MetricsAddr, err))
		}
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("maxConnections must be > 0, got %d", c.MaxConnections))
	}
	if c.MaxBodyBytes < 0 || c.MaxBodyBytes > 9_999_999_999 {
		errs = append(errs, fmt.Errorf("maxBodyBytes out of range: %d", c.MaxBodyBytes))
	}
	if c.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("acceptRate must be >= 0, got %g", c.AcceptRate))
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		errs = append(errs, fmt.Errorf("acceptBurst must be > 0 when acceptRate is set, got %d", c.AcceptBurst))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("certFile and keyFile must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
