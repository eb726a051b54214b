package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	xlog "github.com/leesper/seqnet/internal/log"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "SEQNET_"

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	lookup     func(string) (string, bool)
	logger     zerolog.Logger
}

// NewLoader creates a loader for the YAML file at configPath, which may be
// empty.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		lookup:     os.LookupEnv,
		logger:     xlog.WithComponent("config"),
	}
}

// Load loads configuration with precedence ENV > File > Defaults, then
// validates it.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.mergeFile(&cfg, l.configPath); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	}
	if err := l.mergeEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	// Decoding onto the defaults keeps every key the file leaves out.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	l.logger.Debug().Str("path", path).Msg("config file loaded")
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := l.env(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := l.env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	integer("WORKERS", &cfg.Workers)
	integer("MAX_CONNECTIONS", &cfg.MaxConnections)
	if v, ok := l.env("MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_BODY_BYTES: %w", EnvPrefix, err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}
	if v, ok := l.env("ACCEPT_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sACCEPT_RATE: %w", EnvPrefix, err))
		} else {
			cfg.AcceptRate = f
		}
	}
	integer("ACCEPT_BURST", &cfg.AcceptBurst)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("CERT_FILE", &cfg.CertFile)
	str("KEY_FILE", &cfg.KeyFile)
	str("LOG_LEVEL", &cfg.LogLevel)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// env returns the non-empty value of EnvPrefix+key. Empty variables count as
// unset.
func (l *Loader) env(key string) (string, bool) {
	v, ok := l.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	l.logger.Debug().Str("key", EnvPrefix+key).Str("source", "environment").Msg("using environment variable")
	return v, true
}
