// Package config loads amictl settings from a TOML file, a .env file and the
// process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/amictl/internal/protocol/session"
	"github.com/joho/godotenv"
)

const DefaultMetricsAddr = "127.0.0.1:9138"

// Config is the resolved client configuration.
type Config struct {
	Session     session.Config
	MetricsAddr string
}

func Default() Config {
	return Config{
		Session:     session.DefaultConfig(),
		MetricsAddr: DefaultMetricsAddr,
	}
}

type fileConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	Username       string        `toml:"username"`
	Secret         string        `toml:"secret"`
	Events         bool          `toml:"events"`
	KeepConnected  bool          `toml:"keep_connected"`
	ConnectTimeout string        `toml:"connect_timeout"`
	WriteTimeout   string        `toml:"write_timeout"`
	KeepAlive      string        `toml:"keep_alive"`
	MetricsAddr    string        `toml:"metrics_addr"`
	Reconnect      reconnectFile `toml:"reconnect"`
	TLS            tlsFile       `toml:"tls"`
}

type reconnectFile struct {
	Initial string `toml:"initial"`
	Step    string `toml:"step"`
	Max     string `toml:"max"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	ServerName         string `toml:"server_name"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// envConfig fields are pointers so unset variables leave file values alone.
type envConfig struct {
	Host           *string        `env:"AMI_HOST"`
	Port           *int           `env:"AMI_PORT"`
	Username       *string        `env:"AMI_USERNAME"`
	Secret         *string        `env:"AMI_SECRET"`
	Events         *bool          `env:"AMI_EVENTS"`
	Reconnect      *bool          `env:"AMI_RECONNECT"`
	ConnectTimeout *time.Duration `env:"AMI_CONNECT_TIMEOUT"`
	TLS            *bool          `env:"AMI_TLS"`
	TLSCAFile      *string        `env:"AMI_TLS_CA_FILE"`
	MetricsAddr    *string        `env:"AMICTL_METRICS_ADDR"`
}

// Load resolves defaults, then the TOML file at path (skipped when empty),
// then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		var err error
		if cfg, err = overlayFile(cfg, path); err != nil {
			return Config{}, err
		}
	}
	cfg, err := overlayEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv populates unset environment variables from path. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func overlayFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	s := &cfg.Session
	if meta.IsDefined("host") {
		s.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		s.Port = raw.Port
	}
	if meta.IsDefined("username") {
		s.Credentials.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("secret") {
		s.Credentials.Secret = raw.Secret
	}
	if meta.IsDefined("events") {
		s.Credentials.Events = raw.Events
	}
	if meta.IsDefined("keep_connected") {
		s.KeepConnected = raw.KeepConnected
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &s.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &s.WriteTimeout},
		{"keep_alive", raw.KeepAlive, &s.KeepAlive},
		{"reconnect.initial", raw.Reconnect.Initial, &s.Backoff.InitialDelay},
		{"reconnect.step", raw.Reconnect.Step, &s.Backoff.Step},
		{"reconnect.max", raw.Reconnect.Max, &s.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("tls") {
		s.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return cfg, nil
}

func overlayEnv(cfg Config) (Config, error) {
	var e envConfig
	if err := env.Parse(&e); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	s := &cfg.Session
	if e.Host != nil {
		s.Host = strings.TrimSpace(*e.Host)
	}
	if e.Port != nil {
		s.Port = *e.Port
	}
	if e.Username != nil {
		s.Credentials.Username = strings.TrimSpace(*e.Username)
	}
	if e.Secret != nil {
		s.Credentials.Secret = *e.Secret
	}
	if e.Events != nil {
		s.Credentials.Events = *e.Events
	}
	if e.Reconnect != nil {
		s.KeepConnected = *e.Reconnect
	}
	if e.ConnectTimeout != nil {
		s.ConnectTimeout = *e.ConnectTimeout
	}
	if e.TLS != nil {
		s.TLS.Enabled = *e.TLS
	}
	if e.TLSCAFile != nil {
		s.TLS.CAFile = strings.TrimSpace(*e.TLSCAFile)
	}
	if e.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*e.MetricsAddr)
	}
	return cfg, nil
}
