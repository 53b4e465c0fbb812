package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	ErrHostRequired     = errors.New("session: host required")
	ErrInvalidPort      = errors.New("session: invalid port")
	ErrUsernameRequired = errors.New("session: username required")
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Step         time.Duration
	MaxDelay     time.Duration
}

func (c BackoffConfig) WithDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if c == (BackoffConfig{}) {
		return def
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.Step < 0 {
		c.Step = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	return c
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 10 * time.Second,
		Step:         10 * time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// Credentials are replayed on every (re)connect.
type Credentials struct {
	Username string
	Secret   string
	Events   bool
}

// Config defines the management session endpoint and reliability defaults.
type Config struct {
	Host           string
	Port           int
	Credentials    Credentials
	KeepConnected  bool
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	Backoff        BackoffConfig
	TLS            TLSConfig
}

func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           5038,
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		KeepAlive:      30 * time.Second,
		Backoff:        DefaultBackoffConfig(),
	}
}

// WithDefaults fills unset durations from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Host) == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	c.Backoff = c.Backoff.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if strings.TrimSpace(c.Credentials.Username) == "" {
		return ErrUsernameRequired
	}
	return c.TLS.Validate()
}

func (c Config) Address() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port))
}
