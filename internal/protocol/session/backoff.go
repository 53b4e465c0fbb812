package session

import "time"

// NextBackoffDelay returns the retry delay after N consecutive failures (0 = first retry).
// Delays grow by a fixed step and are capped at MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, failures int) time.Duration {
	cfg = cfg.WithDefaults()
	if failures <= 0 {
		return cfg.InitialDelay
	}
	delay := cfg.InitialDelay + time.Duration(failures)*cfg.Step
	if delay < cfg.InitialDelay || delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Backoff tracks reconnect delay across consecutive failed attempts.
type Backoff struct {
	cfg      BackoffConfig
	failures int
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.WithDefaults()}
}

// Current is the delay the next timer should be armed with.
func (b *Backoff) Current() time.Duration {
	return NextBackoffDelay(b.cfg, b.failures)
}

// Fail records a failed attempt and returns the advanced delay.
func (b *Backoff) Fail() time.Duration {
	if b.Current() < b.cfg.MaxDelay {
		b.failures++
	}
	return b.Current()
}

// Reset returns to the initial delay after a successful connection.
func (b *Backoff) Reset() {
	b.failures = 0
}

func (b *Backoff) Failures() int {
	return b.failures
}
