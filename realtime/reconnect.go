package realtime

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy decides the delay before the next reconnect attempt.
type ReconnectPolicy interface {
	// Next returns the delay before the next attempt, or false when no further
	// attempt should be made.
	Next() (time.Duration, bool)
	// Reset is called after a connection opens.
	Reset()
}

// ReconnectConfig selects and tunes a ReconnectPolicy.
type ReconnectConfig struct {
	// Policy is "flat" or "backoff".
	Policy          string        `yaml:"policy" json:"policy" env:"POLICY"`
	Delay           time.Duration `yaml:"delay" json:"delay" env:"DELAY"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	// MaxAttempts bounds consecutive failed attempts. 0 means unlimited for
	// flat and DefaultBackoffAttempts for backoff.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
}

// DefaultBackoffAttempts caps the backoff policy when MaxAttempts is unset.
const DefaultBackoffAttempts = 10

// DefaultReconnectConfig reconnects every 5s forever.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Policy:          "flat",
		Delay:           5 * time.Second,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
	}
}

// NewReconnectPolicy builds the configured policy.
func NewReconnectPolicy(cfg ReconnectConfig) (ReconnectPolicy, error) {
	switch cfg.Policy {
	case "", "flat":
		delay := cfg.Delay
		if delay <= 0 {
			delay = 5 * time.Second
		}
		return &FlatPolicy{Delay: delay, MaxAttempts: cfg.MaxAttempts}, nil
	case "backoff":
		return NewBackoffPolicy(cfg), nil
	default:
		return nil, fmt.Errorf("unknown reconnect policy %q", cfg.Policy)
	}
}

// FlatPolicy waits the same delay before every attempt.
type FlatPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	attempts    int
}

func (p *FlatPolicy) Next() (time.Duration, bool) {
	if p.MaxAttempts > 0 && p.attempts >= p.MaxAttempts {
		return 0, false
	}
	p.attempts++
	return p.Delay, true
}

func (p *FlatPolicy) Reset() { p.attempts = 0 }

// BackoffPolicy is exponential with jitter. Both the delay and the number of
// attempts are capped; once exhausted it stops until Reset.
type BackoffPolicy struct {
	b           *backoff.ExponentialBackOff
	maxInterval time.Duration
	maxAttempts int
	attempts    int
}

// NewBackoffPolicy creates a BackoffPolicy from cfg.
func NewBackoffPolicy(cfg ReconnectConfig) *BackoffPolicy {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 1 {
		b.Multiplier = cfg.Multiplier
	}
	b.Reset()
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultBackoffAttempts
	}
	return &BackoffPolicy{b: b, maxInterval: b.MaxInterval, maxAttempts: attempts}
}

func (p *BackoffPolicy) Next() (time.Duration, bool) {
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	// 抖动在 MaxInterval 之后叠加，这里再截断一次
	if d > p.maxInterval {
		d = p.maxInterval
	}
	p.attempts++
	return d, true
}

func (p *BackoffPolicy) Reset() {
	p.attempts = 0
	p.b.Reset()
}
