package syncclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy bounds realtime reconnection: MaxAttempts tries, waiting BaseDelay before the first and
// doubling up to MaxDelay.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy is 5 attempts starting at 1s, capped at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// NewBackOff returns a fresh delay sequence. NextBackOff yields backoff.Stop once the attempts are spent.
func (p ReconnectPolicy) NewBackOff() backoff.BackOff {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
}

// Delays lists the full schedule.
func (p ReconnectPolicy) Delays() []time.Duration {
	b := p.NewBackOff()
	var out []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		out = append(out, d)
	}
	return out
}
