package sessions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultSweepInterval is how often the janitor looks for idle sessions.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultIdleTimeout is how long a session may go without activity.
	DefaultIdleTimeout = 2 * time.Hour
)

// Janitor periodically expires idle sessions from a Registry.
type Janitor struct {
	registry *Registry
	interval time.Duration
	idle     time.Duration
	logger   *zap.Logger
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewJanitor creates a janitor. Non-positive durations fall back to the defaults.
func NewJanitor(registry *Registry, interval, idle time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		registry: registry,
		interval: interval,
		idle:     idle,
		logger:   logger,
	}
}

// Start begins the sweep loop. Call Stop() to release resources.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.run(ctx, j.done)
	j.logger.Info("session janitor started", zap.Duration("interval", j.interval), zap.Duration("idle_timeout", j.idle))
}

// Stop cancels the sweep loop and tears down every remaining session.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
		<-j.done
		j.cancel = nil
	}
	j.mu.Unlock()
	j.registry.Close()
	j.logger.Info("session janitor stopped")
}

// Sweep runs one expiry pass and returns the expired session codes.
func (j *Janitor) Sweep() []string {
	codes := j.registry.ExpireIdle(j.idle)
	for _, code := range codes {
		j.logger.Info("expired inactive session", zap.String("session_code", code))
	}
	return codes
}

func (j *Janitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}
