package jobs

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/usecase/runner"
)

// Default spawn breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the spawn circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive spawn failures before the circuit opens.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before allowing a probe.
	OpenTimeout time.Duration
	// Interval clears failure counts periodically while closed.
	Interval time.Duration
}

// spawnBreaker fails process starts fast after repeated spawn failures.
type spawnBreaker struct {
	cb *gobreaker.CircuitBreaker[*runner.Handle]
}

func newSpawnBreaker(cfg BreakerConfig, logger *slog.Logger) *spawnBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*runner.Handle](gobreaker.Settings{
		Name:        "spawn",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &spawnBreaker{cb: cb}
}

// ready fails fast while the circuit is open.
func (b *spawnBreaker) ready(op string) error {
	if b.cb.State() == gobreaker.StateOpen {
		return domain.NewSubSystemError("jobs", op, domain.ErrEngineUnavailable, "spawn circuit open")
	}
	return nil
}

// start runs fn through the breaker.
func (b *spawnBreaker) start(op string, fn func() (*runner.Handle, error)) (*runner.Handle, error) {
	h, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewSubSystemError("jobs", op, domain.ErrEngineUnavailable, "spawn circuit open")
	}
	return h, err
}

// State returns the breaker state name for status reporting.
func (b *spawnBreaker) State() string {
	return b.cb.State().String()
}
