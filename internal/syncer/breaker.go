package syncer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry keeps one circuit breaker per repository so a persistently
// broken remote stops consuming worker-pool capacity. A tripped breaker
// half-opens after resetTimeout and admits a single probe sync; an explicit
// manual sync resets it immediately instead of waiting.
type BreakerRegistry struct {
	maxFailures  uint32
	resetTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry tripping after maxFailures
// consecutive failures.
func NewBreakerRegistry(maxFailures int, resetTimeout time.Duration, logger *slog.Logger) *BreakerRegistry {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		maxFailures:  uint32(maxFailures),
		resetTimeout: resetTimeout,
		logger:       logger,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the repository's breaker, creating it on first use.
func (r *BreakerRegistry) Get(repoID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[repoID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        repoID,
			MaxRequests: 1,
			Timeout:     r.resetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= r.maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warn("circuit breaker state changed", "repo_id", name, "from", from.String(), "to", to.String())
			},
		})
		r.breakers[repoID] = cb
	}
	return cb
}

// Reset discards the repository's breaker. Used by explicit manual retries.
func (r *BreakerRegistry) Reset(repoID string) {
	r.mu.Lock()
	delete(r.breakers, repoID)
	r.mu.Unlock()
}
