package tool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentflow/internal/domain"
	"agentflow/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// breakerSet keeps one circuit breaker per tool so a failing endpoint is
// short-circuited without affecting the others.
type breakerSet struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker[*domain.ToolResponse]
}

func newBreakerSet(cfg config.CircuitBreakerConfig, logger *slog.Logger) *breakerSet {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	return &breakerSet{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*domain.ToolResponse]),
	}
}

// get returns the breaker of the named tool, or nil when breakers are disabled.
func (s *breakerSet) get(tool string) *gobreaker.CircuitBreaker[*domain.ToolResponse] {
	if !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[tool]; ok {
		return cb
	}

	maxFailures := s.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[*domain.ToolResponse](gobreaker.Settings{
		Name:        "tool:" + tool,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    s.cfg.Interval,
		Timeout:     s.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	s.breakers[tool] = cb
	return cb
}

// state reports the breaker state of a tool for diagnostics.
func (s *breakerSet) state(tool string) (gobreaker.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[tool]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}
