package tool

import (
	"sync"

	"golang.org/x/time/rate"

	"agentflow/internal/domain"
)

// limiterSet hands out one token bucket per tool, sized from the tool's
// rate_per_minute. Tools without a limit get nil.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) get(t domain.Tool) *rate.Limiter {
	if t.RatePerMinute <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[t.Name]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(t.RatePerMinute)/60.0), 1)
		s.limiters[t.Name] = lim
	}
	return lim
}
