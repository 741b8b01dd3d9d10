package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sampled wraps a Logger with a token bucket so a failure that repeats on
// every reconcile (an unreachable channel registry, a broken endpoint) shows
// up in the log without drowning it.
//
// Dropped lines are counted and reported on the next line that gets through.
type Sampled struct {
	mu      sync.Mutex
	log     Logger
	limiter *rate.Limiter
	dropped int
}

// NewSampled allows one line per every, with the given burst.
func NewSampled(log Logger, every time.Duration, burst int) *Sampled {
	if burst <= 0 {
		burst = 1
	}
	return &Sampled{log: log, limiter: rate.NewLimiter(rate.Every(every), burst)}
}

// Warn logs msg if the bucket allows it.
func (s *Sampled) Warn(msg string, fields ...Field) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.limiter.Allow() {
		s.dropped++
		s.mu.Unlock()
		return
	}
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	if dropped > 0 {
		fields = append(fields, Int("suppressed", dropped))
	}
	s.log.Warn(msg, fields...)
}
