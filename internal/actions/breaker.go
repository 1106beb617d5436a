package actions

import (
	"sync"
	"time"

	"triggerflow/internal/config"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards one remote endpoint. After MaxFailures consecutive
// failures it opens; after ResetTimeout it lets HalfOpenMaxReqs probes through.
type Breaker struct {
	cfg          config.CircuitBreakerConfig
	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
	now          func() time.Time
}

func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow 检查是否允许请求通过
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenReqs = 1
		return true
	case BreakerHalfOpen:
		if b.halfOpenReqs < b.cfg.HalfOpenMaxReqs {
			b.halfOpenReqs++
			return true
		}
	}
	return false
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenReqs = 0
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.state = BreakerOpen
		b.halfOpenReqs = 0
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerSet lazily creates one breaker per key.
type breakerSet struct {
	cfg      config.CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func newBreakerSet(cfg config.CircuitBreakerConfig) *breakerSet {
	return &breakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (s *breakerSet) get(key string) *Breaker {
	if s == nil || !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(s.cfg)
		s.breakers[key] = b
	}
	return b
}
