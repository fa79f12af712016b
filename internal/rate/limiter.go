// Package rate throttles allocation submissions per wallet with a token
// bucket so a single integration cannot starve the pool for everyone else.
package rate

import (
	"context"
	"sync"
	"time"
)

// Config defines the per-wallet bucket parameters.
type Config struct {
	RequestsPerSecond int
	Burst             int
}

// Limiter is a single token bucket.
type Limiter struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func New(cfg Config) *Limiter {
	return &Limiter{
		tokens: float64(cfg.Burst),
		last:   time.Now(),
		rate:   float64(cfg.RequestsPerSecond),
		burst:  float64(cfg.Burst),
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Wait blocks until a token is available or ctx is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Manager lazily creates one limiter per wallet key.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
	}
}

func (m *Manager) limiter(key string) *Limiter {
	m.mu.RLock()
	lim, ok := m.limiters[key]
	m.mu.RUnlock()
	if ok {
		return lim
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok = m.limiters[key]; ok {
		return lim
	}
	lim = New(m.defaults)
	m.limiters[key] = lim
	return lim
}

// Allow reports whether the wallet may submit right now.
func (m *Manager) Allow(key string) bool {
	return m.limiter(key).Allow()
}

// Wait blocks until the wallet's bucket has a token.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.limiter(key).Wait(ctx)
}
