package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxKeys bounds the number of tracked keys so a caller rotating
// source addresses cannot grow the map without limit.
const DefaultMaxKeys = 100000

// MemoryRateLimiter is a fixed-window limiter for single-instance
// deployments and tests.
type MemoryRateLimiter struct {
	config  Config
	maxKeys int
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	stop      chan struct{}
	closeOnce sync.Once
}

type window struct {
	count   int
	started time.Time
}

func NewMemoryRateLimiter(config *Config) *MemoryRateLimiter {
	m := &MemoryRateLimiter{
		config:  *config,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go m.cleanupLoop(5 * time.Minute)
	return m
}

func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (*RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok {
		if len(m.windows) >= m.maxKeys {
			m.sweepLocked(now)
		}
		if len(m.windows) >= m.maxKeys {
			// still full of live windows: admit untracked
			return &RateLimitResult{
				Allowed:   true,
				Limit:     m.config.MaxRequests,
				Remaining: m.config.MaxRequests - 1,
				ResetTime: now.Add(m.config.Window),
			}, nil
		}
		w = &window{started: now}
		m.windows[key] = w
	}
	if now.Sub(w.started) >= m.config.Window {
		w.count, w.started = 0, now
	}

	result := &RateLimitResult{
		Limit:     m.config.MaxRequests,
		ResetTime: w.started.Add(m.config.Window),
	}
	if w.count >= m.config.MaxRequests {
		return result, nil
	}
	w.count++
	result.Allowed = true
	result.Remaining = m.config.MaxRequests - w.count
	return result, nil
}

func (m *MemoryRateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryRateLimiter) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now())
}

// sweepLocked drops windows that ended before now.
func (m *MemoryRateLimiter) sweepLocked(now time.Time) int {
	removed := 0
	for key, w := range m.windows {
		if now.Sub(w.started) >= m.config.Window {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryRateLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}
