package bruteforce

import (
	"context"
	"strings"
	"time"

	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
	"authkernel/internal/tenant"
)

type Config struct {
	CaptchaThreshold int
	LockThreshold    int
	Window           time.Duration
}

func DefaultConfig() Config {
	return Config{CaptchaThreshold: 3, LockThreshold: 5, Window: 15 * time.Minute}
}

// Status is the guard's view of one (tenant, username) pair.
type Status struct {
	Failures        int64
	RequiresCaptcha bool
	Locked          bool
	// RetryAfter is how long until the counter decays. Zero when unlocked.
	RetryAfter time.Duration
}

// Guard is the fast, ephemeral failure counter in front of the password
// check. It fails open: when the counter store is unreachable every call
// reports a clean status and the outage is logged and counted.
type Guard struct {
	store   CounterStore
	metrics *monitoring.Service
	config  Config
}

func NewGuard(store CounterStore, metrics *monitoring.Service, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.CaptchaThreshold <= 0 {
		cfg.CaptchaThreshold = def.CaptchaThreshold
	}
	if cfg.LockThreshold <= 0 {
		cfg.LockThreshold = def.LockThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Guard{store: store, metrics: metrics, config: cfg}
}

// RecordFailure counts one failed attempt and returns the resulting status.
func (g *Guard) RecordFailure(ctx context.Context, username string) Status {
	key, ok := g.key(ctx, username)
	if !ok {
		return Status{}
	}
	count, ttl, err := g.store.IncrWithTTL(ctx, key, g.config.Window)
	if err != nil {
		g.failOpen(ctx, "record_failure", err)
		return Status{}
	}
	return g.status(count, ttl)
}

// Status reads the current counter.
func (g *Guard) Status(ctx context.Context, username string) Status {
	key, ok := g.key(ctx, username)
	if !ok {
		return Status{}
	}
	count, ttl, err := g.store.Get(ctx, key)
	if err != nil {
		g.failOpen(ctx, "status", err)
		return Status{}
	}
	return g.status(count, ttl)
}

func (g *Guard) IsLocked(ctx context.Context, username string) bool {
	return g.Status(ctx, username).Locked
}

func (g *Guard) RequiresCaptcha(ctx context.Context, username string) bool {
	return g.Status(ctx, username).RequiresCaptcha
}

// Clear resets the counter after a successful login.
func (g *Guard) Clear(ctx context.Context, username string) {
	key, ok := g.key(ctx, username)
	if !ok {
		return
	}
	if err := g.store.Del(ctx, key); err != nil {
		g.failOpen(ctx, "clear", err)
	}
}

func (g *Guard) status(count int64, ttl time.Duration) Status {
	s := Status{
		Failures:        count,
		RequiresCaptcha: count >= int64(g.config.CaptchaThreshold),
		Locked:          count >= int64(g.config.LockThreshold),
	}
	if s.Locked {
		s.RetryAfter = ttl
	}
	return s
}

func (g *Guard) key(ctx context.Context, username string) (string, bool) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("brute-force guard called without tenant")
		return "", false
	}
	return Key(tenantID, username), true
}

func (g *Guard) failOpen(ctx context.Context, op string, err error) {
	g.metrics.Inc(monitoring.BruteForceFailOpen)
	logging.FromContext(ctx).WarnEvent().
		Str("op", op).
		Err(err).
		Msg("brute-force counter store unavailable; failing open")
}

// Key is the counter key for a username. Usernames compare
// case-insensitively.
func Key(tenantID, username string) string {
	return "bf:" + tenantID + ":" + strings.ToLower(strings.TrimSpace(username))
}
