package detector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/db"
	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
)

// HistorySource returns a user's successful logins, newest first.
type HistorySource interface {
	SuccessHistory(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]*db.LoginLog, error)
}

type Config struct {
	HistoryWindow time.Duration
	HistoryLimit  int
	IPv4Prefix    int
	IPv6Prefix    int
	HourBandSize  int
	Location      *time.Location
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow: 30 * 24 * time.Hour,
		HistoryLimit:  500,
		IPv4Prefix:    24,
		IPv6Prefix:    48,
		HourBandSize:  4,
		Location:      time.UTC,
	}
}

// Attempt is a login whose credentials have already been verified.
type Attempt struct {
	UserID            uuid.UUID
	IPAddress         string
	DeviceFingerprint string
	At                time.Time
}

// Result labels an attempt. It never blocks the login.
type Result struct {
	Suspicious bool
	Reasons    []string
}

// Reason joins the individual reasons into the audit string.
func (r Result) Reason() string {
	return strings.Join(r.Reasons, "; ")
}

// Detector compares an attempt against the user's recent successful
// logins. A user with no history is never flagged.
type Detector struct {
	history HistorySource
	metrics *monitoring.Service
	config  Config
}

func New(history HistorySource, metrics *monitoring.Service, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.IPv4Prefix <= 0 || cfg.IPv4Prefix > 32 {
		cfg.IPv4Prefix = def.IPv4Prefix
	}
	if cfg.IPv6Prefix <= 0 || cfg.IPv6Prefix > 128 {
		cfg.IPv6Prefix = def.IPv6Prefix
	}
	if cfg.HourBandSize <= 0 || 24%cfg.HourBandSize != 0 {
		cfg.HourBandSize = def.HourBandSize
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	return &Detector{history: history, metrics: metrics, config: cfg}
}

// Evaluate runs the origin, device and hour checks. A history lookup
// failure yields a clean result and a warning.
func (d *Detector) Evaluate(ctx context.Context, a Attempt) Result {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	history, err := d.history.SuccessHistory(ctx, a.UserID, at.Add(-d.config.HistoryWindow), d.config.HistoryLimit)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithUserID(a.UserID.String()).
			Warn("login history unavailable; skipping suspicious login checks")
		return Result{}
	}
	if len(history) == 0 {
		return Result{}
	}

	var reasons []string
	if r := d.checkOrigin(a, history); r != "" {
		reasons = append(reasons, r)
	}
	if r := d.checkDevice(a, history); r != "" {
		reasons = append(reasons, r)
	}
	if r := d.checkHour(at, history); r != "" {
		reasons = append(reasons, r)
	}
	if len(reasons) == 0 {
		return Result{}
	}

	d.metrics.Inc(monitoring.SuspiciousLogins)
	return Result{Suspicious: true, Reasons: reasons}
}

func (d *Detector) checkOrigin(a Attempt, history []*db.LoginLog) string {
	current := NetworkPrefix(a.IPAddress, d.config.IPv4Prefix, d.config.IPv6Prefix)
	if current == "" {
		return ""
	}
	for _, h := range history {
		if NetworkPrefix(h.IPAddress, d.config.IPv4Prefix, d.config.IPv6Prefix) == current {
			return ""
		}
	}
	return "login from unfamiliar network " + current
}

func (d *Detector) checkDevice(a Attempt, history []*db.LoginLog) string {
	if a.DeviceFingerprint == "" {
		return ""
	}
	known := 0
	for _, h := range history {
		if h.DeviceFingerprint == "" {
			continue
		}
		known++
		if h.DeviceFingerprint == a.DeviceFingerprint {
			return ""
		}
	}
	if known == 0 {
		return ""
	}
	return "login from unfamiliar device"
}

func (d *Detector) checkHour(at time.Time, history []*db.LoginLog) string {
	band := d.band(at)
	for _, h := range history {
		if d.band(h.CreatedAt) == band {
			return ""
		}
	}
	start := (band*d.config.HourBandSize + nightStart) % 24
	end := (start + d.config.HourBandSize - 1) % 24
	return fmt.Sprintf("login at unusual hour (%02d:00-%02d:59)", start, end)
}

// nightStart aligns the bands so the first one starts at 02:00.
const nightStart = 2

func (d *Detector) band(t time.Time) int {
	hour := t.In(d.config.Location).Hour()
	return ((hour - nightStart + 24) % 24) / d.config.HourBandSize
}
