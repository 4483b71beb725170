// Package ratelimit enforces per-identifier sliding-window request
// limits over a store.WindowStore backend.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/observability"
	"github.com/chainbridge/gatekeeper/pkg/store"
)

// Rule is one limit: at most Limit admitted requests per Window.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Config holds limiter settings.
type Config struct {
	// Default applies to endpoints without an override. Defaults to
	// 100 requests per minute.
	Default Rule `yaml:"default"`

	// Overrides map normalized endpoint templates (see
	// NormalizeEndpoint) to their own rules.
	Overrides map[string]Rule `yaml:"overrides"`
}

func (c *Config) applyDefaults() {
	if c.Default.Limit <= 0 {
		c.Default.Limit = 100
	}
	if c.Default.Window <= 0 {
		c.Default.Window = time.Minute
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is how long the caller should wait before retrying.
	// Zero unless the request was rejected.
	RetryAfter time.Duration

	// Degraded marks a fail-open decision taken because the window
	// store was unreachable. Remaining and ResetAt are meaningless.
	Degraded bool
}

// Limiter admits or rejects requests by counting admissions inside a
// sliding window. Rejected requests are not counted, so a saturated
// caller's window drains at the rate its admitted requests age out.
type Limiter struct {
	windows store.WindowStore
	cfg     Config
	logger  *slog.Logger

	// Now is the clock used for window arithmetic. Tests override it.
	Now func() time.Time
}

// New builds a limiter over the given window store.
func New(windows store.WindowStore, cfg Config, logger *slog.Logger) *Limiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{windows: windows, cfg: cfg, logger: logger, Now: time.Now}
}

// Check decides whether a request from identifier against endpoint may
// proceed. multiplier scales the configured limit (tier bonus); values
// at or below zero mean no scaling. If the window store is unreachable
// the limiter fails open rather than blocking traffic on a store outage.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string, multiplier float64) Decision {
	normalized := NormalizeEndpoint(endpoint)

	rule := l.cfg.Default
	if override, ok := l.cfg.Overrides[normalized]; ok {
		rule = override
	}
	limit := rule.Limit
	if multiplier > 0 {
		limit = int(math.Floor(float64(rule.Limit) * multiplier))
	}
	if limit < 1 {
		limit = 1
	}

	now := l.Now()
	key := identifier + "|" + normalized
	res, err := l.windows.Slide(ctx, key, now, rule.Window, limit)
	if err != nil {
		observability.StoreDegradedTotal.WithLabelValues("ratelimit").Inc()
		l.logger.Warn("rate limit store unreachable, failing open",
			"identifier", identifier, "endpoint", normalized, "error", err)
		return Decision{Allowed: true, Limit: limit, Degraded: true}
	}

	d := Decision{
		Allowed:   res.Admitted,
		Limit:     limit,
		Remaining: limit - res.Count,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !res.Oldest.IsZero() {
		d.ResetAt = res.Oldest.Add(rule.Window)
	} else {
		d.ResetAt = now.Add(rule.Window)
	}
	if !res.Admitted {
		observability.RateLimitRejectedTotal.WithLabelValues(normalized).Inc()
		d.RetryAfter = d.ResetAt.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// NormalizeEndpoint collapses variable path segments (numeric ids,
// UUIDs) to ":id" so all requests against one route template share a
// bucket and label cardinality stays bounded.
func NormalizeEndpoint(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
