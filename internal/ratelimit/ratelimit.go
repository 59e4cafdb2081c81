// Package ratelimit throttles callers with sliding windows kept in the
// shared kv store. Each channel has its own budget and its own keys, so
// exhausting one channel never spends another.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/observability"
)

type Channel string

const (
	ChannelSite      Channel = "site"
	ChannelChat      Channel = "chat"
	ChannelStream    Channel = "stream"
	ChannelMagicLink Channel = "magic_link"
)

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Checker is what callers of the limiter depend on.
type Checker interface {
	Check(ctx context.Context, channel Channel, identity string) (Result, error)
}

type Limiter struct {
	store   kv.Store
	budgets map[Channel]config.Rate
	dryRun  bool
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type Option func(*Limiter)

// WithDryRun logs denials without enforcing them.
func WithDryRun(enabled bool) Option {
	return func(l *Limiter) { l.dryRun = enabled }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store kv.Store, budgets map[Channel]config.Rate, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		budgets: budgets,
		logger:  observability.Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BudgetsFromConfig maps the configured rates onto channels.
func BudgetsFromConfig(cfg config.Config) map[Channel]config.Rate {
	return map[Channel]config.Rate{
		ChannelSite:      cfg.SiteRateLimit,
		ChannelChat:      cfg.ChatRateLimit,
		ChannelStream:    cfg.StreamRateLimit,
		ChannelMagicLink: cfg.MagicLinkRateLimit,
	}
}

// Check counts one event for identity on channel. The estimate weighs the
// previous fixed window by how much of it still overlaps the sliding
// window. A denied event is rolled back so it does not count. Store
// failures allow the request.
func (l *Limiter) Check(ctx context.Context, channel Channel, identity string) (Result, error) {
	budget, ok := l.budgets[channel]
	if !ok || budget.Limit <= 0 || budget.Window <= 0 {
		return Result{}, fmt.Errorf("ratelimit: no budget for channel %q", channel)
	}

	now := l.now()
	window := budget.Window
	index := now.UnixNano() / int64(window)
	windowStart := time.Unix(0, index*int64(window))
	resetAt := windowStart.Add(window)
	elapsed := float64(now.Sub(windowStart)) / float64(window)

	currentKey := windowKey(channel, identity, index)
	current, err := l.store.IncrWithTTL(ctx, currentKey, 2*window)
	if err != nil {
		return l.failOpen(ctx, channel, budget, resetAt, err), nil
	}
	previous, err := l.store.GetInt(ctx, windowKey(channel, identity, index-1))
	if err != nil {
		return l.failOpen(ctx, channel, budget, resetAt, err), nil
	}

	estimate := float64(previous)*(1-elapsed) + float64(current)
	if estimate <= float64(budget.Limit) {
		return Result{
			Allowed:   true,
			Limit:     budget.Limit,
			Remaining: budget.Limit - int(math.Ceil(estimate)),
			ResetAt:   resetAt,
		}, nil
	}

	if _, err := l.store.Decr(ctx, currentKey); err != nil {
		observability.LoggerFromContext(ctx).Warn("rate limit rollback failed", "channel", channel, "error", err)
	}
	retryAfter := resetAt.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	l.metrics.RateLimitDenied(string(channel), !l.dryRun)
	if l.dryRun {
		l.logger.Info("rate limit would deny", "channel", channel, "limit", budget.Limit)
		return Result{Allowed: true, Limit: budget.Limit, ResetAt: resetAt}, nil
	}
	return Result{
		Allowed:    false,
		Limit:      budget.Limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

func (l *Limiter) failOpen(ctx context.Context, channel Channel, budget config.Rate, resetAt time.Time, err error) Result {
	observability.LoggerFromContext(ctx).Error("rate limit store unavailable, allowing", "channel", channel, "error", err)
	return Result{Allowed: true, Limit: budget.Limit, Remaining: budget.Limit, ResetAt: resetAt}
}

func windowKey(channel Channel, identity string, index int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", channel, identity, index)
}
