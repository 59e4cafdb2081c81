package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/observability"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// windowAligned returns a time exactly at the start of a window.
func windowAligned(window time.Duration) time.Time {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return time.Unix(0, base.UnixNano()/int64(window)*int64(window))
}

type failingStore struct {
	kv.Store
}

func (failingStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func newTestLimiter(t *testing.T, store kv.Store, clock *fakeClock, opts ...Option) *Limiter {
	t.Helper()
	budgets := map[Channel]config.Rate{
		ChannelChat:   {Limit: 3, Window: time.Minute},
		ChannelStream: {Limit: 2, Window: time.Minute},
	}
	opts = append(opts, WithClock(clock.Now))
	return New(store, budgets, opts...)
}

func TestCheck_AllowsUpToLimitThenDenies(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	clock := &fakeClock{now: windowAligned(time.Minute)}
	l := newTestLimiter(t, store, clock)

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, ChannelChat, "session-a")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i+1)
		require.Equal(t, 2-i, res.Remaining)
	}

	clock.Advance(15 * time.Second)
	res, err := l.Check(ctx, ChannelChat, "session-a")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, 45*time.Second, res.RetryAfter)
	require.Equal(t, clock.now.Add(45*time.Second), res.ResetAt)

	index := clock.now.UnixNano() / int64(time.Minute)
	count, err := store.GetInt(ctx, windowKey(ChannelChat, "session-a", index))
	require.NoError(t, err)
	require.Equal(t, int64(3), count, "denied request must be rolled back")
}

func TestCheck_ChannelsAndIdentitiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: windowAligned(time.Minute)}
	l := newTestLimiter(t, kv.NewMemory(), clock)

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, ChannelStream, "user-1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, _ := l.Check(ctx, ChannelStream, "user-1")
	require.False(t, res.Allowed)

	res, _ = l.Check(ctx, ChannelChat, "user-1")
	require.True(t, res.Allowed, "chat budget is separate from stream budget")

	res, _ = l.Check(ctx, ChannelStream, "user-2")
	require.True(t, res.Allowed, "other identities are unaffected")
}

func TestCheck_SlidingWindowWeighsPreviousWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: windowAligned(time.Minute)}
	l := newTestLimiter(t, kv.NewMemory(), clock)

	for i := 0; i < 3; i++ {
		res, _ := l.Check(ctx, ChannelChat, "ip")
		require.True(t, res.Allowed)
	}

	// 10s into the next window the previous three still weigh 2.5.
	clock.Advance(70 * time.Second)
	res, err := l.Check(ctx, ChannelChat, "ip")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Halfway through, 1.5 from the previous window leaves room for one.
	clock.Advance(20 * time.Second)
	res, err = l.Check(ctx, ChannelChat, "ip")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, _ = l.Check(ctx, ChannelChat, "ip")
	require.False(t, res.Allowed)

	// Two windows later nothing carries over.
	clock.Advance(2 * time.Minute)
	res, err = l.Check(ctx, ChannelChat, "ip")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 2, res.Remaining)
}

func TestCheck_DryRunAllowsAndCounts(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	clock := &fakeClock{now: windowAligned(time.Minute)}
	l := newTestLimiter(t, kv.NewMemory(), clock, WithDryRun(true), WithMetrics(metrics))

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, ChannelStream, "user-1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.RateLimitDenialsTotal.WithLabelValues("stream", "false")))
}

func TestCheck_FailsOpenWhenStoreIsDown(t *testing.T) {
	clock := &fakeClock{now: windowAligned(time.Minute)}
	l := newTestLimiter(t, failingStore{}, clock)

	res, err := l.Check(context.Background(), ChannelChat, "user-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 3, res.Remaining)
}

func TestCheck_UnknownChannel(t *testing.T) {
	clock := &fakeClock{now: windowAligned(time.Minute)}
	l := newTestLimiter(t, kv.NewMemory(), clock)

	_, err := l.Check(context.Background(), ChannelMagicLink, "hash")
	require.Error(t, err)
}

func TestBudgetsFromConfig(t *testing.T) {
	cfg := config.Config{
		SiteRateLimit:      config.Rate{Limit: 25, Window: 10 * time.Second},
		ChatRateLimit:      config.Rate{Limit: 60, Window: time.Minute},
		StreamRateLimit:    config.Rate{Limit: 30, Window: time.Minute},
		MagicLinkRateLimit: config.Rate{Limit: 3, Window: time.Hour},
	}
	budgets := BudgetsFromConfig(cfg)
	require.Len(t, budgets, 4)
	require.Equal(t, 30, budgets[ChannelStream].Limit)
	require.Equal(t, 10*time.Second, budgets[ChannelSite].Window)
}
