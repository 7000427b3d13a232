package budget

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/resilience"
)

func testConfig() Config {
	return Config{
		APIKeys:          []string{"key-a", "key-b"},
		UnitCostMu:       1000,
		DailyCeilingMu:   10_000,
		MonthlyCeilingMu: 100_000,
		MaxConcurrent:    4,
		RatePerSecond:    1000,
		RateBurst:        1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

func starterTier() model.Tier {
	return model.Tier{Name: "starter", MonthlySpendMu: 5000}
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(kv.NewMemory(), Config{})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestDo_SuccessIncrementsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kv.NewMemory()

	g, err := New(store, testConfig())
	require.NoError(t, err)

	val, err := Do(ctx, g, "u1", starterTier(), func(_ context.Context, apiKey string) (string, error) {
		return "result:" + apiKey, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "result:key-a", val)

	daily, monthly, err := g.Usage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, daily)
	assert.EqualValues(t, 1000, monthly)

	userSpent, err := store.GetInt(ctx, userKey(time.Now().UTC(), "starter", "u1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, userSpent)
}

func TestDo_RotatesCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g, err := New(kv.NewMemory(), testConfig())
	require.NoError(t, err)

	var keys []string
	for i := 0; i < 4; i++ {
		_, err := Do(ctx, g, "u1", starterTier(), func(_ context.Context, apiKey string) (int, error) {
			keys = append(keys, apiKey)
			return 0, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"key-a", "key-b", "key-a", "key-b"}, keys)
}

func TestDo_DailyCeilingRefusesBeforeDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kv.NewMemory()

	cfg := testConfig()
	cfg.DailyCeilingMu = 2000
	g, err := New(store, cfg)
	require.NoError(t, err)

	// Spend the whole daily budget.
	_, err = store.IncrBy(ctx, dailyKey(time.Now().UTC()), 2000, time.Hour)
	require.NoError(t, err)

	var dispatched int32
	_, err = Do(ctx, g, "u1", starterTier(), func(_ context.Context, _ string) (int, error) {
		atomic.AddInt32(&dispatched, 1)
		return 0, nil
	})
	require.Error(t, err)
	assert.True(t, IsExceeded(err))
	assert.Zero(t, atomic.LoadInt32(&dispatched), "ceiling refusal must happen before any call is dispatched")

	var ee *ExceededError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ScopeDaily, ee.Scope)
}

func TestDo_UserCeilingIsPerTierPerUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kv.NewMemory()

	g, err := New(store, testConfig())
	require.NoError(t, err)

	tier := starterTier() // 5000 mu/month, unit cost 1000
	for i := 0; i < 5; i++ {
		_, err := Do(ctx, g, "u1", tier, func(_ context.Context, _ string) (int, error) { return 0, nil })
		require.NoError(t, err)
	}

	_, err = Do(ctx, g, "u1", tier, func(_ context.Context, _ string) (int, error) { return 0, nil })
	assert.True(t, IsExceeded(err))

	// A different user on the same tier still has headroom.
	_, err = Do(ctx, g, "u2", tier, func(_ context.Context, _ string) (int, error) { return 0, nil })
	assert.NoError(t, err)
}

func TestDo_FailureDoesNotSpend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g, err := New(kv.NewMemory(), testConfig())
	require.NoError(t, err)

	_, err = Do(ctx, g, "u1", starterTier(), func(_ context.Context, _ string) (int, error) {
		return 0, errors.New("bad request")
	})
	require.Error(t, err)

	daily, monthly, err := g.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, daily)
	assert.Zero(t, monthly)
}

func TestDo_RetriesTransientOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g, err := New(kv.NewMemory(), testConfig())
	require.NoError(t, err)

	var calls int
	val, err := Do(ctx, g, "u1", starterTier(), func(_ context.Context, _ string) (int, error) {
		calls++
		if calls < 2 {
			return 0, resilience.NewTransientError(errors.New("overloaded"), 503)
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, 2, calls)
}

func TestDo_QuotaSurfacedImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g, err := New(kv.NewMemory(), testConfig())
	require.NoError(t, err)

	var calls int
	_, err = Do(ctx, g, "u1", starterTier(), func(_ context.Context, _ string) (int, error) {
		calls++
		return 0, resilience.NewQuotaError(errors.New("quota exceeded"), 429)
	})
	assert.True(t, resilience.IsQuota(err))
	assert.Equal(t, 1, calls)
}

func TestDo_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}
	g, err := New(kv.NewMemory(), cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _ = Do(ctx, g, "u1", starterTier(), func(_ context.Context, _ string) (int, error) {
			return 0, resilience.NewTransientError(errors.New("down"), 503)
		})
	}
	assert.Equal(t, resilience.CircuitOpen, g.BreakerState())

	var dispatched bool
	_, err = Do(ctx, g, "u1", starterTier(), func(_ context.Context, _ string) (int, error) {
		dispatched = true
		return 0, nil
	})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.False(t, dispatched)
}
