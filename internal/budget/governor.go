// Package budget wraps every upstream call with the spend controls that keep
// the crawler inside its external budget: pre-flight ceiling checks against
// shared counters, a bounded-concurrency gate, a rate limiter, a circuit
// breaker, credential rotation, and a retry policy that never retries quota
// errors. Counters live in the shared key-value store so every process
// draws down the same budget.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/resilience"
)

// Scope identifies which spend ceiling was met.
type Scope string

const (
	ScopeDaily       Scope = "global_daily"
	ScopeMonthly     Scope = "global_monthly"
	ScopeUserMonthly Scope = "user_monthly"
)

// ErrNoCredentials is returned by New when the API key pool is empty. This
// is a configuration error: there is no point starting without credentials.
var ErrNoCredentials = eris.New("budget: no API credentials configured")

// ExceededError reports a spend ceiling that is already met. The call it
// guarded was refused before any network I/O.
type ExceededError struct {
	Scope   Scope
	SpentMu int64
	LimitMu int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s spend ceiling met (%d/%d micro-USD)", e.Scope, e.SpentMu, e.LimitMu)
}

// IsExceeded returns true if the error chain contains an ExceededError.
func IsExceeded(err error) bool {
	var ee *ExceededError
	return errors.As(err, &ee)
}

// Config tunes the governor. All money amounts are micro-USD.
type Config struct {
	APIKeys          []string      `yaml:"api_keys" mapstructure:"api_keys"`
	UnitCostMu       int64         `yaml:"unit_cost_mu" mapstructure:"unit_cost_mu"`
	DailyCeilingMu   int64         `yaml:"daily_ceiling_mu" mapstructure:"daily_ceiling_mu"`
	MonthlyCeilingMu int64         `yaml:"monthly_ceiling_mu" mapstructure:"monthly_ceiling_mu"`
	MaxConcurrent    int64         `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RatePerSecond    float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst        int           `yaml:"rate_burst" mapstructure:"rate_burst"`
	CounterTTL       time.Duration `yaml:"counter_ttl" mapstructure:"counter_ttl"`

	Breaker resilience.CircuitBreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	Retry   resilience.RetryConfig          `yaml:"retry" mapstructure:"retry"`
}

// Governor serializes access to the metered upstream provider.
type Governor struct {
	store   kv.Store
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	cursor  atomic.Uint64
	nowFunc func() time.Time
}

// New creates a Governor. Fails fast when no credentials are configured.
func New(store kv.Store, cfg Config) (*Governor, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, ErrNoCredentials
	}
	if cfg.UnitCostMu <= 0 {
		cfg.UnitCostMu = 32_000 // Places Text Search (Pro) list price per call
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RatePerSecond)
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = 45 * 24 * time.Hour
	}

	return &Governor{
		store:   store,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		nowFunc: time.Now,
	}, nil
}

// Do runs one upstream call for the given user under every budget control.
// The credential passed to call rotates round-robin across the pool. On
// success all applicable spend counters are incremented by the estimated
// unit cost.
func Do[T any](ctx context.Context, g *Governor, userID string, tier model.Tier, call func(ctx context.Context, apiKey string) (T, error)) (T, error) {
	var zero T

	// Ceiling checks happen before any network I/O is dispatched.
	if err := g.checkCeilings(ctx, userID, tier); err != nil {
		return zero, err
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return zero, eris.Wrap(err, "budget: acquire concurrency slot")
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		return zero, eris.Wrap(err, "budget: rate limit wait")
	}

	val, err := resilience.DoVal(ctx, g.cfg.Retry, func(ctx context.Context) (T, error) {
		return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (T, error) {
			return call(ctx, g.nextKey())
		})
	})
	if err != nil {
		return zero, err
	}

	if err := g.recordSpend(ctx, userID, tier); err != nil {
		// The call already succeeded and cannot be unwound; counter drift
		// here is a known best-effort accounting gap.
		zap.L().Warn("spend counter increment failed",
			zap.String("component", "budget.governor"),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	return val, nil
}

// Usage returns the current global daily and monthly spend in micro-USD.
func (g *Governor) Usage(ctx context.Context) (dailyMu, monthlyMu int64, err error) {
	now := g.nowFunc().UTC()
	dailyMu, err = g.store.GetInt(ctx, dailyKey(now))
	if err != nil {
		return 0, 0, err
	}
	monthlyMu, err = g.store.GetInt(ctx, monthlyKey(now))
	if err != nil {
		return 0, 0, err
	}
	return dailyMu, monthlyMu, nil
}

// BreakerState exposes the circuit state for the status surface.
func (g *Governor) BreakerState() resilience.CircuitState {
	return g.breaker.State()
}

func (g *Governor) nextKey() string {
	n := g.cursor.Add(1)
	return g.cfg.APIKeys[(n-1)%uint64(len(g.cfg.APIKeys))]
}

func (g *Governor) checkCeilings(ctx context.Context, userID string, tier model.Tier) error {
	now := g.nowFunc().UTC()

	checks := []struct {
		scope   Scope
		key     string
		ceiling int64
	}{
		{ScopeDaily, dailyKey(now), g.cfg.DailyCeilingMu},
		{ScopeMonthly, monthlyKey(now), g.cfg.MonthlyCeilingMu},
		{ScopeUserMonthly, userKey(now, tier.Name, userID), tier.MonthlySpendMu},
	}

	for _, c := range checks {
		if c.ceiling <= 0 {
			continue
		}
		spent, err := g.store.GetInt(ctx, c.key)
		if err != nil {
			return eris.Wrapf(err, "budget: read counter %s", c.key)
		}
		if spent+g.cfg.UnitCostMu > c.ceiling {
			return &ExceededError{Scope: c.scope, SpentMu: spent, LimitMu: c.ceiling}
		}
	}
	return nil
}

func (g *Governor) recordSpend(ctx context.Context, userID string, tier model.Tier) error {
	now := g.nowFunc().UTC()
	for _, key := range []string{
		dailyKey(now),
		monthlyKey(now),
		userKey(now, tier.Name, userID),
	} {
		if _, err := g.store.IncrBy(ctx, key, g.cfg.UnitCostMu, g.cfg.CounterTTL); err != nil {
			return err
		}
	}
	return nil
}

func dailyKey(now time.Time) string {
	return "lg:spend:day:" + now.Format("2006-01-02")
}

func monthlyKey(now time.Time) string {
	return "lg:spend:month:" + now.Format("2006-01")
}

func userKey(now time.Time, tier, userID string) string {
	return fmt.Sprintf("lg:spend:user:%s:%s:%s", tier, userID, now.Format("2006-01"))
}
