// Package search is the request orchestrator: it resolves a query against
// the fast cache, the durable fallback, and finally the metered provider,
// while making sure concurrent identical queries produce exactly one crawl
// and every served page is billed exactly once.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/cachekey"
	"github.com/leadgrid/leadgrid/internal/deepscan"
	"github.com/leadgrid/leadgrid/internal/hydrate"
	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/ledger"
	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/store"
	"github.com/leadgrid/leadgrid/pkg/places"
)

// ErrBusy is returned when another worker holds the fill lock for the query
// and no result appeared within the wait window. Clients should retry.
var ErrBusy = eris.New("search: query is being filled, retry shortly")

// ErrUnknownTier is returned when a user's tier has no configuration.
var ErrUnknownTier = eris.New("search: unknown tier")

// ErrInvalidRequest marks client-input problems such as missing fields or an
// unparseable cursor.
var ErrInvalidRequest = eris.New("search: invalid request")

// Config tunes the orchestrator.
type Config struct {
	CacheTTL       time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	DurableTTL     time.Duration `yaml:"durable_ttl" mapstructure:"durable_ttl"`
	LockTTL        time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	WaitInterval   time.Duration `yaml:"wait_interval" mapstructure:"wait_interval"`
	WaitWindow     time.Duration `yaml:"wait_window" mapstructure:"wait_window"`
	FillCallBudget int           `yaml:"fill_call_budget" mapstructure:"fill_call_budget"`

	// FillTargetResults is how far a cursor-less deep search grows the shared
	// list when the tier sets no result ceiling of its own.
	FillTargetResults int `yaml:"fill_target_results" mapstructure:"fill_target_results"`

	Tiers map[string]model.Tier `yaml:"tiers" mapstructure:"tiers"`
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.DurableTTL <= 0 {
		c.DurableTTL = 30 * 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 250 * time.Millisecond
	}
	if c.WaitWindow <= 0 {
		c.WaitWindow = 15 * time.Second
	}
	if c.FillCallBudget <= 0 {
		c.FillCallBudget = 30
	}
	if c.FillTargetResults <= 0 {
		c.FillTargetResults = 500
	}
}

// Request is one search invocation on behalf of a user.
type Request struct {
	UserID   string         `json:"user_id"`
	City     string         `json:"city"`
	Keyword  string         `json:"keyword"`
	Deep     bool           `json:"deep"`
	Cursor   string         `json:"cursor,omitempty"`
	Viewport model.Viewport `json:"viewport"`
}

// Page is one served result page. Charged is the credit amount billed for
// it, zero for free pages.
type Page struct {
	Records   []model.UserPlace `json:"records"`
	NextToken string            `json:"next_token,omitempty"`
	CacheHit  bool              `json:"cache_hit"`
	Charged   int64             `json:"charged"`
}

// Orchestrator wires the caches, the crawler, and the ledger together.
type Orchestrator struct {
	cache   kv.Store
	durable store.Store
	scanner *deepscan.Coordinator
	gov     *budget.Governor
	client  places.Client
	bills   ledger.Ledger
	users   *hydrate.Hydrator
	cfg     Config
}

// New creates an Orchestrator.
func New(cache kv.Store, durable store.Store, scanner *deepscan.Coordinator, gov *budget.Governor, client places.Client, bills ledger.Ledger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cache:   cache,
		durable: durable,
		scanner: scanner,
		gov:     gov,
		client:  client,
		bills:   bills,
		users:   hydrate.New(durable),
		cfg:     cfg,
	}
}

// Search serves one result page for the request.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*Page, error) {
	if req.City == "" || req.Keyword == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "city and keyword are required")
	}

	user, err := o.bills.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	tier, ok := o.cfg.Tiers[user.Tier]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownTier, "tier %q", user.Tier)
	}

	// A terminal cursor ends pagination: empty page, no billing, no crawl.
	if model.IsTerminalCursor(req.Cursor) {
		return &Page{Records: []model.UserPlace{}}, nil
	}

	q := cachekey.NewQuery(req.City, req.Keyword, req.Deep, req.Cursor)
	log := zap.L().With(
		zap.String("component", "search.orchestrator"),
		zap.String("city", q.City),
		zap.String("keyword", q.Keyword),
		zap.Bool("deep", q.Deep),
		zap.String("cursor", q.PageCursor),
	)

	if page, err := o.fromCache(ctx, q, req.UserID, tier); err != nil || page != nil {
		if page != nil {
			log.Debug("served from cache")
		}
		return page, err
	}

	// Miss on both cache levels: take the fill lock or wait behind the
	// holder. Exactly one worker crawls per logical query.
	lock := kv.NewLock(o.cache, cachekey.FillLockKey(q), o.cfg.LockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		val, err := kv.WaitForKey(ctx, o.cache, cachekey.ResultKey(q), o.cfg.WaitInterval, o.cfg.WaitWindow)
		if err != nil {
			return nil, err
		}
		if val != nil {
			// The other worker published the page while we waited.
			if page, err := o.fromCache(ctx, q, req.UserID, tier); err != nil || page != nil {
				return page, err
			}
		}
		// The holder may have crashed and let the lock expire.
		if acquired, err = lock.Acquire(ctx); err != nil {
			return nil, err
		}
		if !acquired {
			return nil, ErrBusy
		}
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Warn("release fill lock", zap.Error(err))
		}
	}()

	var set *model.CachedResultSet
	if q.Deep {
		set, err = o.fillDeep(ctx, q, req, tier)
	} else {
		set, err = o.fillShallow(ctx, q, req, tier)
	}
	if err != nil {
		return nil, err
	}

	log.Info("filled page",
		zap.Int("records", len(set.Records)),
		zap.String("next_token", set.NextToken),
	)

	page, err := o.serve(ctx, q, req.UserID, tier, set, false)
	if err != nil {
		return nil, err
	}

	// Everything that enters the shared cache passes through the sanitize
	// gate: the published form is the served page stripped back to the
	// user-independent snapshot. A failed cache write only costs the next
	// reader a refill, so it degrades to a warning.
	shared := &model.CachedResultSet{
		Records:   hydrate.Sanitize(page.Records),
		NextToken: set.NextToken,
	}
	if err := o.publish(ctx, q, shared); err != nil {
		log.Warn("publish page", zap.Error(err))
	}
	return page, nil
}

// fromCache tries the fast cache, then the durable fallback. A durable hit
// is promoted back into the fast cache. Returns (nil, nil) on a full miss.
func (o *Orchestrator) fromCache(ctx context.Context, q model.SearchQuery, userID string, tier model.Tier) (*Page, error) {
	key := cachekey.ResultKey(q)

	raw, err := o.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		set, err := decodeResultSet(raw)
		if err != nil {
			return nil, err
		}
		return o.serve(ctx, q, userID, tier, set, true)
	}

	set, err := o.durable.GetCachedSearch(ctx, key)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, nil
	}
	if raw, err := encodeResultSet(set); err == nil {
		if err := o.cache.Set(ctx, key, raw, o.cfg.CacheTTL); err != nil {
			zap.L().Warn("promote durable hit", zap.String("key", key), zap.Error(err))
		}
	}
	return o.serve(ctx, q, userID, tier, set, true)
}

// serve bills the page and joins per-user state in. Empty pages are free.
func (o *Orchestrator) serve(ctx context.Context, q model.SearchQuery, userID string, tier model.Tier, set *model.CachedResultSet, cacheHit bool) (*Page, error) {
	var charged int64
	if len(set.Records) > 0 {
		amount, txType := pageCost(q, tier, cacheHit)
		if amount > 0 {
			if _, err := o.bills.Charge(ctx, userID, amount, txType, chargeDescription(q), map[string]any{
				"city":    q.City,
				"keyword": q.Keyword,
				"deep":    q.Deep,
				"cursor":  q.PageCursor,
			}); err != nil {
				return nil, err
			}
			charged = amount
		}
	}

	records, err := o.users.ForUser(ctx, userID, set.Records)
	if err != nil {
		return nil, err
	}
	return &Page{
		Records:   records,
		NextToken: set.NextToken,
		CacheHit:  cacheHit,
		Charged:   charged,
	}, nil
}

// pageCost picks the billing amount: first pages bill the search fee,
// continuation pages the page fee, and cache hits a flat metering fee
// declared by the tier independently of its crawl prices.
func pageCost(q model.SearchQuery, tier model.Tier, cacheHit bool) (int64, string) {
	if cacheHit {
		return tier.CacheHitCost, model.TxTypeCacheHit
	}
	if q.PageCursor == "" {
		return tier.SearchCost, model.TxTypeSearch
	}
	return tier.PageCost, model.TxTypePageLoad
}

func chargeDescription(q model.SearchQuery) string {
	kind := "search"
	if q.Deep {
		kind = "deep search"
	}
	return fmt.Sprintf("%s: %s in %s", kind, q.Keyword, q.City)
}

// fillShallow runs a single provider query. The provider's own continuation
// token doubles as the next cursor; when the provider offers none, the
// terminal sentinel tells clients that deeper results need a deep search.
func (o *Orchestrator) fillShallow(ctx context.Context, q model.SearchQuery, req Request, tier model.Tier) (*model.CachedResultSet, error) {
	resp, err := budget.Do(ctx, o.gov, req.UserID, tier, func(ctx context.Context, apiKey string) (*places.SearchResponse, error) {
		return o.client.SearchText(ctx, apiKey, places.SearchRequest{
			Query:     fmt.Sprintf("%s in %s", q.Keyword, q.City),
			PageToken: q.PageCursor,
			PageSize:  tier.PageSize,
		})
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records := make([]model.Place, 0, len(resp.Places))
	for _, pp := range resp.Places {
		records = append(records, model.FromProvider(pp, now))
	}

	nextToken := resp.NextPageToken
	if nextToken == "" {
		nextToken = model.CursorProviderLimit
	}
	if len(records) == 0 {
		nextToken = ""
	}

	if _, err := o.durable.UpsertPlaces(ctx, records); err != nil {
		return nil, err
	}
	return &model.CachedResultSet{Records: records, NextToken: nextToken}, nil
}

// fillDeep serves one deep page. Only the cursor-less request drives the
// crawl, growing the shared list toward the tier's ceiling; a deep:<offset>
// cursor slices the list earlier fills accumulated and never spends an
// upstream call.
func (o *Orchestrator) fillDeep(ctx context.Context, q model.SearchQuery, req Request, tier model.Tier) (*model.CachedResultSet, error) {
	if q.PageCursor != "" {
		offset, ok := model.ParseDeepCursor(q.PageCursor)
		if !ok {
			return nil, eris.Wrapf(ErrInvalidRequest, "malformed cursor %q", q.PageCursor)
		}
		records, err := o.deepRecords(ctx, q)
		if err != nil {
			return nil, err
		}
		done, err := o.scanner.ScanDone(ctx, q)
		if err != nil {
			return nil, err
		}
		return slicePage(tier, records, offset, done), nil
	}

	target := tier.MaxResults
	if target <= 0 {
		target = o.cfg.FillTargetResults
	}

	res, err := o.scanner.Fill(ctx, deepscan.Request{
		Query:       q,
		Viewport:    req.Viewport,
		UserID:      req.UserID,
		Tier:        tier,
		CallBudget:  o.cfg.FillCallBudget,
		TargetCount: target,
	})
	if err != nil {
		if res == nil || len(res.Records) == 0 {
			return nil, err
		}
		// Partial progress is still a first page; serve it.
		zap.L().Warn("deep fill stopped early",
			zap.String("component", "search.orchestrator"),
			zap.Error(err),
		)
	}

	// The whole accumulated list goes to the durable store, not just the
	// served slice, so later cursor pages can be rebuilt by id if the
	// full-record cache entry is evicted.
	if _, err := o.durable.UpsertPlaces(ctx, res.Records); err != nil {
		return nil, err
	}
	return slicePage(tier, res.Records, 0, res.Done), nil
}

// deepRecords loads the accumulated scan list. When the full-record cache
// entry has been evicted, the id list plus the durable place rows
// reconstitute it in the original order.
func (o *Orchestrator) deepRecords(ctx context.Context, q model.SearchQuery) ([]model.Place, error) {
	records, err := o.scanner.Records(ctx, q)
	if err != nil || records != nil {
		return records, err
	}

	ids, err := o.scanner.IDs(ctx, q)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return o.durable.GetPlacesByIDs(ctx, ids)
}

// slicePage cuts one page out of the accumulated list. A slice ending
// exactly at the end of the list gets no continuation token: the list is
// all the scan found, and a cursor past it would only buy empty pages.
func slicePage(tier model.Tier, full []model.Place, offset int, done bool) *model.CachedResultSet {
	pageSize := tier.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	records := full
	if tier.MaxResults > 0 && len(records) > tier.MaxResults {
		records = records[:tier.MaxResults]
	}
	if offset >= len(records) {
		return &model.CachedResultSet{Records: []model.Place{}}
	}

	end := offset + pageSize
	if end > len(records) {
		end = len(records)
	}

	var nextToken string
	switch {
	case tier.MaxResults > 0 && end >= tier.MaxResults && (len(full) > tier.MaxResults || !done):
		// The plan ceiling truncated a list the scan could have grown.
		nextToken = model.CursorPlanLimit
	case end < len(records):
		nextToken = model.DeepCursor(end)
	}

	return &model.CachedResultSet{Records: records[offset:end], NextToken: nextToken}
}

// publish stores the page in both cache levels under the same key.
func (o *Orchestrator) publish(ctx context.Context, q model.SearchQuery, set *model.CachedResultSet) error {
	key := cachekey.ResultKey(q)

	raw, err := encodeResultSet(set)
	if err != nil {
		return err
	}
	if err := o.cache.Set(ctx, key, raw, o.cfg.CacheTTL); err != nil {
		return err
	}
	return o.durable.SetCachedSearch(ctx, key, set, o.cfg.DurableTTL)
}
