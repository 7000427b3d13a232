// Package deepscan drives the grid-sampled crawl that pushes a logical query
// past the provider's single-query result ceiling. Progress is a three-level
// cursor (task → cell → page) persisted to the shared key-value store after
// every upstream call, so a crash loses at most the call in flight and the
// next filler resumes where the last one stopped.
package deepscan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/cachekey"
	"github.com/leadgrid/leadgrid/internal/geogrid"
	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/pkg/places"
)

// ProviderResultCeiling is the hard cap the provider puts on one logical
// query (roughly 60 results across all continuation pages). A cell that
// saturates this ceiling still has unseen businesses, which is what
// triggers recursive subdivision.
const ProviderResultCeiling = 60

// subdivisionGridSize bounds the fan-out of recursive sub-tasks: every
// saturated cell splits into a fixed 2×2 regardless of the base grid.
const subdivisionGridSize = 2

// Config is the grid geometry a scan runs under. Any change to these values
// invalidates persisted cursors: a cursor is only meaningful against the
// exact grid that produced it.
type Config struct {
	BaseGridSize    int           `yaml:"base_grid_size" mapstructure:"base_grid_size"`
	MaxPagesPerCell int           `yaml:"max_pages_per_cell" mapstructure:"max_pages_per_cell"`
	MaxDepth        int           `yaml:"max_depth" mapstructure:"max_depth"`
	PageSize        int           `yaml:"page_size" mapstructure:"page_size"`
	StateTTL        time.Duration `yaml:"state_ttl" mapstructure:"state_ttl"`
}

func (c Config) fingerprint(baseGrid int) string {
	return fmt.Sprintf("g%d.p%d.d%d.s%d", baseGrid, c.MaxPagesPerCell, c.MaxDepth, c.PageSize)
}

// task is one viewport on the depth-bounded work list.
type task struct {
	Viewport model.Viewport `json:"viewport"`
	Depth    int            `json:"depth"`
}

// State is the persisted scan cursor for one normalized query.
type State struct {
	Fingerprint     string    `json:"fingerprint"`
	Tasks           []task    `json:"tasks"`
	TaskCursor      int       `json:"task_cursor"`
	CellIndex       int       `json:"cell_index"`
	CellPageToken   string    `json:"cell_page_token,omitempty"`
	CellPageCount   int       `json:"cell_page_count"`
	CellResultCount int       `json:"cell_result_count"`
	Done            bool      `json:"done"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Request describes one fill invocation.
type Request struct {
	Query    model.SearchQuery
	Viewport model.Viewport
	UserID   string
	Tier     model.Tier

	// CallBudget caps upstream calls for this invocation; TargetCount stops
	// the fill once the accumulated list is large enough.
	CallBudget  int
	TargetCount int
}

// Result is the outcome of one fill invocation. Records is the full
// accumulated list for the query, not just this invocation's additions.
type Result struct {
	Records   []model.Place
	CallsUsed int
	Done      bool
}

// Coordinator runs resumable fills. It assumes the caller holds the
// query's fill lock; it never takes the lock itself.
type Coordinator struct {
	store   kv.Store
	gov     *budget.Governor
	client  places.Client
	cfg     Config
	nowFunc func() time.Time
}

// New creates a Coordinator.
func New(store kv.Store, gov *budget.Governor, client places.Client, cfg Config) *Coordinator {
	if cfg.BaseGridSize <= 0 {
		cfg.BaseGridSize = 3
	}
	if cfg.MaxPagesPerCell <= 0 {
		cfg.MaxPagesPerCell = 3
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 30 * 24 * time.Hour
	}
	return &Coordinator{
		store:   store,
		gov:     gov,
		client:  client,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// Records loads the accumulated full-record list for a query, if any.
func (c *Coordinator) Records(ctx context.Context, q model.SearchQuery) ([]model.Place, error) {
	raw, err := c.store.Get(ctx, cachekey.RecordListKey(q))
	if err != nil || raw == nil {
		return nil, err
	}
	var records []model.Place
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, eris.Wrap(err, "deepscan: unmarshal record list")
	}
	return records, nil
}

// IDs loads the ordered id list for a query, if any. It survives in the
// key-value store alongside the record list and names the same places in
// the same order, so a caller holding only ids can rebuild the list from
// the durable place rows.
func (c *Coordinator) IDs(ctx context.Context, q model.SearchQuery) ([]string, error) {
	raw, err := c.store.Get(ctx, cachekey.IDListKey(q))
	if err != nil || raw == nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, eris.Wrap(err, "deepscan: unmarshal id list")
	}
	return ids, nil
}

// ScanDone reports whether the persisted scan for q has exhausted its task
// queue. A query with no persisted state counts as done.
func (c *Coordinator) ScanDone(ctx context.Context, q model.SearchQuery) (bool, error) {
	raw, err := c.store.Get(ctx, cachekey.ScanStateKey(q))
	if err != nil || raw == nil {
		return true, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return true, nil
	}
	return state.Done, nil
}

// Fill advances the scan for req.Query until the call budget is spent, the
// target count is reached, or the task queue is exhausted. Progress made
// before an error is already persisted; the caller can serve whatever the
// record list holds.
func (c *Coordinator) Fill(ctx context.Context, req Request) (*Result, error) {
	log := zap.L().With(
		zap.String("component", "deepscan.coordinator"),
		zap.String("city", req.Query.City),
		zap.String("keyword", req.Query.Keyword),
	)

	// Depth-0 tasks use the requesting tier's grid when it sets one; the
	// grid size is part of the fingerprint, so tiers with different grids
	// never resume each other's cursors.
	baseGrid := c.cfg.BaseGridSize
	if req.Tier.GridSize > 0 {
		baseGrid = req.Tier.GridSize
	}

	state, err := c.loadState(ctx, req, baseGrid)
	if err != nil {
		return nil, err
	}

	records, err := c.Records(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	seen, err := c.loadSeen(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	queryText := fmt.Sprintf("%s in %s", req.Query.Keyword, req.Query.City)
	calls := 0

	for !state.Done && calls < req.CallBudget && len(records) < req.TargetCount {
		if state.TaskCursor >= len(state.Tasks) {
			state.Done = true
			break
		}
		cur := state.Tasks[state.TaskCursor]

		gridSize := baseGrid
		if cur.Depth > 0 {
			gridSize = subdivisionGridSize
		}

		cells, err := geogrid.Generate(cur.Viewport, gridSize)
		if err != nil {
			return nil, eris.Wrap(err, "deepscan: generate grid")
		}

		if state.CellIndex >= len(cells) {
			state.advanceTask()
			continue
		}
		cell := cells[state.CellIndex]

		resp, err := budget.Do(ctx, c.gov, req.UserID, req.Tier, func(ctx context.Context, apiKey string) (*places.SearchResponse, error) {
			return c.client.SearchText(ctx, apiKey, places.SearchRequest{
				Query: queryText,
				Bias: &places.CircleBias{
					Center:       cell.Center,
					RadiusMeters: cell.RadiusMeters,
				},
				PageToken: state.CellPageToken,
				PageSize:  c.cfg.PageSize,
			})
		})
		if err != nil {
			// Everything up to the failed call is already persisted.
			return &Result{Records: records, CallsUsed: calls, Done: state.Done}, err
		}
		calls++

		now := c.nowFunc().UTC()
		for _, pp := range resp.Places {
			if pp.ID == "" || seen[pp.ID] {
				continue
			}
			seen[pp.ID] = true
			records = append(records, model.FromProvider(pp, now))
		}
		state.CellPageCount++
		state.CellResultCount += len(resp.Places)

		if resp.NextPageToken != "" && state.CellPageCount < c.cfg.MaxPagesPerCell {
			// Keep draining the same cell.
			state.CellPageToken = resp.NextPageToken
		} else {
			// Cell exhausted. A saturated cell hides results behind the
			// provider ceiling; shrink the area and recurse if depth allows.
			if state.CellResultCount >= ProviderResultCeiling && cur.Depth < c.cfg.MaxDepth {
				sub, err := geogrid.Subdivide(cur.Viewport, gridSize, state.CellIndex)
				if err != nil {
					return nil, eris.Wrap(err, "deepscan: subdivide cell")
				}
				state.Tasks = append(state.Tasks, task{Viewport: sub, Depth: cur.Depth + 1})
				log.Debug("enqueued subdivision",
					zap.Int("cell", state.CellIndex),
					zap.Int("depth", cur.Depth+1),
				)
			}
			state.advanceCell()
		}

		if state.TaskCursor >= len(state.Tasks) {
			state.Done = true
		}
		if err := c.persist(ctx, req.Query, state, records); err != nil {
			return nil, err
		}
	}

	if state.TaskCursor >= len(state.Tasks) {
		state.Done = true
	}
	if err := c.persist(ctx, req.Query, state, records); err != nil {
		return nil, err
	}

	log.Info("fill pass complete",
		zap.Int("calls_used", calls),
		zap.Int("records", len(records)),
		zap.Bool("done", state.Done),
	)
	return &Result{Records: records, CallsUsed: calls, Done: state.Done}, nil
}

func (s *State) advanceCell() {
	s.CellIndex++
	s.CellPageToken = ""
	s.CellPageCount = 0
	s.CellResultCount = 0
}

func (s *State) advanceTask() {
	s.TaskCursor++
	s.CellIndex = 0
	s.CellPageToken = ""
	s.CellPageCount = 0
	s.CellResultCount = 0
}

// loadState restores the persisted cursor or initializes a fresh one. A
// fingerprint mismatch means the grid config changed under the cursor;
// mixing cursors across configs is never safe, so the state resets to one
// root task.
func (c *Coordinator) loadState(ctx context.Context, req Request, baseGrid int) (*State, error) {
	fresh := &State{
		Fingerprint: c.cfg.fingerprint(baseGrid),
		Tasks:       []task{{Viewport: req.Viewport, Depth: 0}},
	}

	raw, err := c.store.Get(ctx, cachekey.ScanStateKey(req.Query))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return fresh, nil
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		zap.L().Warn("corrupt scan state discarded",
			zap.String("component", "deepscan.coordinator"),
			zap.Error(err),
		)
		return fresh, nil
	}
	if state.Fingerprint != c.cfg.fingerprint(baseGrid) {
		zap.L().Info("grid config changed, restarting scan",
			zap.String("component", "deepscan.coordinator"),
			zap.String("persisted", state.Fingerprint),
			zap.String("configured", c.cfg.fingerprint(baseGrid)),
		)
		if err := c.clear(ctx, req.Query); err != nil {
			return nil, err
		}
		return fresh, nil
	}
	return &state, nil
}

func (c *Coordinator) loadSeen(ctx context.Context, q model.SearchQuery) (map[string]bool, error) {
	ids, err := c.IDs(ctx, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

// persist writes the id list, record list, and cursor state together with
// matching TTLs so a restart sees a consistent snapshot.
func (c *Coordinator) persist(ctx context.Context, q model.SearchQuery, state *State, records []model.Place) error {
	state.UpdatedAt = c.nowFunc().UTC()

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}

	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return eris.Wrap(err, "deepscan: marshal id list")
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return eris.Wrap(err, "deepscan: marshal record list")
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "deepscan: marshal state")
	}

	if err := c.store.Set(ctx, cachekey.IDListKey(q), idsJSON, c.cfg.StateTTL); err != nil {
		return err
	}
	if err := c.store.Set(ctx, cachekey.RecordListKey(q), recordsJSON, c.cfg.StateTTL); err != nil {
		return err
	}
	return c.store.Set(ctx, cachekey.ScanStateKey(q), stateJSON, c.cfg.StateTTL)
}

func (c *Coordinator) clear(ctx context.Context, q model.SearchQuery) error {
	for _, key := range []string{
		cachekey.ScanStateKey(q),
		cachekey.IDListKey(q),
		cachekey.RecordListKey(q),
	} {
		if err := c.store.Del(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
