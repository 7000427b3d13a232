package deepscan

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/pkg/places"
	"github.com/leadgrid/leadgrid/pkg/places/mocks"
)

// scriptedClient answers SearchText from a caller-supplied script and keeps
// every request for later assertions.
type scriptedClient struct {
	mu      sync.Mutex
	calls   []places.SearchRequest
	respond func(req places.SearchRequest, call int) (*places.SearchResponse, error)
}

func (s *scriptedClient) SearchText(_ context.Context, _ string, req places.SearchRequest) (*places.SearchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.respond(req, len(s.calls))
}

func (s *scriptedClient) requests() []places.SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]places.SearchRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

func providerPlaces(prefix string, n int) []model.ProviderPlace {
	out := make([]model.ProviderPlace, n)
	for i := range out {
		id := fmt.Sprintf("%s-%d", prefix, i)
		out[i] = model.ProviderPlace{
			ID:          id,
			DisplayName: model.DisplayName{Text: id},
		}
	}
	return out
}

func testGovernor(t *testing.T, store kv.Store) *budget.Governor {
	t.Helper()
	gov, err := budget.New(store, budget.Config{
		APIKeys:          []string{"key-a"},
		UnitCostMu:       1000,
		DailyCeilingMu:   1_000_000,
		MonthlyCeilingMu: 10_000_000,
	})
	require.NoError(t, err)
	return gov
}

func austinQuery() model.SearchQuery {
	return model.SearchQuery{City: "austin", Keyword: "plumber", Deep: true}
}

func austinViewport() model.Viewport {
	return model.Viewport{MinLat: 30.1, MinLng: -97.9, MaxLat: 30.5, MaxLng: -97.5}
}

func TestFill_SweepsGridAndDeduplicates(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	// Every cell returns the same 5 places plus one place unique to the cell.
	client := &scriptedClient{
		respond: func(_ places.SearchRequest, call int) (*places.SearchResponse, error) {
			resp := &places.SearchResponse{
				Places: providerPlaces("shared", 5),
			}
			resp.Places = append(resp.Places, model.ProviderPlace{
				ID:          fmt.Sprintf("only-%d", call),
				DisplayName: model.DisplayName{Text: fmt.Sprintf("only-%d", call)},
			})
			return resp, nil
		},
	}

	coord := New(store, testGovernor(t, store), client, Config{BaseGridSize: 2, MaxDepth: 0})
	res, err := coord.Fill(context.Background(), Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 1000,
	})
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, 4, res.CallsUsed, "one call per cell of a 2x2 grid")
	// 5 shared places counted once, plus one unique place per cell.
	assert.Len(t, res.Records, 5+4)

	reqs := client.requests()
	require.Len(t, reqs, 4)
	for _, r := range reqs {
		assert.Equal(t, "plumber in austin", r.Query)
		require.NotNil(t, r.Bias)
		assert.Positive(t, r.Bias.RadiusMeters)
	}
}

func TestFill_FollowsPageTokensWithinCell(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	// The first cell pages twice, every other cell answers in one page.
	client := &scriptedClient{
		respond: func(req places.SearchRequest, call int) (*places.SearchResponse, error) {
			if call == 1 {
				return &places.SearchResponse{
					Places:        providerPlaces("c0p0", 20),
					NextPageToken: "tok-1",
				}, nil
			}
			if req.PageToken == "tok-1" {
				return &places.SearchResponse{Places: providerPlaces("c0p1", 7)}, nil
			}
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("call%d", call), 3)}, nil
		},
	}

	coord := New(store, testGovernor(t, store), client, Config{BaseGridSize: 2, MaxPagesPerCell: 3, MaxDepth: 0})
	res, err := coord.Fill(context.Background(), Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 1000,
	})
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, 5, res.CallsUsed, "cell 0 pages twice, cells 1..3 once each")
	assert.Len(t, res.Records, 20+7+3*3)

	reqs := client.requests()
	assert.Equal(t, "tok-1", reqs[1].PageToken)
	assert.Empty(t, reqs[2].PageToken, "token never leaks into the next cell")
}

func TestFill_SaturatedCellSubdivides(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	// Cell 0 of the base grid saturates the provider ceiling over three full
	// pages. Its 2x2 subdivision and the remaining base cells come back thin.
	var call0Pages int
	client := &scriptedClient{
		respond: func(req places.SearchRequest, call int) (*places.SearchResponse, error) {
			if call <= 3 {
				call0Pages++
				resp := &places.SearchResponse{
					Places: providerPlaces(fmt.Sprintf("sat-p%d", call0Pages), 20),
				}
				if call0Pages < 3 {
					resp.NextPageToken = fmt.Sprintf("tok-%d", call0Pages)
				}
				return resp, nil
			}
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("thin-%d", call), 2)}, nil
		},
	}

	coord := New(store, testGovernor(t, store), client, Config{BaseGridSize: 2, MaxPagesPerCell: 3, MaxDepth: 1})
	res, err := coord.Fill(context.Background(), Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 10_000,
	})
	require.NoError(t, err)

	assert.True(t, res.Done)
	// 3 pages for cell 0, 3 for the remaining base cells, 4 for the
	// subdivision enqueued behind them.
	assert.Equal(t, 10, res.CallsUsed)

	reqs := client.requests()
	base := reqs[0].Bias
	sub := reqs[6].Bias
	require.NotNil(t, base)
	require.NotNil(t, sub)
	assert.Less(t, sub.RadiusMeters, base.RadiusMeters, "sub-task cells cover a smaller area")
}

func TestFill_SubdivisionStopsAtMaxDepth(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	// Every cell at every depth saturates in a single oversized page. With
	// MaxDepth 0 nothing may recurse.
	client := &scriptedClient{
		respond: func(_ places.SearchRequest, call int) (*places.SearchResponse, error) {
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("c%d", call), 60)}, nil
		},
	}

	coord := New(store, testGovernor(t, store), client, Config{BaseGridSize: 2, MaxPagesPerCell: 1, MaxDepth: 0})
	res, err := coord.Fill(context.Background(), Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 10_000,
	})
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, 4, res.CallsUsed, "base cells only, no sub-tasks")
}

func TestFill_ResumesFromPersistedCursor(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	client := &scriptedClient{
		respond: func(_ places.SearchRequest, call int) (*places.SearchResponse, error) {
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("c%d", call), 4)}, nil
		},
	}
	cfg := Config{BaseGridSize: 3, MaxDepth: 0}
	req := Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  2,
		TargetCount: 10_000,
	}

	coord := New(store, testGovernor(t, store), client, cfg)
	first, err := coord.Fill(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Done)
	assert.Equal(t, 2, first.CallsUsed)
	assert.Len(t, first.Records, 8)

	// A fresh coordinator over the same store picks up where the first
	// stopped instead of re-querying cells 0 and 1.
	resumed := New(store, testGovernor(t, store), client, cfg)
	req.CallBudget = 100
	second, err := resumed.Fill(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Done)
	assert.Equal(t, 7, second.CallsUsed, "only the 7 unvisited cells of the 3x3 grid")
	assert.Len(t, second.Records, 9*4)
}

func TestFill_StopsAtTargetCount(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	client := &scriptedClient{
		respond: func(_ places.SearchRequest, call int) (*places.SearchResponse, error) {
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("c%d", call), 10)}, nil
		},
	}

	coord := New(store, testGovernor(t, store), client, Config{BaseGridSize: 3, MaxDepth: 0})
	res, err := coord.Fill(context.Background(), Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 25,
	})
	require.NoError(t, err)

	assert.False(t, res.Done, "target reached before the grid was exhausted")
	assert.Equal(t, 3, res.CallsUsed)
	assert.Len(t, res.Records, 30)
}

func TestFill_ConfigChangeDiscardsState(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	client := &scriptedClient{
		respond: func(_ places.SearchRequest, call int) (*places.SearchResponse, error) {
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("c%d", call), 2)}, nil
		},
	}
	req := Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 10_000,
	}

	coord := New(store, testGovernor(t, store), client, Config{BaseGridSize: 2, MaxDepth: 0})
	_, err := coord.Fill(context.Background(), req)
	require.NoError(t, err)

	// Same query under a different grid geometry: the stale cursor and its
	// accumulated lists are dropped and the scan restarts from scratch.
	changed := New(store, testGovernor(t, store), client, Config{BaseGridSize: 3, MaxDepth: 0})
	res, err := changed.Fill(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, 9, res.CallsUsed, "full 3x3 sweep, nothing resumed")
	assert.Len(t, res.Records, 9*2, "records from the stale grid were discarded")
}

func TestFill_BudgetErrorReturnsPersistedPartial(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	client := &scriptedClient{
		respond: func(_ places.SearchRequest, call int) (*places.SearchResponse, error) {
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("c%d", call), 3)}, nil
		},
	}

	// Daily ceiling allows exactly two calls at 1000 mu each.
	gov, err := budget.New(store, budget.Config{
		APIKeys:        []string{"key-a"},
		UnitCostMu:     1000,
		DailyCeilingMu: 2000,
	})
	require.NoError(t, err)

	coord := New(store, gov, client, Config{BaseGridSize: 2, MaxDepth: 0})
	res, err := coord.Fill(context.Background(), Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 10_000,
	})
	require.Error(t, err)
	assert.True(t, budget.IsExceeded(err))
	require.NotNil(t, res)
	assert.Equal(t, 2, res.CallsUsed)

	// The partial progress survived the failure.
	persisted, perr := coord.Records(context.Background(), austinQuery())
	require.NoError(t, perr)
	assert.Len(t, persisted, 6)
}

func TestFill_RotatesCredentialsAcrossCalls(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	gov, err := budget.New(store, budget.Config{
		APIKeys:        []string{"key-a", "key-b"},
		UnitCostMu:     1000,
		DailyCeilingMu: 1_000_000,
	})
	require.NoError(t, err)

	client := mocks.NewMockClient(t)
	resp := &places.SearchResponse{Places: providerPlaces("p", 3)}
	client.On("SearchText", mock.Anything, "key-a", mock.Anything).Return(resp, nil).Twice()
	client.On("SearchText", mock.Anything, "key-b", mock.Anything).Return(resp, nil).Twice()

	coord := New(store, gov, client, Config{BaseGridSize: 2, MaxDepth: 0})
	res, err := coord.Fill(context.Background(), Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  100,
		TargetCount: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.CallsUsed)
	client.AssertExpectations(t)
}

func TestIDsAndScanDone_MirrorPersistedProgress(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	client := &scriptedClient{
		respond: func(_ places.SearchRequest, call int) (*places.SearchResponse, error) {
			return &places.SearchResponse{Places: providerPlaces(fmt.Sprintf("c%d", call), 10)}, nil
		},
	}
	coord := New(store, testGovernor(t, store), client, Config{BaseGridSize: 2, MaxDepth: 0})
	ctx := context.Background()

	// Nothing persisted yet: no ids, and a missing scan counts as done.
	ids, err := coord.IDs(ctx, austinQuery())
	require.NoError(t, err)
	assert.Empty(t, ids)
	done, err := coord.ScanDone(ctx, austinQuery())
	require.NoError(t, err)
	assert.True(t, done)

	res, err := coord.Fill(ctx, Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  2,
		TargetCount: 100,
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 20)

	// The id list names the same places in the same order as the record
	// list, so records can be rebuilt from durable rows by id alone.
	ids, err = coord.IDs(ctx, austinQuery())
	require.NoError(t, err)
	require.Len(t, ids, 20)
	for i, r := range res.Records {
		assert.Equal(t, r.ID, ids[i])
	}

	done, err = coord.ScanDone(ctx, austinQuery())
	require.NoError(t, err)
	assert.False(t, done, "two of four cells remain")

	_, err = coord.Fill(ctx, Request{
		Query:       austinQuery(),
		Viewport:    austinViewport(),
		UserID:      "u1",
		Tier:        model.Tier{Name: "starter"},
		CallBudget:  10,
		TargetCount: 100,
	})
	require.NoError(t, err)
	done, err = coord.ScanDone(ctx, austinQuery())
	require.NoError(t, err)
	assert.True(t, done)
}
