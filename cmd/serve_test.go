//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/deepscan"
	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/ledger"
	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/search"
	"github.com/leadgrid/leadgrid/internal/store"
	"github.com/leadgrid/leadgrid/pkg/places"
)

// stubClient answers every SearchText call with a fixed page of places.
type stubClient struct {
	mu    sync.Mutex
	calls int
}

func (s *stubClient) SearchText(_ context.Context, _ string, _ places.SearchRequest) (*places.SearchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make([]model.ProviderPlace, 5)
	for i := range out {
		id := fmt.Sprintf("p-%d", i)
		out[i] = model.ProviderPlace{ID: id, DisplayName: model.DisplayName{Text: id}}
	}
	return &places.SearchResponse{Places: out}, nil
}

// newTestEnv wires an appEnv against SQLite and the in-process cache.
func newTestEnv(t *testing.T) *appEnv {
	t.Helper()

	cache := kv.NewMemory()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	bills := ledger.NewSQLite(st.DB())
	client := &stubClient{}

	gov, err := budget.New(cache, budget.Config{
		APIKeys:        []string{"test-key"},
		UnitCostMu:     1000,
		DailyCeilingMu: 10_000_000,
	})
	require.NoError(t, err)

	scanner := deepscan.New(cache, gov, client, deepscan.Config{
		BaseGridSize:    2,
		MaxPagesPerCell: 2,
		MaxDepth:        1,
		PageSize:        20,
	})

	orch := search.New(cache, st, scanner, gov, client, bills, search.Config{
		WaitInterval:   10 * time.Millisecond,
		WaitWindow:     200 * time.Millisecond,
		FillCallBudget: 10,
		Tiers: map[string]model.Tier{
			"starter": {Name: "starter", PageSize: 20, MaxResults: 100, SearchCost: 10, PageCost: 2, CacheHitCost: 1},
		},
	})

	return &appEnv{Store: st, Cache: cache, Gov: gov, Ledger: bills, Orch: orch}
}

func seedUser(t *testing.T, env *appEnv, credits int64) string {
	t.Helper()
	u, err := env.Ledger.CreateUser(context.Background(), "al@example.com", "starter")
	require.NoError(t, err)
	if credits > 0 {
		_, err = env.Ledger.Grant(context.Background(), u.ID, credits, "test grant")
		require.NoError(t, err)
	}
	return u.ID
}

func postSearch(t *testing.T, mux *http.ServeMux, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	mux := buildMux(newTestEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSearchEndpoint_ServesPage(t *testing.T) {
	env := newTestEnv(t)
	userID := seedUser(t, env, 100)
	mux := buildMux(env)

	rr := postSearch(t, mux, map[string]any{
		"user_id": userID,
		"city":    "Austin",
		"keyword": "plumber",
	})

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var page search.Page
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Len(t, page.Records, 5)
	assert.Equal(t, int64(10), page.Charged)
	assert.False(t, page.CacheHit)

	// Second identical request rides the cache at the flat metering fee.
	rr = postSearch(t, mux, map[string]any{
		"user_id": userID,
		"city":    "Austin",
		"keyword": "plumber",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.True(t, page.CacheHit)
	assert.Equal(t, int64(1), page.Charged)
}

func TestSearchEndpoint_MissingUserID(t *testing.T) {
	mux := buildMux(newTestEnv(t))

	rr := postSearch(t, mux, map[string]any{"city": "Austin", "keyword": "plumber"})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "user_id is required")
}

func TestSearchEndpoint_InvalidJSON(t *testing.T) {
	mux := buildMux(newTestEnv(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestSearchEndpoint_UnknownUser(t *testing.T) {
	mux := buildMux(newTestEnv(t))

	rr := postSearch(t, mux, map[string]any{
		"user_id": "nobody",
		"city":    "Austin",
		"keyword": "plumber",
	})

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown user")
}

func TestSearchEndpoint_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	userID := seedUser(t, env, 3) // below the 10-credit search fee
	mux := buildMux(env)

	rr := postSearch(t, mux, map[string]any{
		"user_id": userID,
		"city":    "Austin",
		"keyword": "plumber",
	})

	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Contains(t, rr.Body.String(), "insufficient credits")
}

func TestSearchEndpoint_MalformedCursor(t *testing.T) {
	env := newTestEnv(t)
	userID := seedUser(t, env, 100)
	mux := buildMux(env)

	rr := postSearch(t, mux, map[string]any{
		"user_id": userID,
		"city":    "Austin",
		"keyword": "plumber",
		"deep":    true,
		"cursor":  "deep:garbage",
		"viewport": map[string]float64{
			"min_lat": 30.1, "min_lng": -97.9, "max_lat": 30.5, "max_lng": -97.5,
		},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "malformed cursor")
}

func TestTransactionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	userID := seedUser(t, env, 100)
	mux := buildMux(env)

	rr := postSearch(t, mux, map[string]any{
		"user_id": userID,
		"city":    "Austin",
		"keyword": "plumber",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/"+userID+"/transactions", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Transactions []model.CreditTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	// One grant plus one search charge.
	require.Len(t, body.Transactions, 2)

	var sum int64
	for _, txn := range body.Transactions {
		sum += txn.Amount
	}
	assert.Equal(t, int64(90), sum)
}

func TestTransactionsEndpoint_BadLimit(t *testing.T) {
	mux := buildMux(newTestEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/users/u1/transactions?limit=zero", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "limit must be a positive integer")
}
