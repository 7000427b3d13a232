package store

import (
	"context"
	"time"

	"github.com/leadgrid/leadgrid/internal/model"
)

// Store defines the durable persistence interface: canonical place
// snapshots, the durable search-cache fallback, and per-user entitlement
// and enrichment state.
type Store interface {
	// Places
	UpsertPlaces(ctx context.Context, places []model.Place) (int64, error)
	GetPlacesByIDs(ctx context.Context, ids []string) ([]model.Place, error)

	// Search cache (durable fallback behind the fast key-value cache)
	GetCachedSearch(ctx context.Context, key string) (*model.CachedResultSet, error)
	SetCachedSearch(ctx context.Context, key string, set *model.CachedResultSet, ttl time.Duration) error
	DeleteExpiredSearches(ctx context.Context) (int, error)

	// Entitlements
	GetEntitlements(ctx context.Context, userID string, placeIDs []string) (map[string]model.Entitlement, error)
	EnsureEntitlements(ctx context.Context, userID string, placeIDs []string) error
	SetUnlocked(ctx context.Context, userID, placeID string) error

	// Enrichments
	GetEnrichments(ctx context.Context, placeIDs []string) (map[string]model.Enrichment, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
