package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/db"
	"github.com/leadgrid/leadgrid/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_cached_search":    `SELECT records, next_token FROM search_cache WHERE cache_key = $1 AND expires_at > now() ORDER BY cached_at DESC LIMIT 1`,
	"set_cached_search":    `INSERT INTO search_cache (id, cache_key, records, next_token, cached_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (cache_key) DO UPDATE SET records = $3, next_token = $4, cached_at = $5, expires_at = $6`,
	"get_places_by_ids":    `SELECT id, name, address, lat, lng, rating, rating_count, website, phone, types, raw, scraped_at FROM places WHERE id = ANY($1)`,
	"ensure_entitlements":  `INSERT INTO user_places (user_id, place_id, unlocked) SELECT $1, unnest($2::text[]), FALSE ON CONFLICT (user_id, place_id) DO NOTHING`,
	"get_entitlements":     `SELECT user_id, place_id, unlocked, unlocked_at FROM user_places WHERE user_id = $1 AND place_id = ANY($2)`,
	"delete_expired_cache": `DELETE FROM search_cache WHERE expires_at <= now()`,
}

// placeColumns is the column order used for place upserts.
var placeColumns = []string{
	"id", "name", "address", "lat", "lng", "rating", "rating_count",
	"website", "phone", "types", "raw", "scraped_at",
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for use by subsystems that need
// direct query access (e.g., the billing ledger).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS places (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	lat          DOUBLE PRECISION NOT NULL DEFAULT 0,
	lng          DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating_count INTEGER NOT NULL DEFAULT 0,
	website      TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	types        JSONB,
	raw          JSONB,
	scraped_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS search_cache (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	cache_key  TEXT NOT NULL UNIQUE,
	records    JSONB NOT NULL,
	next_token TEXT NOT NULL DEFAULT '',
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_cache_key ON search_cache(cache_key);
CREATE INDEX IF NOT EXISTS idx_search_cache_expires_at ON search_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_search_cache_key_expires ON search_cache(cache_key, expires_at DESC);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email      TEXT NOT NULL UNIQUE,
	tier       TEXT NOT NULL DEFAULT 'free',
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id     TEXT NOT NULL REFERENCES users(id),
	amount      BIGINT NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_credit_tx_user_id ON credit_transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_credit_tx_created_at ON credit_transactions(created_at DESC);

CREATE TABLE IF NOT EXISTS user_places (
	user_id     TEXT NOT NULL REFERENCES users(id),
	place_id    TEXT NOT NULL REFERENCES places(id),
	unlocked    BOOLEAN NOT NULL DEFAULT FALSE,
	unlocked_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, place_id)
);

CREATE INDEX IF NOT EXISTS idx_user_places_place_id ON user_places(place_id);

CREATE TABLE IF NOT EXISTS enrichments (
	place_id   TEXT PRIMARY KEY REFERENCES places(id),
	emails     JSONB NOT NULL DEFAULT '[]',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	job_id     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertPlaces bulk-writes canonical place snapshots. A re-scraped place
// replaces its previous snapshot wholesale.
func (s *PostgresStore) UpsertPlaces(ctx context.Context, places []model.Place) (int64, error) {
	if len(places) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(places))
	for _, p := range places {
		typesJSON, err := json.Marshal(p.Types)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal types for %s", p.ID)
		}
		rows = append(rows, []any{
			p.ID, p.Name, p.Address, p.Location.Lat, p.Location.Lng,
			p.Rating, p.RatingCount, p.Website, p.Phone,
			typesJSON, []byte(p.Raw), p.ScrapedAt,
		})
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "places",
		Columns:      placeColumns,
		ConflictKeys: []string{"id"},
	}, rows)
}

// GetPlacesByIDs loads place snapshots and returns them in the order of the
// requested ids, skipping any id with no row. Callers slicing pages out of a
// persisted id list depend on that ordering.
func (s *PostgresStore) GetPlacesByIDs(ctx context.Context, ids []string) ([]model.Place, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, address, lat, lng, rating, rating_count, website, phone, types, raw, scraped_at
		 FROM places WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get places by ids")
	}
	defer rows.Close()

	byID := make(map[string]model.Place, len(ids))
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: get places iterate")
	}

	out := make([]model.Place, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func scanPlace(rows pgx.Rows) (model.Place, error) {
	var p model.Place
	var typesJSON, rawJSON []byte
	if err := rows.Scan(&p.ID, &p.Name, &p.Address, &p.Location.Lat, &p.Location.Lng,
		&p.Rating, &p.RatingCount, &p.Website, &p.Phone,
		&typesJSON, &rawJSON, &p.ScrapedAt); err != nil {
		return model.Place{}, eris.Wrap(err, "postgres: scan place")
	}
	if len(typesJSON) > 0 {
		if err := json.Unmarshal(typesJSON, &p.Types); err != nil {
			return model.Place{}, eris.Wrap(err, "postgres: unmarshal place types")
		}
	}
	p.Raw = json.RawMessage(rawJSON)
	return p, nil
}

func (s *PostgresStore) GetCachedSearch(ctx context.Context, key string) (*model.CachedResultSet, error) {
	var recordsJSON []byte
	var set model.CachedResultSet

	err := s.pool.QueryRow(ctx,
		`SELECT records, next_token FROM search_cache
		 WHERE cache_key = $1 AND expires_at > now()
		 ORDER BY cached_at DESC LIMIT 1`,
		key,
	).Scan(&recordsJSON, &set.NextToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached search")
	}
	if err := json.Unmarshal(recordsJSON, &set.Records); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached records")
	}
	return &set, nil
}

func (s *PostgresStore) SetCachedSearch(ctx context.Context, key string, set *model.CachedResultSet, ttl time.Duration) error {
	id := uuid.New().String()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	recordsJSON, err := json.Marshal(set.Records)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal records")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO search_cache (id, cache_key, records, next_token, cached_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (cache_key) DO UPDATE SET records = $3, next_token = $4, cached_at = $5, expires_at = $6`,
		id, key, recordsJSON, set.NextToken, now, expiresAt,
	)
	return eris.Wrap(err, "postgres: set cached search")
}

func (s *PostgresStore) DeleteExpiredSearches(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM search_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired searches")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetEntitlements(ctx context.Context, userID string, placeIDs []string) (map[string]model.Entitlement, error) {
	if len(placeIDs) == 0 {
		return map[string]model.Entitlement{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, place_id, unlocked, unlocked_at FROM user_places
		 WHERE user_id = $1 AND place_id = ANY($2)`,
		userID, placeIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get entitlements")
	}
	defer rows.Close()

	out := make(map[string]model.Entitlement, len(placeIDs))
	for rows.Next() {
		var e model.Entitlement
		var unlockedAt *time.Time
		if err := rows.Scan(&e.UserID, &e.PlaceID, &e.Unlocked, &unlockedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entitlement")
		}
		if unlockedAt != nil {
			e.UnlockedAt = *unlockedAt
		}
		out[e.PlaceID] = e
	}
	return out, eris.Wrap(rows.Err(), "postgres: get entitlements iterate")
}

// EnsureEntitlements lazily creates locked relation rows for places the user
// has seen. Already-present rows are untouched.
func (s *PostgresStore) EnsureEntitlements(ctx context.Context, userID string, placeIDs []string) error {
	if len(placeIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_places (user_id, place_id, unlocked)
		 SELECT $1, unnest($2::text[]), FALSE
		 ON CONFLICT (user_id, place_id) DO NOTHING`,
		userID, placeIDs,
	)
	return eris.Wrap(err, "postgres: ensure entitlements")
}

func (s *PostgresStore) SetUnlocked(ctx context.Context, userID, placeID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_places (user_id, place_id, unlocked, unlocked_at)
		 VALUES ($1, $2, TRUE, now())
		 ON CONFLICT (user_id, place_id) DO UPDATE SET unlocked = TRUE, unlocked_at = now()`,
		userID, placeID,
	)
	return eris.Wrapf(err, "postgres: set unlocked %s", placeID)
}

func (s *PostgresStore) GetEnrichments(ctx context.Context, placeIDs []string) (map[string]model.Enrichment, error) {
	if len(placeIDs) == 0 {
		return map[string]model.Enrichment{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT place_id, emails, confidence, job_id FROM enrichments WHERE place_id = ANY($1)`,
		placeIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get enrichments")
	}
	defer rows.Close()

	out := make(map[string]model.Enrichment, len(placeIDs))
	for rows.Next() {
		var e model.Enrichment
		var emailsJSON []byte
		if err := rows.Scan(&e.PlaceID, &emailsJSON, &e.Confidence, &e.JobID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrichment")
		}
		if err := json.Unmarshal(emailsJSON, &e.Emails); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal enrichment emails")
		}
		out[e.PlaceID] = e
	}
	return out, eris.Wrap(rows.Err(), "postgres: get enrichments iterate")
}
