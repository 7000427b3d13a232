package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/leadgrid/leadgrid/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and the one-shot CLI commands; production deployments use
// Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying handle for subsystems that need direct query
// access (e.g., the billing ledger).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS places (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	lat          REAL NOT NULL DEFAULT 0,
	lng          REAL NOT NULL DEFAULT 0,
	rating       REAL NOT NULL DEFAULT 0,
	rating_count INTEGER NOT NULL DEFAULT 0,
	website      TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	types        TEXT,
	raw          TEXT,
	scraped_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS search_cache (
	id         TEXT PRIMARY KEY,
	cache_key  TEXT NOT NULL UNIQUE,
	records    TEXT NOT NULL,
	next_token TEXT NOT NULL DEFAULT '',
	cached_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_cache_key ON search_cache(cache_key);
CREATE INDEX IF NOT EXISTS idx_search_cache_expires_at ON search_cache(expires_at);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	tier       TEXT NOT NULL DEFAULT 'free',
	balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	amount      INTEGER NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_credit_tx_user_id ON credit_transactions(user_id);

CREATE TABLE IF NOT EXISTS user_places (
	user_id     TEXT NOT NULL REFERENCES users(id),
	place_id    TEXT NOT NULL REFERENCES places(id),
	unlocked    INTEGER NOT NULL DEFAULT 0,
	unlocked_at DATETIME,
	PRIMARY KEY (user_id, place_id)
);

CREATE TABLE IF NOT EXISTS enrichments (
	place_id   TEXT PRIMARY KEY REFERENCES places(id),
	emails     TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	job_id     TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertPlaces(ctx context.Context, places []model.Place) (int64, error) {
	if len(places) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO places (id, name, address, lat, lng, rating, rating_count, website, phone, types, raw, scraped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, address = excluded.address, lat = excluded.lat, lng = excluded.lng,
		   rating = excluded.rating, rating_count = excluded.rating_count, website = excluded.website,
		   phone = excluded.phone, types = excluded.types, raw = excluded.raw, scraped_at = excluded.scraped_at`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	var n int64
	for _, p := range places {
		typesJSON, err := json.Marshal(p.Types)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal types for %s", p.ID)
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.Name, p.Address, p.Location.Lat, p.Location.Lng,
			p.Rating, p.RatingCount, p.Website, p.Phone,
			string(typesJSON), string(p.Raw), p.ScrapedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert place %s", p.ID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert")
	}
	return n, nil
}

func (s *SQLiteStore) GetPlacesByIDs(ctx context.Context, ids []string) ([]model.Place, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, name, address, lat, lng, rating, rating_count, website, phone, types, raw, scraped_at
	          FROM places WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get places by ids")
	}
	defer rows.Close()

	byID := make(map[string]model.Place, len(ids))
	for rows.Next() {
		var p model.Place
		var typesJSON, rawJSON sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Address, &p.Location.Lat, &p.Location.Lng,
			&p.Rating, &p.RatingCount, &p.Website, &p.Phone,
			&typesJSON, &rawJSON, &p.ScrapedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan place")
		}
		if typesJSON.Valid && typesJSON.String != "" {
			if err := json.Unmarshal([]byte(typesJSON.String), &p.Types); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal place types")
			}
		}
		if rawJSON.Valid {
			p.Raw = json.RawMessage(rawJSON.String)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: get places iterate")
	}

	// Preserve the requested order.
	out := make([]model.Place, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *SQLiteStore) GetCachedSearch(ctx context.Context, key string) (*model.CachedResultSet, error) {
	var recordsJSON string
	var set model.CachedResultSet

	err := s.db.QueryRowContext(ctx,
		`SELECT records, next_token FROM search_cache
		 WHERE cache_key = ? AND expires_at > datetime('now')
		 ORDER BY cached_at DESC LIMIT 1`,
		key,
	).Scan(&recordsJSON, &set.NextToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get cached search")
	}
	if err := json.Unmarshal([]byte(recordsJSON), &set.Records); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached records")
	}
	return &set, nil
}

func (s *SQLiteStore) SetCachedSearch(ctx context.Context, key string, set *model.CachedResultSet, ttl time.Duration) error {
	id := uuid.New().String()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	recordsJSON, err := json.Marshal(set.Records)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal records")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_cache (id, cache_key, records, next_token, cached_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET records = excluded.records, next_token = excluded.next_token,
		   cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		id, key, string(recordsJSON), set.NextToken, now, expiresAt,
	)
	return eris.Wrap(err, "sqlite: set cached search")
}

func (s *SQLiteStore) DeleteExpiredSearches(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM search_cache WHERE expires_at <= datetime('now')`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired searches")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) GetEntitlements(ctx context.Context, userID string, placeIDs []string) (map[string]model.Entitlement, error) {
	if len(placeIDs) == 0 {
		return map[string]model.Entitlement{}, nil
	}

	query := `SELECT user_id, place_id, unlocked, unlocked_at FROM user_places
	          WHERE user_id = ? AND place_id IN (` + placeholders(len(placeIDs)) + `)`
	args := make([]any, 0, len(placeIDs)+1)
	args = append(args, userID)
	for _, id := range placeIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get entitlements")
	}
	defer rows.Close()

	out := make(map[string]model.Entitlement, len(placeIDs))
	for rows.Next() {
		var e model.Entitlement
		var unlockedAt sql.NullTime
		if err := rows.Scan(&e.UserID, &e.PlaceID, &e.Unlocked, &unlockedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entitlement")
		}
		if unlockedAt.Valid {
			e.UnlockedAt = unlockedAt.Time
		}
		out[e.PlaceID] = e
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get entitlements iterate")
}

func (s *SQLiteStore) EnsureEntitlements(ctx context.Context, userID string, placeIDs []string) error {
	if len(placeIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin ensure entitlements")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO user_places (user_id, place_id, unlocked) VALUES (?, ?, 0)
		 ON CONFLICT (user_id, place_id) DO NOTHING`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare ensure entitlements")
	}
	defer stmt.Close()

	for _, placeID := range placeIDs {
		if _, err := stmt.ExecContext(ctx, userID, placeID); err != nil {
			return eris.Wrapf(err, "sqlite: ensure entitlement %s", placeID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit ensure entitlements")
}

func (s *SQLiteStore) SetUnlocked(ctx context.Context, userID, placeID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_places (user_id, place_id, unlocked, unlocked_at)
		 VALUES (?, ?, 1, datetime('now'))
		 ON CONFLICT (user_id, place_id) DO UPDATE SET unlocked = 1, unlocked_at = datetime('now')`,
		userID, placeID,
	)
	return eris.Wrapf(err, "sqlite: set unlocked %s", placeID)
}

func (s *SQLiteStore) GetEnrichments(ctx context.Context, placeIDs []string) (map[string]model.Enrichment, error) {
	if len(placeIDs) == 0 {
		return map[string]model.Enrichment{}, nil
	}

	query := `SELECT place_id, emails, confidence, job_id FROM enrichments
	          WHERE place_id IN (` + placeholders(len(placeIDs)) + `)`
	args := make([]any, len(placeIDs))
	for i, id := range placeIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get enrichments")
	}
	defer rows.Close()

	out := make(map[string]model.Enrichment, len(placeIDs))
	for rows.Next() {
		var e model.Enrichment
		var emailsJSON string
		if err := rows.Scan(&e.PlaceID, &emailsJSON, &e.Confidence, &e.JobID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrichment")
		}
		if err := json.Unmarshal([]byte(emailsJSON), &e.Emails); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal enrichment emails")
		}
		out[e.PlaceID] = e
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get enrichments iterate")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
