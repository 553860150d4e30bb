// Package cache provides an optional on-disk geocode response cache so
// re-runs of a batch do not pay for queries they already resolved.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openmeridian/waypoint/pkg/geocode"
)

const schema = `
CREATE TABLE IF NOT EXISTS geocode_cache (
	query_hash TEXT PRIMARY KEY,
	response   TEXT NOT NULL,
	cached_at  INTEGER NOT NULL
);`

// Cache stores raw API responses in a local sqlite file, keyed by a hash
// of the normalized query. A zero TTL keeps entries forever.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	log *slog.Logger
}

// Open creates or opens the cache file at path.
func Open(path string, ttl time.Duration, log *slog.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &Cache{db: db, ttl: ttl, log: log}, nil
}

// Get returns the cached response for key, honoring the TTL. Lookup
// failures are treated as misses; the caller falls through to the API.
func (c *Cache) Get(ctx context.Context, key string) (*geocode.Response, bool) {
	query := "SELECT response FROM geocode_cache WHERE query_hash = ?"
	args := []any{hashKey(key)}

	if c.ttl > 0 {
		query += " AND cached_at > ?"
		args = append(args, time.Now().Add(-c.ttl).Unix())
	}

	var raw string
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.WarnContext(ctx, "Cache lookup failed", "error", err)
		}
		return nil, false
	}

	var resp geocode.Response
	if err = json.Unmarshal([]byte(raw), &resp); err != nil {
		c.log.WarnContext(ctx, "Discarding undecodable cache entry", "error", err)
		return nil, false
	}

	return &resp, true
}

// Put stores a response under key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key string, resp *geocode.Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO geocode_cache (query_hash, response, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT (query_hash) DO UPDATE SET
			response = excluded.response,
			cached_at = excluded.cached_at`,
		hashKey(key), string(raw), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// hashKey returns SHA-256 hex of the normalized key for cache lookup.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(key))))
	return fmt.Sprintf("%x", h)
}
