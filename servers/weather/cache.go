package weather

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Cache stores raw upstream reports keyed by normalized city name.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// SQLiteCache is a Cache on a SQLite file. Entries older than the TTL are treated as misses
// and removed by Purge.
type SQLiteCache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// DefaultCacheTTL matches how often wttr.in refreshes its observations.
const DefaultCacheTTL = 15 * time.Minute

// OpenSQLiteCache opens or creates the cache database at path. A non-positive ttl uses
// DefaultCacheTTL.
func OpenSQLiteCache(path string, ttl time.Duration) (*SQLiteCache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dbDir, err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, 5000)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", path, err)
	}
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS weather_reports (
		city TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &SQLiteCache{
		db:  db,
		ttl: ttl,
		now: time.Now,
	}, nil
}

// Get returns the cached payload for key when it is younger than the TTL.
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		payload   []byte
		fetchedAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM weather_reports WHERE city = ?`, key,
	).Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache: %w", err)
	}

	if c.now().Sub(time.Unix(0, fetchedAt)) > c.ttl {
		return nil, false, nil
	}
	return payload, true, nil
}

// Put stores value under key, replacing any previous entry.
func (c *SQLiteCache) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO weather_reports (city, payload, fetched_at) VALUES (?, ?, ?)
	ON CONFLICT(city) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at
	`, key, value, c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Purge deletes expired entries and reports how many were removed.
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.ttl).UnixNano()
	res, err := c.db.ExecContext(ctx, `DELETE FROM weather_reports WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}
	return n, nil
}

// PurgeEvery runs Purge every interval until ctx is done. A non-positive interval uses the TTL.
func (c *SQLiteCache) PurgeEvery(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := c.Purge(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to purge weather cache", slog.String("err", err.Error()))
			continue
		}
		if n > 0 {
			logger.Debug("purged weather cache", slog.Int64("entries", n))
		}
	}
}

// Close closes the underlying database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
