// Package cache holds the two on-disk/in-memory caches that let rmcl
// avoid re-fetching data it has already paid to retrieve: a SQLite-backed
// per-(id,version,property) attribute cache, and a one-slot
// most-recently-fetched-blob cache.
package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS filedata (
	id TEXT NOT NULL,
	version INTEGER NOT NULL,
	property TEXT NOT NULL,
	value BLOB,
	UNIQUE(id, version, property)
);
`

// DataCache persists small per-item attributes (a document's probed raw
// size, content size, and inner file type) keyed by id, version, and
// property name. Entries are append-only per version: once a document's
// version changes, its old rows are simply orphaned rather than deleted,
// since the remote store never reuses a version number for a given id.
type DataCache struct {
	db *sql.DB
}

// OpenDataCache opens (creating if necessary) the SQLite database at
// path and ensures its schema exists.
func OpenDataCache(path string) (*DataCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open data cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create data cache schema: %w", err)
	}
	return &DataCache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *DataCache) Close() error {
	return c.db.Close()
}

func (c *DataCache) getRaw(id string, version int, property string) ([]byte, bool) {
	var value []byte
	err := c.db.QueryRow(
		`SELECT value FROM filedata WHERE id = ? AND version = ? AND property = ?`,
		id, version, property,
	).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn().Err(err).Str("id", id).Str("property", property).Msg("data cache read failed")
		}
		return nil, false
	}
	return value, true
}

func (c *DataCache) setRaw(id string, version int, property string, value []byte) {
	_, err := c.db.Exec(
		`INSERT INTO filedata (id, version, property, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id, version, property) DO UPDATE SET value = excluded.value`,
		id, version, property, value,
	)
	if err != nil {
		log.Warn().Err(err).Str("id", id).Str("property", property).Msg("data cache write failed")
	}
}

// GetInt returns a cached integer property, such as raw_size or size.
func (c *DataCache) GetInt(id string, version int, property string) (int64, bool) {
	raw, ok := c.getRaw(id, version, property)
	if !ok {
		return 0, false
	}
	var v int64
	if _, err := fmt.Sscanf(string(raw), "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

// SetInt stores an integer property.
func (c *DataCache) SetInt(id string, version int, property string, value int64) {
	c.setRaw(id, version, property, []byte(fmt.Sprintf("%d", value)))
}

// GetString returns a cached string property, such as the probed file
// type.
func (c *DataCache) GetString(id string, version int, property string) (string, bool) {
	raw, ok := c.getRaw(id, version, property)
	if !ok {
		return "", false
	}
	return string(raw), true
}

// SetString stores a string property.
func (c *DataCache) SetString(id string, version int, property string, value string) {
	c.setRaw(id, version, property, []byte(value))
}
