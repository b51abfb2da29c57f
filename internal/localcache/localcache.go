// Package localcache is the on-disk key/value cache that survives restarts.
// It is authoritative for drafts, the selected session and canvas state;
// everything else is a snapshot of the remote store.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/xpress/internal/sessions"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);`

type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache file at path.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init local cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *Cache) put(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
        INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
    `, key, value)
	return err
}

func (c *Cache) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := c.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) putJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.put(ctx, key, string(data))
}

func (c *Cache) SelectedSession(ctx context.Context, userID string) (string, bool, error) {
	return c.get(ctx, "selected:"+userID)
}

func (c *Cache) SetSelectedSession(ctx context.Context, userID, sessionID string) error {
	return c.put(ctx, "selected:"+userID, sessionID)
}

// SaveSessions stores the mirrored session list for offline display.
func (c *Cache) SaveSessions(ctx context.Context, userID string, list []*sessions.Session) error {
	return c.putJSON(ctx, "sessions:"+userID, list)
}

func (c *Cache) Sessions(ctx context.Context, userID string) ([]*sessions.Session, bool, error) {
	var list []*sessions.Session
	ok, err := c.getJSON(ctx, "sessions:"+userID, &list)
	return list, ok, err
}

func (c *Cache) SaveDraft(ctx context.Context, sessionID, draft string) error {
	return c.put(ctx, "draft:"+sessionID, draft)
}

func (c *Cache) Draft(ctx context.Context, sessionID string) (string, bool, error) {
	return c.get(ctx, "draft:"+sessionID)
}

func (c *Cache) SaveSettings(ctx context.Context, sessionID string, values map[string]string) error {
	return c.putJSON(ctx, "settings:"+sessionID, values)
}

func (c *Cache) LoadSettings(ctx context.Context, sessionID string) (map[string]string, bool, error) {
	var values map[string]string
	ok, err := c.getJSON(ctx, "settings:"+sessionID, &values)
	return values, ok, err
}

func (c *Cache) SetCanvasActive(ctx context.Context, userID string, active bool) error {
	return c.put(ctx, "canvas:"+userID, strconv.FormatBool(active))
}

func (c *Cache) CanvasActive(ctx context.Context, userID string) (bool, error) {
	raw, ok, err := c.get(ctx, "canvas:"+userID)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(raw)
}
