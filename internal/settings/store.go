package settings

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store persists session-scoped settings as independent keyed rows.
type Store interface {
	Load(ctx context.Context, sessionID string) (map[string]string, error)
	Upsert(ctx context.Context, sessionID, key, value string) error
}

// InMemoryStore is a threadsafe in-memory store for tests
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: make(map[string]map[string]string)}
}

func (s *InMemoryStore) Load(ctx context.Context, sessionID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.rows[sessionID]), nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, sessionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[sessionID] == nil {
		s.rows[sessionID] = make(map[string]string)
	}
	s.rows[sessionID][key] = value
	return nil
}

type PostgresStore struct {
	db     *sql.DB
	sealer *Sealer
}

// NewPostgresStore returns a store that seals credentials when sealer is set.
func NewPostgresStore(db *sql.DB, sealer *Sealer) *PostgresStore {
	return &PostgresStore{db: db, sealer: sealer}
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM session_settings WHERE session_id=$1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if IsTokenKey(key) && s.sealer != nil {
			opened, err := s.sealer.Open(value)
			if err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Str("key", key).Msg("Skipping unreadable credential")
				continue
			}
			value = opened
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, sessionID, key, value string) error {
	if IsTokenKey(key) && s.sealer != nil && value != "" {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		value = sealed
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO session_settings (session_id, key, value)
        VALUES ($1,$2,$3)
        ON CONFLICT (session_id, key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()
    `, sessionID, key, value)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}
