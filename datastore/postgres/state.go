package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// lastUpdatesKey is the singleton system_config document holding the
// per-crawler last-success map.
const lastUpdatesKey = "crawler_last_updates"

// LastUpdates implements datastore.StateStore. A missing document is
// created empty so later partial updates have something to merge into.
func (s *Store) LastUpdates(ctx context.Context) (_ map[string]time.Time, err error) {
	const query = `
	INSERT INTO system_config (key, value) VALUES ($1, '{}'::jsonb)
	ON CONFLICT (key) DO UPDATE SET key = system_config.key
	RETURNING value;`
	done := observe("lastUpdates", time.Now())
	defer func() { done(err) }()

	var raw []byte
	if err := s.pool.QueryRow(ctx, query, lastUpdatesKey).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", lastUpdatesKey, err)
	}
	out := make(map[string]time.Time)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", lastUpdatesKey, err)
	}
	return out, nil
}

// SetLastUpdate implements datastore.StateStore.
func (s *Store) SetLastUpdate(ctx context.Context, crawler string, at time.Time) (err error) {
	const query = `
	INSERT INTO system_config (key, value) VALUES ($1, jsonb_build_object($2::text, $3::text))
	ON CONFLICT (key) DO UPDATE
	SET value = system_config.value || jsonb_build_object($2::text, $3::text);`
	done := observe("setLastUpdate", time.Now())
	defer func() { done(err) }()

	if _, err := s.pool.Exec(ctx, query, lastUpdatesKey, crawler, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to persist %s: %w", lastUpdatesKey, err)
	}
	return nil
}
