package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cvelab/cvehub/datastore"
)

// historyFrom is the lateral unwind shared by the recent-history queries.
// It is the document-store $unwind analogue.
const historyFrom = `FROM cve, jsonb_array_elements(document -> 'modification_history') AS h`

// RecentHistory implements datastore.CVEStore.
func (s *Store) RecentHistory(ctx context.Context, opts datastore.HistoryOpts) (_ int64, _ []datastore.HistoryEntry, err error) {
	done := observe("recentHistory", time.Now())
	defer func() { done(err) }()

	where := ` WHERE (h ->> 'modified_at')::timestamptz >= $1`
	args := []any{opts.Since}
	if len(opts.Usernames) > 0 {
		args = append(args, opts.Usernames)
		where += fmt.Sprintf(` AND h ->> 'username' = ANY($%d)`, len(args))
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) `+historyFrom+where, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("failed to count history entries: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf(
		`SELECT cve_id, document ->> 'title', h ->> 'username', (h ->> 'modified_at')::timestamptz, h -> 'changes' `+
			historyFrom+where+
			` ORDER BY (h ->> 'modified_at')::timestamptz DESC LIMIT %d OFFSET %d;`,
		limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query history entries: %w", err)
	}
	defer rows.Close()

	var out []datastore.HistoryEntry
	for rows.Next() {
		var e datastore.HistoryEntry
		var changes []byte
		if err := rows.Scan(&e.CVEID, &e.Title, &e.Username, &e.ModifiedAt, &changes); err != nil {
			return 0, nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if err := json.Unmarshal(changes, &e.Changes); err != nil {
			return 0, nil, fmt.Errorf("failed to decode change records: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, out, nil
}

// HistoryStats implements datastore.CVEStore.
func (s *Store) HistoryStats(ctx context.Context, since time.Time) (_ *datastore.HistoryStats, err error) {
	done := observe("historyStats", time.Now())
	defer func() { done(err) }()

	out := datastore.HistoryStats{
		ByUser:  make(map[string]int64),
		ByField: make(map[string]int64),
		ByDay:   make(map[string]int64),
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) `+historyFrom+` WHERE (h ->> 'modified_at')::timestamptz >= $1;`, since,
	).Scan(&out.Total); err != nil {
		return nil, fmt.Errorf("failed to count history entries: %w", err)
	}

	collect := func(query string, dst map[string]int64) error {
		rows, err := s.pool.Query(ctx, query, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			var n int64
			if err := rows.Scan(&k, &n); err != nil {
				return err
			}
			dst[k] = n
		}
		return rows.Err()
	}

	if err := collect(
		`SELECT h ->> 'username', count(*) `+historyFrom+
			` WHERE (h ->> 'modified_at')::timestamptz >= $1 GROUP BY 1;`, out.ByUser); err != nil {
		return nil, fmt.Errorf("failed to aggregate by user: %w", err)
	}
	if err := collect(
		`SELECT c ->> 'field', count(*) FROM cve,
			jsonb_array_elements(document -> 'modification_history') AS h,
			jsonb_array_elements(h -> 'changes') AS c
		 WHERE (h ->> 'modified_at')::timestamptz >= $1 GROUP BY 1;`, out.ByField); err != nil {
		return nil, fmt.Errorf("failed to aggregate by field: %w", err)
	}
	if err := collect(
		`SELECT to_char((h ->> 'modified_at')::timestamptz, 'YYYY-MM-DD'), count(*) `+historyFrom+
			` WHERE (h ->> 'modified_at')::timestamptz >= $1 GROUP BY 1;`, out.ByDay); err != nil {
		return nil, fmt.Errorf("failed to aggregate by day: %w", err)
	}

	return &out, nil
}
