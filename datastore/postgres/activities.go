package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
)

// InsertActivity implements datastore.ActivityStore.
func (s *Store) InsertActivity(ctx context.Context, a *cvehub.UserActivity) (err error) {
	const query = `
	INSERT INTO user_activities (id, username, ts, action, target_type, target_id, target_title, changes)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	done := observe("insertActivity", time.Now())
	defer func() { done(err) }()

	changes, err := json.Marshal(a.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode change records: %w", err)
	}
	if a.Changes == nil {
		changes = []byte(`[]`)
	}
	if _, err := s.pool.Exec(ctx, query,
		a.ID, a.Username, a.Timestamp, string(a.Action), string(a.TargetType),
		a.TargetID, a.TargetTitle, changes); err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// QueryActivities implements datastore.ActivityStore.
func (s *Store) QueryActivities(ctx context.Context, opts datastore.ActivityOpts) (_ int64, _ []cvehub.UserActivity, err error) {
	done := observe("queryActivities", time.Now())
	defer func() { done(err) }()

	var conds []string
	var args []any
	n := func() string { return fmt.Sprintf("$%d", len(args)) }
	if opts.Username != "" {
		args = append(args, opts.Username)
		conds = append(conds, "username = "+n())
	}
	if len(opts.TargetTypes) > 0 {
		tt := make([]string, len(opts.TargetTypes))
		for i, t := range opts.TargetTypes {
			tt[i] = string(t)
		}
		args = append(args, tt)
		conds = append(conds, "target_type = ANY("+n()+")")
	}
	if len(opts.Actions) > 0 {
		aa := make([]string, len(opts.Actions))
		for i, a := range opts.Actions {
			aa[i] = string(a)
		}
		args = append(args, aa)
		conds = append(conds, "action = ANY("+n()+")")
	}
	if opts.TargetID != "" {
		args = append(args, opts.TargetID)
		conds = append(conds, "target_id = "+n())
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		conds = append(conds, "ts >= "+n())
	}
	if !opts.Until.IsZero() {
		args = append(args, opts.Until)
		conds = append(conds, "ts <= "+n())
	}
	var where string
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM user_activities`+where, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("failed to count activities: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf(`
	SELECT id, username, ts, action, target_type, target_id, target_title, changes
	FROM user_activities%s ORDER BY ts DESC LIMIT %d OFFSET %d;`, where, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []cvehub.UserActivity
	for rows.Next() {
		var a cvehub.UserActivity
		var changes []byte
		if err := rows.Scan(&a.ID, &a.Username, &a.Timestamp, &a.Action, &a.TargetType,
			&a.TargetID, &a.TargetTitle, &changes); err != nil {
			return 0, nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if err := json.Unmarshal(changes, &a.Changes); err != nil {
			return 0, nil, fmt.Errorf("failed to decode change records: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, out, nil
}
