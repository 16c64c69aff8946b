package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
)

// listProjection strips the heavyweight embedded collections from
// list-view rows.
const listProjection = `document - 'comments' - 'modification_history' - 'snort_rules' - 'pocs' - 'references'`

// Get implements datastore.CVEStore.
func (s *Store) Get(ctx context.Context, id string) (_ *cvehub.CVE, err error) {
	const query = `SELECT document FROM cve WHERE upper(cve_id) = upper($1);`
	done := observe("getCVE", time.Now())
	defer func() { done(err) }()

	var doc []byte
	switch err := s.pool.QueryRow(ctx, query, id).Scan(&doc); {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		return nil, &cvehub.Error{
			Op:      "postgres/Store.Get",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such cve: %q", id),
		}
	default:
		return nil, fmt.Errorf("failed to query cve: %w", err)
	}
	var c cvehub.CVE
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("failed to decode cve document: %w", err)
	}
	return &c, nil
}

// List implements datastore.CVEStore.
func (s *Store) List(ctx context.Context, opts datastore.ListOpts) (_ int64, _ []cvehub.CVE, err error) {
	done := observe("listCVE", time.Now())
	defer func() { done(err) }()

	where, args := listFilter(opts)
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM cve`+where, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("failed to count cves: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf(
		`SELECT %s FROM cve%s ORDER BY last_modified_at DESC, created_at DESC LIMIT %d OFFSET %d;`,
		listProjection, where, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query cves: %w", err)
	}
	defer rows.Close()

	var out []cvehub.CVE
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return 0, nil, fmt.Errorf("failed to scan cve row: %w", err)
		}
		var c cvehub.CVE
		if err := json.Unmarshal(doc, &c); err != nil {
			return 0, nil, fmt.Errorf("failed to decode cve document: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, out, nil
}

func listFilter(opts datastore.ListOpts) (string, []any) {
	var conds []string
	var args []any
	n := func() string { return fmt.Sprintf("$%d", len(args)) }
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		conds = append(conds, "status = "+n())
	}
	if opts.HasSeverity {
		args = append(args, opts.Severity.String())
		conds = append(conds, "severity = "+n())
	}
	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		p := n()
		conds = append(conds, fmt.Sprintf(
			`(cve_id ILIKE %[1]s OR document ->> 'title' ILIKE %[1]s OR document ->> 'description' ILIKE %[1]s)`, p))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Create implements datastore.CVEStore.
func (s *Store) Create(ctx context.Context, c *cvehub.CVE) (err error) {
	const query = `
	INSERT INTO cve (cve_id, status, severity, assigned_to, created_at, last_modified_at, document)
	VALUES ($1, $2, $3, $4, $5, $6, $7);`
	done := observe("createCVE", time.Now())
	defer func() { done(err) }()

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cve document: %w", err)
	}
	_, err = s.pool.Exec(ctx, query,
		c.ID, string(c.Status), c.Severity.String(), c.AssignedTo, c.CreatedAt, c.LastModifiedAt, doc)
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
	case errors.As(err, &pgErr) && pgErr.Code == "23505": // unique_violation
		return &cvehub.Error{
			Op:      "postgres/Store.Create",
			Kind:    cvehub.ErrConflict,
			Message: fmt.Sprintf("cve already exists: %q", c.ID),
			Inner:   err,
		}
	default:
		return fmt.Errorf("failed to insert cve: %w", err)
	}
	return nil
}

// Top-level document fields the engine may target in a partial update.
// Anything else is rejected before SQL is built.
var fieldPattern = regexp.MustCompile(`^[a-z_]+$`)

// Columns kept in sync with the document on partial update.
var syncedColumns = map[string]string{
	"status":      "status",
	"severity":    "severity",
	"assigned_to": "assigned_to",
}

// UpdateFields implements datastore.CVEStore.
//
// The update is a single statement: the document column goes through a
// jsonb_set chain covering every changed field plus the optional history
// append, so concurrent writers serialize on row-level locking.
func (s *Store) UpdateFields(ctx context.Context, id string, fields map[string]any, entry *cvehub.ModificationHistory) (err error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.UpdateFields")
	done := observe("updateCVE", time.Now())
	defer func() { done(err) }()

	expr := "document"
	var args []any
	var cols []string
	for field, val := range fields {
		if !fieldPattern.MatchString(field) {
			return &cvehub.Error{
				Op:      "postgres/Store.UpdateFields",
				Kind:    cvehub.ErrInvalid,
				Message: fmt.Sprintf("bad field name: %q", field),
			}
		}
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("failed to encode field %q: %w", field, err)
		}
		args = append(args, string(b))
		expr = fmt.Sprintf("jsonb_set(%s, '{%s}', $%d::jsonb, true)", expr, field, len(args))
		if col, ok := syncedColumns[field]; ok {
			if sv, ok := val.(string); ok {
				args = append(args, sv)
				cols = append(cols, fmt.Sprintf("%s = $%d", col, len(args)))
			}
		}
	}
	if entry != nil {
		b, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode history entry: %w", err)
		}
		args = append(args, string(b))
		expr = fmt.Sprintf(
			`jsonb_set(%s, '{modification_history}', coalesce(document -> 'modification_history', '[]'::jsonb) || $%d::jsonb, true)`,
			expr, len(args))
	}
	if len(args) == 0 {
		zlog.Debug(ctx).Str("cve_id", id).Msg("empty update, skipping")
		return nil
	}

	// last_modified_at column tracks the document field when present.
	if ts, ok := fields["last_modified_at"]; ok {
		if tv, ok := ts.(time.Time); ok {
			args = append(args, tv)
			cols = append(cols, fmt.Sprintf("last_modified_at = $%d", len(args)))
		}
	}

	set := "document = " + expr
	if len(cols) > 0 {
		set += ", " + strings.Join(cols, ", ")
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE cve SET %s WHERE upper(cve_id) = upper($%d);`, set, len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update cve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &cvehub.Error{
			Op:      "postgres/Store.UpdateFields",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such cve: %q", id),
		}
	}
	return nil
}

// Replace implements datastore.CVEStore.
func (s *Store) Replace(ctx context.Context, id string, c *cvehub.CVE) (err error) {
	const query = `
	UPDATE cve SET
		cve_id = $2, status = $3, severity = $4, assigned_to = $5,
		created_at = $6, last_modified_at = $7, document = $8
	WHERE upper(cve_id) = upper($1);`
	done := observe("replaceCVE", time.Now())
	defer func() { done(err) }()

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cve document: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, id,
		c.ID, string(c.Status), c.Severity.String(), c.AssignedTo, c.CreatedAt, c.LastModifiedAt, doc)
	if err != nil {
		return fmt.Errorf("failed to replace cve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &cvehub.Error{
			Op:      "postgres/Store.Replace",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such cve: %q", id),
		}
	}
	return nil
}

// Delete implements datastore.CVEStore.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	const query = `DELETE FROM cve WHERE upper(cve_id) = upper($1);`
	done := observe("deleteCVE", time.Now())
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete cve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &cvehub.Error{
			Op:      "postgres/Store.Delete",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such cve: %q", id),
		}
	}
	return nil
}

// Stats implements datastore.CVEStore.
func (s *Store) Stats(ctx context.Context) (_ *datastore.Stats, err error) {
	done := observe("statsCVE", time.Now())
	defer func() { done(err) }()

	out := datastore.Stats{}
	for _, q := range []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&out.TotalCount, `SELECT count(*) FROM cve;`, nil},
		{&out.HighSeverityCount, `SELECT count(*) FROM cve WHERE severity IN ('critical', 'high');`, nil},
		{&out.NewLastWeekCount, `SELECT count(*) FROM cve WHERE created_at >= $1;`, []any{time.Now().UTC().AddDate(0, 0, -7)}},
		{&out.InProgressCount, `SELECT count(*) FROM cve WHERE status = 'analyzing';`, nil},
		{&out.CompletedCount, `SELECT count(*) FROM cve WHERE status = 'release-complete';`, nil},
	} {
		if err := s.pool.QueryRow(ctx, q.query, q.args...).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to count cves: %w", err)
		}
	}
	return &out, nil
}
