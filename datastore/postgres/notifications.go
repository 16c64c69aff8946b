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

// InsertNotification implements datastore.NotificationStore.
func (s *Store) InsertNotification(ctx context.Context, n *cvehub.Notification) (err error) {
	const query = `
	INSERT INTO notifications
		(id, recipient_id, sender_id, type, content, cve_id, metadata, status, delivered, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`
	done := observe("insertNotification", time.Now())
	defer func() { done(err) }()

	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode notification metadata: %w", err)
	}
	if n.Metadata == nil {
		meta = []byte(`{}`)
	}
	if _, err := s.pool.Exec(ctx, query,
		n.ID, n.RecipientID, n.SenderID, string(n.Type), n.Content, n.CVEID,
		meta, string(n.Status), n.Delivered, n.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications implements datastore.NotificationStore.
func (s *Store) ListNotifications(ctx context.Context, opts datastore.NotificationOpts) (_ int64, _ []cvehub.Notification, err error) {
	done := observe("listNotifications", time.Now())
	defer func() { done(err) }()

	conds := []string{"recipient_id = $1"}
	args := []any{opts.RecipientID}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM notifications`+where, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
	SELECT id, recipient_id, sender_id, type, content, cve_id, metadata, status, delivered, created_at, read_at
	FROM notifications%s ORDER BY created_at DESC LIMIT %d OFFSET %d;`, where, limit, opts.Skip)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []cvehub.Notification
	for rows.Next() {
		var n cvehub.Notification
		var meta []byte
		var readAt *time.Time
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.Type, &n.Content, &n.CVEID,
			&meta, &n.Status, &n.Delivered, &n.CreatedAt, &readAt); err != nil {
			return 0, nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return 0, nil, fmt.Errorf("failed to decode notification metadata: %w", err)
			}
		}
		if readAt != nil {
			n.ReadAt = *readAt
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, out, nil
}

// UnreadCount implements datastore.NotificationStore.
func (s *Store) UnreadCount(ctx context.Context, recipientID string) (_ int64, err error) {
	const query = `SELECT count(*) FROM notifications WHERE recipient_id = $1 AND status = 'unread';`
	done := observe("unreadCount", time.Now())
	defer func() { done(err) }()

	var n int64
	if err := s.pool.QueryRow(ctx, query, recipientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

// MarkDelivered implements datastore.NotificationStore.
func (s *Store) MarkDelivered(ctx context.Context, id string) (err error) {
	const query = `UPDATE notifications SET delivered = TRUE WHERE id = $1;`
	done := observe("markDelivered", time.Now())
	defer func() { done(err) }()

	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark notification delivered: %w", err)
	}
	return nil
}

// MarkRead implements datastore.NotificationStore. The recipient check is
// part of the statement so a user cannot read someone else's notification
// state.
func (s *Store) MarkRead(ctx context.Context, recipientID, id string, at time.Time) (err error) {
	const query = `
	UPDATE notifications SET status = 'read', read_at = $3
	WHERE id = $1 AND recipient_id = $2 AND status = 'unread';`
	done := observe("markRead", time.Now())
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, query, id, recipientID, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &cvehub.Error{
			Op:      "postgres/Store.MarkRead",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no unread notification %q for recipient", id),
		}
	}
	return nil
}

// MarkAllRead implements datastore.NotificationStore.
func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (err error) {
	const query = `
	UPDATE notifications SET status = 'read', read_at = $2
	WHERE recipient_id = $1 AND status = 'unread';`
	done := observe("markAllRead", time.Now())
	defer func() { done(err) }()

	if _, err := s.pool.Exec(ctx, query, recipientID, at); err != nil {
		return fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return nil
}

// DeleteOlderThan implements datastore.NotificationStore.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	const query = `DELETE FROM notifications WHERE created_at < $1;`
	done := observe("deleteNotifications", time.Now())
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
