// Package notify creates, delivers, and tracks user notifications.
// Creation always persists first; real-time delivery over the push fabric
// is best-effort and its failure never aborts creation.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/push"
)

// RetentionDays is how long notifications are kept.
const RetentionDays = 30

// Presence reports which live connections a user holds. The push
// session registry satisfies it.
type Presence interface {
	UserSIDs(username string) []string
}

// Engine creates and queries notifications.
type Engine struct {
	store    datastore.NotificationStore
	emit     push.Emitter
	presence Presence
}

// New returns an Engine. Push and presence may be nil; notifications are
// then persisted undelivered.
func New(store datastore.NotificationStore, emit push.Emitter, presence Presence) *Engine {
	return &Engine{store: store, emit: emit, presence: presence}
}

// Notify persists a notification and attempts real-time delivery. The
// delivered flag flips only when the recipient had a live session to
// deliver to.
func (e *Engine) Notify(ctx context.Context, n *cvehub.Notification) error {
	ctx = zlog.ContextWithValues(ctx, "component", "notify/Engine.Notify")
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Status = cvehub.NotificationUnread
	n.Delivered = false
	if n.CreatedAt.IsZero() {
		n.CreatedAt = cvehub.Now()
	}
	if err := e.store.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}

	if e.emit == nil || e.presence == nil || len(e.presence.UserSIDs(n.RecipientID)) == 0 {
		return nil
	}
	unread, err := e.store.UnreadCount(ctx, n.RecipientID)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("failed to count unread notifications")
	}
	e.emit.ToUser(ctx, n.RecipientID, cvehub.EventNotification, map[string]any{
		"notification": n,
		"unreadCount":  unread,
	})
	if err := e.store.MarkDelivered(ctx, n.ID); err != nil {
		zlog.Warn(ctx).Err(err).Str("id", n.ID).Msg("failed to mark notification delivered")
	} else {
		n.Delivered = true
	}
	return nil
}

// NotifyMentions fans one notification out to every user mentioned in a
// comment, skipping the author mentioning themselves.
func (e *Engine) NotifyMentions(ctx context.Context, cveID, sender string, mentions []string) {
	ctx = zlog.ContextWithValues(ctx, "component", "notify/Engine.NotifyMentions")
	for _, username := range mentions {
		if username == sender {
			continue
		}
		n := cvehub.Notification{
			RecipientID: username,
			SenderID:    sender,
			Type:        cvehub.NotifyMention,
			Content:     fmt.Sprintf("%s님이 %s 댓글에서 회원님을 언급했습니다.", sender, cveID),
			CVEID:       cveID,
		}
		if err := e.Notify(ctx, &n); err != nil {
			zlog.Warn(ctx).Err(err).Str("recipient", username).Msg("failed to create mention notification")
		}
	}
}

// NotifyAssignee tells a CVE's assignee about a state change made by
// someone else.
func (e *Engine) NotifyAssignee(ctx context.Context, cveID, assignee, sender string, changes []cvehub.ChangeRecord) {
	if assignee == "" || assignee == sender {
		return
	}
	ctx = zlog.ContextWithValues(ctx, "component", "notify/Engine.NotifyAssignee")
	n := cvehub.Notification{
		RecipientID: assignee,
		SenderID:    sender,
		Type:        cvehub.NotifyCVEUpdate,
		Content:     fmt.Sprintf("%s님이 담당 CVE %s를 변경했습니다.", sender, cveID),
		CVEID:       cveID,
		Metadata:    map[string]any{"changes": changes},
	}
	if err := e.Notify(ctx, &n); err != nil {
		zlog.Warn(ctx).Err(err).Str("recipient", assignee).Msg("failed to create assignee notification")
	}
}

// Page is one page of notifications plus the recipient's unread count.
type Page struct {
	Total       int64                 `json:"total"`
	Items       []cvehub.Notification `json:"items"`
	UnreadCount int64                 `json:"unreadCount"`
}

// List pages a recipient's notifications, optionally filtered by status.
func (e *Engine) List(ctx context.Context, recipient string, status cvehub.NotificationStatus, skip, limit int) (*Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	total, items, err := e.store.ListNotifications(ctx, datastore.NotificationOpts{
		RecipientID: recipient,
		Status:      status,
		Skip:        skip,
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []cvehub.Notification{}
	}
	unread, err := e.store.UnreadCount(ctx, recipient)
	if err != nil {
		return nil, err
	}
	return &Page{Total: total, Items: items, UnreadCount: unread}, nil
}

// UnreadCount returns the recipient's unread total.
func (e *Engine) UnreadCount(ctx context.Context, recipient string) (int64, error) {
	return e.store.UnreadCount(ctx, recipient)
}

// MarkRead marks one notification read, checking recipient ownership, and
// tells the recipient's sessions.
func (e *Engine) MarkRead(ctx context.Context, recipient, id string) error {
	if err := e.store.MarkRead(ctx, recipient, id, cvehub.Now()); err != nil {
		return err
	}
	e.emitRead(ctx, recipient, cvehub.EventNotificationRead, map[string]any{"id": id})
	return nil
}

// MarkManyRead marks a batch read. Each id is ownership-checked on its
// own; the first failure aborts and reports which ids went through.
func (e *Engine) MarkManyRead(ctx context.Context, recipient string, ids []string) (int, error) {
	for i, id := range ids {
		if err := e.store.MarkRead(ctx, recipient, id, cvehub.Now()); err != nil {
			return i, err
		}
	}
	e.emitRead(ctx, recipient, cvehub.EventNotificationRead, map[string]any{"ids": ids})
	return len(ids), nil
}

// MarkAllRead marks everything unread read.
func (e *Engine) MarkAllRead(ctx context.Context, recipient string) error {
	if err := e.store.MarkAllRead(ctx, recipient, cvehub.Now()); err != nil {
		return err
	}
	e.emitRead(ctx, recipient, cvehub.EventAllNotificationsRead, map[string]any{})
	return nil
}

func (e *Engine) emitRead(ctx context.Context, recipient, event string, data map[string]any) {
	if e.emit == nil {
		return
	}
	unread, err := e.store.UnreadCount(ctx, recipient)
	if err == nil {
		data["unreadCount"] = unread
	}
	e.emit.ToUser(ctx, recipient, event, data)
}

// Purge deletes notifications older than the retention window and
// returns how many went away.
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "notify/Engine.Purge")
	cutoff := cvehub.Now().AddDate(0, 0, -RetentionDays)
	n, err := e.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		zlog.Info(ctx).Int64("deleted", n).Time("cutoff", cutoff).Msg("purged old notifications")
	}
	return n, nil
}

// RunRetention purges on the given interval until the context ends.
func (e *Engine) RunRetention(ctx context.Context, every time.Duration) {
	ctx = zlog.ContextWithValues(ctx, "component", "notify/Engine.RunRetention")
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.Purge(ctx); err != nil {
				zlog.Warn(ctx).Err(err).Msg("retention pass failed")
			}
		}
	}
}
