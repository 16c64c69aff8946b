// Package datastore defines the storage contracts consumed by the engine,
// the crawlers, and the transport layer. Implementations live in
// subpackages; [github.com/cvelab/cvehub/datastore/postgres] is the
// production one.
package datastore

import (
	"context"
	"time"

	"github.com/cvelab/cvehub"
)

// ListOpts narrows and pages a CVE list query.
type ListOpts struct {
	// Page is 1-based. Zero means the first page.
	Page  int
	Limit int
	// Status filters exactly when non-zero. Severity filters only when
	// HasSeverity is set: Unknown is a legal stored severity, so the
	// zero value cannot stand in for "no filter".
	Status      cvehub.Status
	Severity    cvehub.Severity
	HasSeverity bool
	// Search substring-matches cve_id, title and description,
	// case-insensitively.
	Search string
}

// Stats is the dashboard counter set. Each field is the result of its own
// count query, never an in-memory scan.
type Stats struct {
	TotalCount        int64 `json:"totalCount"`
	HighSeverityCount int64 `json:"highSeverityCount"`
	NewLastWeekCount  int64 `json:"newLastWeekCount"`
	InProgressCount   int64 `json:"inProgressCount"`
	CompletedCount    int64 `json:"completedCount"`
}

// CVEStore is the document store surface for the CVE collection.
//
// Every lookup by id is case-insensitive; writes canonicalize ids to
// upper-case before they reach the store.
type CVEStore interface {
	// Get returns the full document, or an error of kind
	// [cvehub.ErrNotFound].
	Get(ctx context.Context, id string) (*cvehub.CVE, error)
	// List returns the total match count and one page of documents
	// projected down to list-view fields, ordered by last_modified_at
	// desc, created_at desc.
	List(ctx context.Context, opts ListOpts) (int64, []cvehub.CVE, error)
	// Create inserts a new document. A duplicate id yields an error of
	// kind [cvehub.ErrConflict].
	Create(ctx context.Context, c *cvehub.CVE) error
	// UpdateFields applies a partial update ($set semantics) to the named
	// document fields and, when non-nil, appends the history entry
	// ($push semantics) in the same atomic write.
	UpdateFields(ctx context.Context, id string, fields map[string]any, entry *cvehub.ModificationHistory) error
	// Replace swaps the whole document, preserving identity.
	Replace(ctx context.Context, id string, c *cvehub.CVE) error
	// Delete hard-deletes the document.
	Delete(ctx context.Context, id string) error
	// Stats runs the dashboard counter queries.
	Stats(ctx context.Context) (*Stats, error)
	// RecentHistory unwinds modification_history entries across all
	// documents, newest first.
	RecentHistory(ctx context.Context, opts HistoryOpts) (int64, []HistoryEntry, error)
	// HistoryStats aggregates modification history entries since the
	// cutoff by user, changed field, and day.
	HistoryStats(ctx context.Context, since time.Time) (*HistoryStats, error)
}

// HistoryOpts narrows a recent-history query. A non-empty Usernames list
// keeps only entries written by those users; callers resolve the
// crawlers-only filter to the registered crawler names before querying.
type HistoryOpts struct {
	Since     time.Time
	Usernames []string
	Page      int
	Limit     int
}

// HistoryStats is the aggregate of modification activity over a window.
type HistoryStats struct {
	Total   int64            `json:"total"`
	ByUser  map[string]int64 `json:"by_user"`
	ByField map[string]int64 `json:"by_field"`
	ByDay   map[string]int64 `json:"by_day"`
}

// HistoryEntry is one unwound modification history record, annotated with
// its owning document.
type HistoryEntry struct {
	CVEID      string                `json:"cve_id"`
	Title      string                `json:"title,omitempty"`
	Username   string                `json:"username"`
	ModifiedAt time.Time             `json:"modified_at"`
	Changes    []cvehub.ChangeRecord `json:"changes"`
}

// UserStore is the storage surface for user accounts.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*cvehub.User, error)
	GetUserByID(ctx context.Context, id string) (*cvehub.User, error)
	CreateUser(ctx context.Context, u *cvehub.User) error
}

// TokenStore persists refresh tokens. Revocation is one-way.
type TokenStore interface {
	InsertToken(ctx context.Context, t *cvehub.RefreshToken) error
	GetToken(ctx context.Context, token string) (*cvehub.RefreshToken, error)
	// RevokeToken marks a token revoked. Revoking an already-revoked
	// token yields an error of kind [cvehub.ErrConflict].
	RevokeToken(ctx context.Context, token string) error
}

// NotificationOpts pages and filters a notification list query.
type NotificationOpts struct {
	RecipientID string
	Status      cvehub.NotificationStatus
	Skip        int
	Limit       int
}

// NotificationStore is the storage surface for notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *cvehub.Notification) error
	ListNotifications(ctx context.Context, opts NotificationOpts) (int64, []cvehub.Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
	// MarkDelivered flips the delivered flag after a successful push.
	MarkDelivered(ctx context.Context, id string) error
	// MarkRead marks one notification read, checking recipient ownership.
	MarkRead(ctx context.Context, recipientID, id string, at time.Time) error
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) error
	// DeleteOlderThan removes notifications created before the cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ActivityOpts filters a combined activity query. TargetTypes and Actions
// are OR-ed within themselves.
type ActivityOpts struct {
	Username    string
	TargetTypes []cvehub.ActivityTarget
	Actions     []cvehub.ActivityAction
	TargetID    string
	Since       time.Time
	Until       time.Time
	Page        int
	Limit       int
}

// ActivityStore is the append-only audit log surface.
type ActivityStore interface {
	InsertActivity(ctx context.Context, a *cvehub.UserActivity) error
	// QueryActivities pages matching records newest first.
	QueryActivities(ctx context.Context, opts ActivityOpts) (int64, []cvehub.UserActivity, error)
}

// StateStore persists small singleton key-value documents, currently the
// per-crawler last-success map.
type StateStore interface {
	// LastUpdates loads the crawler_last_updates document, creating it
	// empty if absent.
	LastUpdates(ctx context.Context) (map[string]time.Time, error)
	SetLastUpdate(ctx context.Context, crawler string, at time.Time) error
}

// Store aggregates every storage surface, for composition roots that wire
// one backend to all consumers.
type Store interface {
	CVEStore
	UserStore
	TokenStore
	NotificationStore
	ActivityStore
	StateStore
}
