// Package activity is the append-only audit trail: a Recorder that
// mutation sites write through, and the query surface over the recorded
// stream.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
)

// Recorder persists audit records. Record never fails into the caller's
// write path: storage errors are logged and dropped.
type Recorder struct {
	store datastore.ActivityStore
}

// NewRecorder returns a Recorder over the given store.
func NewRecorder(store datastore.ActivityStore) *Recorder {
	return &Recorder{store: store}
}

// Record fills in identity and timestamp when absent and persists the
// record.
func (r *Recorder) Record(ctx context.Context, a *cvehub.UserActivity) {
	ctx = zlog.ContextWithValues(ctx, "component", "activity/Recorder.Record")
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = cvehub.Now()
	}
	if err := r.store.InsertActivity(ctx, a); err != nil {
		zlog.Warn(ctx).
			Err(err).
			Str("username", a.Username).
			Str("action", string(a.Action)).
			Str("target", string(a.TargetType)).
			Msg("failed to record activity")
	}
}

// Page is one page of activity records.
type Page struct {
	Total int64                 `json:"total"`
	Items []cvehub.UserActivity `json:"items"`
}

// Service is the query surface over recorded activity.
type Service struct {
	store datastore.ActivityStore
}

// NewService returns a Service over the given store.
func NewService(store datastore.ActivityStore) *Service {
	return &Service{store: store}
}

// ByUser pages one user's records, newest first.
func (s *Service) ByUser(ctx context.Context, username string, page, limit int) (*Page, error) {
	return s.Query(ctx, datastore.ActivityOpts{
		Username: username,
		Page:     page,
		Limit:    limit,
	})
}

// ByTarget pages the records about one object, newest first.
func (s *Service) ByTarget(ctx context.Context, target cvehub.ActivityTarget, targetID string, page, limit int) (*Page, error) {
	return s.Query(ctx, datastore.ActivityOpts{
		TargetTypes: []cvehub.ActivityTarget{target},
		TargetID:    targetID,
		Page:        page,
		Limit:       limit,
	})
}

// Query runs the combined filter. Target types and actions OR within
// themselves; everything else ANDs.
func (s *Service) Query(ctx context.Context, opts datastore.ActivityOpts) (*Page, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}
	total, items, err := s.store.QueryActivities(ctx, opts)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []cvehub.UserActivity{}
	}
	return &Page{Total: total, Items: items}, nil
}

// LoginRecord builds the audit record for a session start.
func LoginRecord(username string, at time.Time) *cvehub.UserActivity {
	return &cvehub.UserActivity{
		Username:   username,
		Timestamp:  at,
		Action:     cvehub.ActivityLogin,
		TargetType: cvehub.TargetUser,
		TargetID:   username,
	}
}

// LogoutRecord builds the audit record for a session end.
func LogoutRecord(username string, at time.Time) *cvehub.UserActivity {
	return &cvehub.UserActivity{
		Username:   username,
		Timestamp:  at,
		Action:     cvehub.ActivityLogout,
		TargetType: cvehub.TargetUser,
		TargetID:   username,
	}
}
