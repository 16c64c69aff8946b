package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/test"
)

type fakeStore struct {
	rows map[string]*cvehub.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*cvehub.Notification)}
}

func (s *fakeStore) InsertNotification(_ context.Context, n *cvehub.Notification) error {
	cp := *n
	s.rows[n.ID] = &cp
	return nil
}

func (s *fakeStore) ListNotifications(_ context.Context, opts datastore.NotificationOpts) (int64, []cvehub.Notification, error) {
	var out []cvehub.Notification
	for _, n := range s.rows {
		if n.RecipientID != opts.RecipientID {
			continue
		}
		if opts.Status != "" && n.Status != opts.Status {
			continue
		}
		out = append(out, *n)
	}
	return int64(len(out)), out, nil
}

func (s *fakeStore) UnreadCount(_ context.Context, recipient string) (int64, error) {
	var n int64
	for _, row := range s.rows {
		if row.RecipientID == recipient && row.Status == cvehub.NotificationUnread {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id string) error {
	row, ok := s.rows[id]
	if !ok {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	row.Delivered = true
	return nil
}

func (s *fakeStore) MarkRead(_ context.Context, recipient, id string, at time.Time) error {
	row, ok := s.rows[id]
	if !ok || row.RecipientID != recipient {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	row.Status = cvehub.NotificationRead
	row.ReadAt = at
	return nil
}

func (s *fakeStore) MarkAllRead(_ context.Context, recipient string, at time.Time) error {
	for _, row := range s.rows {
		if row.RecipientID == recipient && row.Status == cvehub.NotificationUnread {
			row.Status = cvehub.NotificationRead
			row.ReadAt = at
		}
	}
	return nil
}

func (s *fakeStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, row := range s.rows {
		if row.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

type captureEmitter struct {
	events []capturedEvent
}

type capturedEvent struct {
	To    string
	Event string
	Data  any
}

func (e *captureEmitter) ToSession(_ context.Context, sid, event string, data any) {
	e.events = append(e.events, capturedEvent{sid, event, data})
}

func (e *captureEmitter) ToUser(_ context.Context, username, event string, data any) {
	e.events = append(e.events, capturedEvent{username, event, data})
}

func (e *captureEmitter) ToCVESubscribers(_ context.Context, cveID, event string, data any) {
	e.events = append(e.events, capturedEvent{cveID, event, data})
}

func (e *captureEmitter) Broadcast(_ context.Context, event string, data any) {
	e.events = append(e.events, capturedEvent{"*", event, data})
}

type fakePresence map[string][]string

func (p fakePresence) UserSIDs(username string) []string { return p[username] }

func TestNotifyDeliversToLiveSessions(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	emit := &captureEmitter{}
	e := New(store, emit, fakePresence{"bob": {"sid-1"}})

	n := cvehub.Notification{RecipientID: "bob", Type: cvehub.NotifyMention, Content: "hi"}
	if err := e.Notify(ctx, &n); err != nil {
		t.Fatal(err)
	}
	if !n.Delivered {
		t.Error("expected delivered flag")
	}
	if !store.rows[n.ID].Delivered {
		t.Error("delivered flag not persisted")
	}
	if len(emit.events) != 1 || emit.events[0].Event != cvehub.EventNotification || emit.events[0].To != "bob" {
		t.Errorf("events: %+v", emit.events)
	}
}

func TestNotifyOfflineRecipient(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	emit := &captureEmitter{}
	e := New(store, emit, fakePresence{})

	n := cvehub.Notification{RecipientID: "bob", Type: cvehub.NotifyComment, Content: "hi"}
	if err := e.Notify(ctx, &n); err != nil {
		t.Fatal(err)
	}
	if n.Delivered {
		t.Error("offline recipient must not be marked delivered")
	}
	if len(emit.events) != 0 {
		t.Errorf("unexpected events: %+v", emit.events)
	}
	if n.Status != cvehub.NotificationUnread {
		t.Errorf("status: %q", n.Status)
	}
}

func TestNotifyMentionsSkipsSelf(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, nil, nil)

	e.NotifyMentions(ctx, "CVE-2024-1234", "alice", []string{"alice", "bob"})
	if len(store.rows) != 1 {
		t.Fatalf("got %d notifications, want 1", len(store.rows))
	}
	for _, row := range store.rows {
		if row.RecipientID != "bob" || row.Type != cvehub.NotifyMention {
			t.Errorf("row: %+v", row)
		}
	}
}

func TestMarkReadOwnership(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, nil, nil)

	n := cvehub.Notification{RecipientID: "bob", Type: cvehub.NotifyComment, Content: "hi"}
	if err := e.Notify(ctx, &n); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkRead(ctx, "mallory", n.ID); !errors.Is(err, cvehub.ErrNotFound) {
		t.Errorf("foreign mark-read: got %v", err)
	}
	if err := e.MarkRead(ctx, "bob", n.ID); err != nil {
		t.Fatal(err)
	}
	unread, err := e.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if unread != 0 {
		t.Errorf("unread: %d", unread)
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, nil, nil)

	old := cvehub.Notification{RecipientID: "bob", Content: "old", CreatedAt: cvehub.Now().AddDate(0, 0, -RetentionDays-1)}
	fresh := cvehub.Notification{RecipientID: "bob", Content: "fresh"}
	if err := e.Notify(ctx, &old); err != nil {
		t.Fatal(err)
	}
	if err := e.Notify(ctx, &fresh); err != nil {
		t.Fatal(err)
	}

	n, err := e.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(store.rows) != 1 {
		t.Errorf("purged %d, %d rows remain", n, len(store.rows))
	}
}
