package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/test"
)

// fakeStore is an in-memory CVEStore with the same field-merge semantics
// as the production partial update.
type fakeStore struct {
	docs map[string]*cvehub.CVE

	failUpdate   bool
	updateCalls  int
	replaceCalls int
}

var _ datastore.CVEStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*cvehub.CVE)}
}

func (s *fakeStore) Get(_ context.Context, id string) (*cvehub.CVE, error) {
	c, ok := s.docs[strings.ToUpper(id)]
	if !ok {
		return nil, &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) List(_ context.Context, _ datastore.ListOpts) (int64, []cvehub.CVE, error) {
	var out []cvehub.CVE
	for _, c := range s.docs {
		out = append(out, *c)
	}
	return int64(len(out)), out, nil
}

func (s *fakeStore) Create(_ context.Context, c *cvehub.CVE) error {
	if _, ok := s.docs[c.ID]; ok {
		return &cvehub.Error{Kind: cvehub.ErrConflict, Message: c.ID}
	}
	cp := *c
	s.docs[c.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateFields(_ context.Context, id string, fields map[string]any, entry *cvehub.ModificationHistory) error {
	s.updateCalls++
	if s.failUpdate {
		return fmt.Errorf("synthetic write failure")
	}
	c, ok := s.docs[strings.ToUpper(id)]
	if !ok {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var vv any
		if err := json.Unmarshal(b, &vv); err != nil {
			return err
		}
		m[k] = vv
	}
	if entry != nil {
		hist, _ := m["modification_history"].([]any)
		b, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		var e any
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		m["modification_history"] = append(hist, e)
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var out cvehub.CVE
	if err := json.Unmarshal(merged, &out); err != nil {
		return err
	}
	s.docs[strings.ToUpper(id)] = &out
	return nil
}

func (s *fakeStore) Replace(_ context.Context, id string, c *cvehub.CVE) error {
	s.replaceCalls++
	if _, ok := s.docs[strings.ToUpper(id)]; !ok {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	cp := *c
	s.docs[strings.ToUpper(id)] = &cp
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	if _, ok := s.docs[strings.ToUpper(id)]; !ok {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	delete(s.docs, strings.ToUpper(id))
	return nil
}

func (s *fakeStore) Stats(_ context.Context) (*datastore.Stats, error) {
	return &datastore.Stats{TotalCount: int64(len(s.docs))}, nil
}

func (s *fakeStore) RecentHistory(_ context.Context, _ datastore.HistoryOpts) (int64, []datastore.HistoryEntry, error) {
	return 0, nil, nil
}

func (s *fakeStore) HistoryStats(_ context.Context, _ time.Time) (*datastore.HistoryStats, error) {
	return &datastore.HistoryStats{}, nil
}

func strptr(s string) *string { return &s }

func TestCreate(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})

	got, err := e.Create(ctx, &cvehub.CVE{ID: "cve-2024-1234", Title: "t"}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "CVE-2024-1234" {
		t.Errorf("id not canonicalized: %q", got.ID)
	}
	if got.Status != cvehub.StatusNew {
		t.Errorf("default status: got %q", got.Status)
	}
	if got.CreatedBy != "alice" || got.LastModifiedBy != "alice" {
		t.Errorf("attribution: %q/%q", got.CreatedBy, got.LastModifiedBy)
	}
	if len(got.ModificationHistory) != 1 || got.ModificationHistory[0].Changes[0].Action != cvehub.ActionAdd {
		t.Errorf("missing initial history entry: %+v", got.ModificationHistory)
	}

	_, err = e.Create(ctx, &cvehub.CVE{ID: "CVE-2024-1234"}, "bob")
	if !errors.Is(err, cvehub.ErrConflict) {
		t.Errorf("duplicate create: got %v, want conflict", err)
	}

	_, err = e.Create(ctx, &cvehub.CVE{ID: "not-a-cve"}, "alice")
	if !errors.Is(err, cvehub.ErrInvalid) {
		t.Errorf("malformed id: got %v, want invalid", err)
	}
}

func TestUpdateNoOp(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})
	if _, err := e.Create(ctx, &cvehub.CVE{ID: "CVE-2024-1234", Title: "t"}, "alice"); err != nil {
		t.Fatal(err)
	}
	calls := store.updateCalls

	got, err := e.Update(ctx, "CVE-2024-1234", &Patch{Title: strptr("t")}, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if store.updateCalls != calls {
		t.Error("no-op update must not write")
	}
	if len(got.ModificationHistory) != 1 {
		t.Errorf("no-op update grew history: %d entries", len(got.ModificationHistory))
	}
}

func TestUpdateAppendsHistory(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})
	if _, err := e.Create(ctx, &cvehub.CVE{ID: "CVE-2024-1234"}, "alice"); err != nil {
		t.Fatal(err)
	}

	st := cvehub.StatusAnalyzing
	got, err := e.Update(ctx, "cve-2024-1234", &Patch{Status: &st, AssignedTo: strptr("bob")}, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != cvehub.StatusAnalyzing || got.AssignedTo != "bob" {
		t.Errorf("patch not applied: %+v", got)
	}
	if len(got.ModificationHistory) != 2 {
		t.Fatalf("history: got %d entries, want 2", len(got.ModificationHistory))
	}
	entry := got.ModificationHistory[1]
	if entry.Username != "bob" || len(entry.Changes) != 2 {
		t.Errorf("history entry: %+v", entry)
	}

	stored, err := store.Get(ctx, "CVE-2024-1234")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.ModificationHistory) != 2 {
		t.Errorf("stored history: got %d entries, want 2", len(stored.ModificationHistory))
	}
	if stored.LastModifiedBy != "bob" {
		t.Errorf("stored attribution: %q", stored.LastModifiedBy)
	}
}

func TestUpdateFallsBackToReplace(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})
	if _, err := e.Create(ctx, &cvehub.CVE{ID: "CVE-2024-1234"}, "alice"); err != nil {
		t.Fatal(err)
	}

	store.failUpdate = true
	got, err := e.Update(ctx, "CVE-2024-1234", &Patch{Notes: strptr("n")}, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if store.replaceCalls != 1 {
		t.Errorf("expected one replace fallback, got %d", store.replaceCalls)
	}
	if got.Notes != "n" || len(got.ModificationHistory) != 2 {
		t.Errorf("post-image after fallback: %+v", got)
	}
}

func TestUpsertItemLifecycle(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})

	item := Item{
		CVEID:    "CVE-2024-1234",
		Title:    "upstream title",
		Severity: "Critical",
		References: []cvehub.Reference{
			{URL: "https://example.com/a", Type: cvehub.RefAdvisory},
		},
	}
	status, err := e.UpsertItem(ctx, &item, "Nuclei-Crawler")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusCreated {
		t.Fatalf("got status %q, want created", status)
	}
	c, _ := store.Get(ctx, "CVE-2024-1234")
	if c.Severity != cvehub.Critical {
		t.Errorf("severity not normalized: %v", c.Severity)
	}
	if c.References[0].CreatedBy != "Nuclei-Crawler" {
		t.Errorf("reference audit: %+v", c.References[0])
	}

	// Identical content merges to nothing.
	status, err = e.UpsertItem(ctx, &item, "Nuclei-Crawler")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusUnchanged {
		t.Errorf("got status %q, want unchanged", status)
	}

	// Human edits survive a re-crawl.
	st := cvehub.StatusAnalyzing
	if _, err := e.Update(ctx, "CVE-2024-1234", &Patch{Status: &st, Notes: strptr("triaged")}, "alice"); err != nil {
		t.Fatal(err)
	}
	item.References = append(item.References, cvehub.Reference{URL: "https://example.com/b", Type: cvehub.RefOther})
	if _, err := e.UpsertItem(ctx, &item, "Nuclei-Crawler"); err != nil {
		t.Fatal(err)
	}
	c, _ = store.Get(ctx, "CVE-2024-1234")
	if c.Status != cvehub.StatusAnalyzing || c.Notes != "triaged" {
		t.Errorf("crawler overwrote human fields: status=%q notes=%q", c.Status, c.Notes)
	}
	if len(c.References) != 2 {
		t.Errorf("references not merged: %+v", c.References)
	}
}

func TestUpsertHashShortCircuit(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})

	item := Item{CVEID: "CVE-2024-1234", Title: "t", SourceHash: "abc"}
	if _, err := e.UpsertItem(ctx, &item, "Nuclei-Crawler"); err != nil {
		t.Fatal(err)
	}
	calls := store.updateCalls

	status, err := e.UpsertItem(ctx, &item, "Nuclei-Crawler")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusUnchanged || store.updateCalls != calls {
		t.Errorf("matching digest must skip the write: status=%q calls=%d", status, store.updateCalls)
	}

	// A document predating digest tracking gets only the hash.
	store.docs["CVE-2024-1234"].NucleiHash = ""
	status, err = e.UpsertItem(ctx, &item, "Nuclei-Crawler")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusHashWritten {
		t.Errorf("got status %q, want hash_written", status)
	}
	c, _ := store.Get(ctx, "CVE-2024-1234")
	if c.NucleiHash != "abc" {
		t.Errorf("hash not written: %q", c.NucleiHash)
	}
	if len(c.ModificationHistory) != 1 {
		t.Errorf("hash write must not append history: %d entries", len(c.ModificationHistory))
	}
}

func TestBulkUpsertIsolation(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})

	res := e.BulkUpsert(ctx, []Item{
		{CVEID: "CVE-2024-0001", Title: "a"},
		{CVEID: "bogus"},
		{CVEID: "CVE-2024-0002", Title: "b"},
	}, "Rules-Crawler")

	if len(res.Success) != 2 || len(res.Errors) != 1 {
		t.Fatalf("got %d successes, %d errors", len(res.Success), len(res.Errors))
	}
	if res.Success["CVE-2024-0001"] != StatusCreated || res.Success["CVE-2024-0002"] != StatusCreated {
		t.Errorf("unexpected statuses: %+v", res.Success)
	}
	if _, ok := res.Errors["bogus"]; !ok {
		t.Errorf("missing error for bad id: %+v", res.Errors)
	}
}

func TestEditLock(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})
	if _, err := e.Create(ctx, &cvehub.CVE{ID: "CVE-2024-1234"}, "alice"); err != nil {
		t.Fatal(err)
	}

	lock, err := e.AcquireLock(ctx, "CVE-2024-1234", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !lock.IsLocked || lock.LockedBy != "alice" {
		t.Fatalf("lock: %+v", lock)
	}
	if got := lock.LockExpiresAt.Sub(lock.LockTimestamp); got != cvehub.LockLease {
		t.Errorf("lease: got %v, want %v", got, cvehub.LockLease)
	}

	held, err := e.AcquireLock(ctx, "CVE-2024-1234", "bob")
	if !errors.Is(err, cvehub.ErrLocked) {
		t.Fatalf("contended acquire: got %v, want locked", err)
	}
	if held == nil || held.LockedBy != "alice" {
		t.Errorf("contended acquire must return the current lock: %+v", held)
	}

	// The holder renews freely.
	if _, err := e.AcquireLock(ctx, "CVE-2024-1234", "alice"); err != nil {
		t.Fatal(err)
	}

	if err := e.ReleaseLock(ctx, "CVE-2024-1234", "bob"); !errors.Is(err, cvehub.ErrForbidden) {
		t.Errorf("foreign release: got %v, want forbidden", err)
	}
	if err := e.ReleaseLock(ctx, "CVE-2024-1234", "alice"); err != nil {
		t.Fatal(err)
	}
	c, _ := store.Get(ctx, "CVE-2024-1234")
	if c.Lock.IsLocked {
		t.Errorf("lock not released: %+v", c.Lock)
	}
}

func TestComments(t *testing.T) {
	t.Parallel()
	ctx := test.Logging(t)
	store := newFakeStore()
	e := New(store, Opts{})
	if _, err := e.Create(ctx, &cvehub.CVE{ID: "CVE-2024-1234"}, "alice"); err != nil {
		t.Fatal(err)
	}

	root, err := e.AddComment(ctx, "CVE-2024-1234", "cc @bob please look", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if root.Depth != 0 {
		t.Errorf("root depth: %d", root.Depth)
	}
	if len(root.Mentions) != 1 || root.Mentions[0] != "bob" {
		t.Errorf("mentions: %v", root.Mentions)
	}

	reply, err := e.AddComment(ctx, "CVE-2024-1234", "on it", root.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Depth != 1 {
		t.Errorf("reply depth: %d", reply.Depth)
	}

	// Drive the thread to the cap and check the reject.
	parent := reply
	for parent.Depth < cvehub.MaxCommentDepth {
		parent, err = e.AddComment(ctx, "CVE-2024-1234", "deeper", parent.ID, "bob")
		if err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.AddComment(ctx, "CVE-2024-1234", "too deep", parent.ID, "bob"); !errors.Is(err, cvehub.ErrInvalid) {
		t.Errorf("over-deep reply: got %v, want invalid", err)
	}

	if _, err := e.UpdateComment(ctx, "CVE-2024-1234", root.ID, "edited", "bob"); !errors.Is(err, cvehub.ErrForbidden) {
		t.Errorf("foreign edit: got %v, want forbidden", err)
	}
	if err := e.DeleteComment(ctx, "CVE-2024-1234", root.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	c, _ := store.Get(ctx, "CVE-2024-1234")
	if !c.Comments[0].IsDeleted {
		t.Error("comment not soft-deleted")
	}
	if _, err := e.UpdateComment(ctx, "CVE-2024-1234", root.ID, "edited", "alice"); !errors.Is(err, cvehub.ErrNotFound) {
		t.Errorf("edit of deleted comment: got %v, want not_found", err)
	}
}
