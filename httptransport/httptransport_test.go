package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/auth"
	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/engine"
	"github.com/cvelab/cvehub/test"
)

// fakeCVEStore is an in-memory CVEStore with JSON-merge partial updates,
// enough to drive the engine under the handlers.
type fakeCVEStore struct {
	docs map[string]*cvehub.CVE
}

var _ datastore.CVEStore = (*fakeCVEStore)(nil)

func newFakeCVEStore() *fakeCVEStore {
	return &fakeCVEStore{docs: make(map[string]*cvehub.CVE)}
}

func (s *fakeCVEStore) Get(_ context.Context, id string) (*cvehub.CVE, error) {
	c, ok := s.docs[strings.ToUpper(id)]
	if !ok {
		return nil, &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCVEStore) List(_ context.Context, opts datastore.ListOpts) (int64, []cvehub.CVE, error) {
	var out []cvehub.CVE
	for _, c := range s.docs {
		if opts.Search != "" && !strings.Contains(strings.ToLower(c.ID), strings.ToLower(opts.Search)) {
			continue
		}
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		if opts.HasSeverity && c.Severity != opts.Severity {
			continue
		}
		out = append(out, *c)
	}
	return int64(len(out)), out, nil
}

func (s *fakeCVEStore) Create(_ context.Context, c *cvehub.CVE) error {
	if _, ok := s.docs[c.ID]; ok {
		return &cvehub.Error{Kind: cvehub.ErrConflict, Message: c.ID}
	}
	cp := *c
	s.docs[c.ID] = &cp
	return nil
}

func (s *fakeCVEStore) UpdateFields(_ context.Context, id string, fields map[string]any, entry *cvehub.ModificationHistory) error {
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

func (s *fakeCVEStore) Replace(_ context.Context, id string, c *cvehub.CVE) error {
	if _, ok := s.docs[strings.ToUpper(id)]; !ok {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	cp := *c
	s.docs[strings.ToUpper(id)] = &cp
	return nil
}

func (s *fakeCVEStore) Delete(_ context.Context, id string) error {
	if _, ok := s.docs[strings.ToUpper(id)]; !ok {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	delete(s.docs, strings.ToUpper(id))
	return nil
}

func (s *fakeCVEStore) Stats(_ context.Context) (*datastore.Stats, error) {
	return &datastore.Stats{TotalCount: int64(len(s.docs))}, nil
}

func (s *fakeCVEStore) RecentHistory(_ context.Context, opts datastore.HistoryOpts) (int64, []datastore.HistoryEntry, error) {
	var out []datastore.HistoryEntry
	for _, c := range s.docs {
		for _, h := range c.ModificationHistory {
			if h.ModifiedAt.Before(opts.Since) {
				continue
			}
			if len(opts.Usernames) > 0 {
				keep := false
				for _, u := range opts.Usernames {
					if u == h.Username {
						keep = true
						break
					}
				}
				if !keep {
					continue
				}
			}
			out = append(out, datastore.HistoryEntry{
				CVEID:      c.ID,
				Title:      c.Title,
				Username:   h.Username,
				ModifiedAt: h.ModifiedAt,
				Changes:    h.Changes,
			})
		}
	}
	return int64(len(out)), out, nil
}

func (s *fakeCVEStore) HistoryStats(_ context.Context, since time.Time) (*datastore.HistoryStats, error) {
	stats := &datastore.HistoryStats{
		ByUser:  make(map[string]int64),
		ByField: make(map[string]int64),
		ByDay:   make(map[string]int64),
	}
	for _, c := range s.docs {
		for _, h := range c.ModificationHistory {
			if h.ModifiedAt.Before(since) {
				continue
			}
			stats.Total++
			stats.ByUser[h.Username]++
		}
	}
	return stats, nil
}

// fakeAuthStore backs the auth service.
type fakeAuthStore struct {
	users  map[string]*cvehub.User
	tokens map[string]*cvehub.RefreshToken
}

var _ auth.Store = (*fakeAuthStore)(nil)

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		users:  make(map[string]*cvehub.User),
		tokens: make(map[string]*cvehub.RefreshToken),
	}
}

func (s *fakeAuthStore) GetUser(_ context.Context, username string) (*cvehub.User, error) {
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, &cvehub.Error{Kind: cvehub.ErrNotFound, Message: username}
}

func (s *fakeAuthStore) GetUserByID(_ context.Context, id string) (*cvehub.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, &cvehub.Error{Kind: cvehub.ErrNotFound, Message: id}
	}
	cp := *u
	return &cp, nil
}

func (s *fakeAuthStore) CreateUser(_ context.Context, u *cvehub.User) error {
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeAuthStore) InsertToken(_ context.Context, t *cvehub.RefreshToken) error {
	cp := *t
	s.tokens[t.Token] = &cp
	return nil
}

func (s *fakeAuthStore) GetToken(_ context.Context, token string) (*cvehub.RefreshToken, error) {
	t, ok := s.tokens[token]
	if !ok {
		return nil, &cvehub.Error{Kind: cvehub.ErrNotFound, Message: "no such token"}
	}
	cp := *t
	return &cp, nil
}

func (s *fakeAuthStore) RevokeToken(_ context.Context, token string) error {
	t, ok := s.tokens[token]
	if !ok {
		return &cvehub.Error{Kind: cvehub.ErrNotFound, Message: "no such token"}
	}
	if t.IsRevoked {
		return &cvehub.Error{Kind: cvehub.ErrConflict, Message: "already revoked"}
	}
	t.IsRevoked = true
	return nil
}

type env struct {
	srv   *Server
	cves  *fakeCVEStore
	users *fakeAuthStore
	auth  *auth.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cves := newFakeCVEStore()
	users := newFakeAuthStore()
	authSvc := auth.New(users, []byte("test-secret"), auth.Opts{})
	srv, err := New(Opts{
		Engine: engine.New(cves, engine.Opts{}),
		Auth:   authSvc,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &env{srv: srv, cves: cves, users: users, auth: authSvc}
}

// call runs one request through the router.
func (e *env) call(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req = req.WithContext(test.Logging(t))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func (e *env) signup(t *testing.T, username string) string {
	t.Helper()
	w := e.call(t, http.MethodPost, "/auth/signup", "", map[string]string{
		"username": username,
		"password": "correct-horse",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup: %d: %s", w.Code, w.Body)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

func TestUnauthenticated(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	w := e.call(t, http.MethodGet, "/cves", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("WWW-Authenticate: %q", got)
	}
}

func TestSignupValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	w := e.call(t, http.MethodPost, "/auth/signup", "", map[string]string{"username": "alice"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), "Password") {
		t.Errorf("body names no offending field: %s", w.Body)
	}
}

func TestCVELifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tok := e.signup(t, "alice")

	w := e.call(t, http.MethodPost, "/cves", tok, map[string]string{
		"cve_id":   "cve-2024-1234",
		"title":    "t",
		"severity": "HIGH",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body)
	}
	var created cvehub.CVE
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "CVE-2024-1234" || created.Severity != cvehub.High || created.Status != cvehub.StatusNew {
		t.Errorf("created: %+v", created)
	}

	w = e.call(t, http.MethodGet, "/cves?search=1234", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if got := w.Header().Get("X-Total-Count"); got != "1" {
		t.Errorf("X-Total-Count: %q", got)
	}

	w = e.call(t, http.MethodPatch, "/cves/CVE-2024-1234", tok, map[string]string{"status": "analyzing"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: %d: %s", w.Code, w.Body)
	}
	var patched cvehub.CVE
	if err := json.Unmarshal(w.Body.Bytes(), &patched); err != nil {
		t.Fatal(err)
	}
	if patched.Status != cvehub.StatusAnalyzing {
		t.Errorf("status: %q", patched.Status)
	}
	// Creation plus one edit.
	if len(patched.ModificationHistory) != 2 {
		t.Errorf("history length: %d", len(patched.ModificationHistory))
	}

	w = e.call(t, http.MethodDelete, "/cves/CVE-2024-1234", tok, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin delete: %d, want 403", w.Code)
	}
}

// Unknown is a legal stored severity, so filtering on it must narrow the
// list rather than degrade into no filter at all.
func TestSeverityFilterUnknown(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tok := e.signup(t, "alice")

	for _, c := range []map[string]string{
		{"cve_id": "CVE-2024-0301", "severity": "high"},
		{"cve_id": "CVE-2024-0302"},
	} {
		if w := e.call(t, http.MethodPost, "/cves", tok, c); w.Code != http.StatusCreated {
			t.Fatalf("create: %d: %s", w.Code, w.Body)
		}
	}

	w := e.call(t, http.MethodGet, "/cves?severity=unknown", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d: %s", w.Code, w.Body)
	}
	var res struct {
		Total int64        `json:"total"`
		Items []cvehub.CVE `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || len(res.Items) != 1 || res.Items[0].ID != "CVE-2024-0302" {
		t.Errorf("filtered list: %s", w.Body)
	}

	// No severity parameter still means no filter.
	w = e.call(t, http.MethodGet, "/cves", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if got := w.Header().Get("X-Total-Count"); got != "2" {
		t.Errorf("X-Total-Count: %q", got)
	}
}

func TestLockContention(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	alice := e.signup(t, "alice")
	bob := e.signup(t, "bob")

	w := e.call(t, http.MethodPost, "/cves", alice, map[string]string{"cve_id": "CVE-2024-0001"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body)
	}
	if w = e.call(t, http.MethodPost, "/cves/CVE-2024-0001/lock", alice, nil); w.Code != http.StatusOK {
		t.Fatalf("acquire: %d: %s", w.Code, w.Body)
	}

	w = e.call(t, http.MethodPost, "/cves/CVE-2024-0001/lock", bob, nil)
	if w.Code != http.StatusLocked {
		t.Fatalf("contended acquire: %d, want 423", w.Code)
	}
	var body struct {
		ErrorCode string `json:"error_code"`
		Errors    struct {
			LockedBy string `json:"locked_by"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ErrorCode != "locked" || body.Errors.LockedBy != "alice" {
		t.Errorf("body: %s", w.Body)
	}

	if w = e.call(t, http.MethodDelete, "/cves/CVE-2024-0001/lock", alice, nil); w.Code != http.StatusOK {
		t.Fatalf("release: %d: %s", w.Code, w.Body)
	}
	if w = e.call(t, http.MethodPost, "/cves/CVE-2024-0001/lock", bob, nil); w.Code != http.StatusOK {
		t.Fatalf("acquire after release: %d: %s", w.Code, w.Body)
	}
}

func TestAdminDelete(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.signup(t, "root")
	for _, u := range e.users.users {
		if u.Username == "root" {
			u.IsAdmin = true
		}
	}
	// Re-login so the token carries the admin claim.
	w := e.call(t, http.MethodPost, "/auth/token", "", map[string]string{
		"username": "root",
		"password": "correct-horse",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d: %s", w.Code, w.Body)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}
	root = pair.AccessToken

	if w = e.call(t, http.MethodPost, "/cves", root, map[string]string{"cve_id": "CVE-2024-0002"}); w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body)
	}
	if w = e.call(t, http.MethodDelete, "/cves/CVE-2024-0002", root, nil); w.Code != http.StatusOK {
		t.Fatalf("admin delete: %d: %s", w.Code, w.Body)
	}
	if w = e.call(t, http.MethodGet, "/cves/CVE-2024-0002", root, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d, want 404", w.Code)
	}
}

func TestMe(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tok := e.signup(t, "alice")
	w := e.call(t, http.MethodGet, "/auth/me", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d: %s", w.Code, w.Body)
	}
	var u cvehub.User
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	if u.Username != "alice" {
		t.Errorf("user: %+v", u)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Errorf("password material leaked: %s", w.Body)
	}
}

func TestRecentHistoryFilters(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tok := e.signup(t, "alice")

	if w := e.call(t, http.MethodPost, "/cves", tok, map[string]string{"cve_id": "CVE-2024-0100"}); w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body)
	}
	w := e.call(t, http.MethodGet, "/update-history/recent?days=1&username=alice", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recent: %d: %s", w.Code, w.Body)
	}
	var body struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 {
		t.Errorf("total: %d, want 1 (%s)", body.Total, w.Body)
	}

	w = e.call(t, http.MethodGet, "/update-history/recent?days=1&username=nobody", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recent: %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 0 {
		t.Errorf("total: %d, want 0", body.Total)
	}
}

func TestCommentEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tok := e.signup(t, "alice")

	if w := e.call(t, http.MethodPost, "/cves", tok, map[string]string{"cve_id": "CVE-2024-0200"}); w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body)
	}
	w := e.call(t, http.MethodPost, "/cves/CVE-2024-0200/comments", tok, map[string]string{"content": "ping @bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add comment: %d: %s", w.Code, w.Body)
	}
	var c cvehub.Comment
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatal(err)
	}
	if len(c.Mentions) != 1 || c.Mentions[0] != "bob" {
		t.Errorf("mentions: %v", c.Mentions)
	}

	path := fmt.Sprintf("/cves/CVE-2024-0200/comments/%s", c.ID)
	if w = e.call(t, http.MethodPut, path, tok, map[string]string{"content": "edited"}); w.Code != http.StatusOK {
		t.Fatalf("update comment: %d: %s", w.Code, w.Body)
	}
	if w = e.call(t, http.MethodDelete, path, tok, nil); w.Code != http.StatusOK {
		t.Fatalf("delete comment: %d: %s", w.Code, w.Body)
	}
}
