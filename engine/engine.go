// Package engine is the CVE upsert engine: every read and mutation of the
// CVE collection goes through it. Reads are cache-aside; mutations write
// the document store, then run the cache invalidation protocol, emit a
// push event to the CVE's subscribers, and append an audit record. Cache,
// push, and audit failures are logged and never roll back the write.
package engine

import (
	"context"
	"fmt"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/internal/cache"
	"github.com/cvelab/cvehub/push"
)

// Recorder persists audit records for mutations. Implementations must not
// return errors into the write path; they log and drop.
type Recorder interface {
	Record(ctx context.Context, a *cvehub.UserActivity)
}

// Opts carries the optional collaborators of an Engine. Any of them may be
// nil; the engine then skips that concern.
type Opts struct {
	Cache    *cache.Cache
	Push     push.Emitter
	Activity Recorder
}

// Engine coordinates the CVE store with its cache, push, and audit
// side effects.
type Engine struct {
	store    datastore.CVEStore
	cache    *cache.Cache
	push     push.Emitter
	activity Recorder
}

// New returns an Engine over the given store.
func New(store datastore.CVEStore, opts Opts) *Engine {
	return &Engine{
		store:    store,
		cache:    opts.Cache,
		push:     opts.Push,
		activity: opts.Activity,
	}
}

// ListResult is one page of CVEs.
type ListResult struct {
	Total int64        `json:"total"`
	Items []cvehub.CVE `json:"items"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// MaxPageSize caps the limit parameter on list queries.
const MaxPageSize = 100

func listKey(opts datastore.ListOpts) string {
	// An absent severity filter must not share a key with an explicit
	// severity=unknown filter.
	sev := ""
	if opts.HasSeverity {
		sev = opts.Severity.String()
	}
	return fmt.Sprintf("%spage=%d:limit=%d:status=%s:severity=%s:search=%s",
		cache.PrefixCVEList, opts.Page, opts.Limit, opts.Status, sev, opts.Search)
}

// GetList returns one page of CVEs projected down to list-view fields,
// ordered by last_modified_at desc, created_at desc.
func (e *Engine) GetList(ctx context.Context, opts datastore.ListOpts) (*ListResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.GetList")
	if opts.Page <= 0 {
		opts.Page = 1
	}
	switch {
	case opts.Limit <= 0:
		opts.Limit = 10
	case opts.Limit > MaxPageSize:
		opts.Limit = MaxPageSize
	}

	key := listKey(opts)
	var out ListResult
	if e.cache != nil && e.cache.Get(ctx, key, &out) {
		return &out, nil
	}

	total, items, err := e.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []cvehub.CVE{}
	}
	out = ListResult{Total: total, Items: items, Page: opts.Page, Limit: opts.Limit}
	if e.cache != nil {
		e.cache.Set(ctx, key, &out, cache.TTLList)
	}
	return &out, nil
}

// GetDetail returns the full document. The id is matched
// case-insensitively.
func (e *Engine) GetDetail(ctx context.Context, id string) (*cvehub.CVE, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.GetDetail")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.GetDetail",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}

	key := cache.PrefixCVEDetail + id
	var c cvehub.CVE
	if e.cache != nil && e.cache.Get(ctx, key, &c) {
		return &c, nil
	}

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, key, cur, cache.TTLDetail)
	}
	return cur, nil
}

// Stats returns the dashboard counters.
func (e *Engine) Stats(ctx context.Context) (*datastore.Stats, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.Stats")
	key := cache.PrefixStats + "cve"
	var out datastore.Stats
	if e.cache != nil && e.cache.Get(ctx, key, &out) {
		return &out, nil
	}
	st, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, key, st, cache.TTLStats)
	}
	return st, nil
}

// invalidate runs the invalidation protocol for a committed mutation and
// broadcasts the outcome. Comment-only mutations drop just the detail key
// so list ordering stays cached.
func (e *Engine) invalidate(ctx context.Context, id string, detailOnly bool) {
	if e.cache == nil {
		return
	}
	var inv cache.Invalidation
	if detailOnly {
		inv = e.cache.InvalidateCVEDetail(ctx, id)
	} else {
		inv = e.cache.InvalidateCVE(ctx, id)
		e.cache.Delete(ctx, cache.PrefixStats+"cve")
	}
	if e.push != nil {
		e.push.Broadcast(ctx, cvehub.EventCacheInvalidated, inv)
	}
}

// emit fans an event out to the CVE's subscribers.
func (e *Engine) emit(ctx context.Context, id, event string, data map[string]any) {
	if e.push == nil {
		return
	}
	e.push.ToCVESubscribers(ctx, id, event, data)
}

// record appends an audit record.
func (e *Engine) record(ctx context.Context, username string, action cvehub.ActivityAction, target cvehub.ActivityTarget, targetID, title string, changes []cvehub.ChangeRecord) {
	if e.activity == nil {
		return
	}
	e.activity.Record(ctx, &cvehub.UserActivity{
		Username:    username,
		Timestamp:   cvehub.Now(),
		Action:      action,
		TargetType:  target,
		TargetID:    targetID,
		TargetTitle: title,
		Changes:     changes,
	})
}
