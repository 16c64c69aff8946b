package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/diff"
)

// Item is the canonical shape every crawler produces for one CVE.
type Item struct {
	CVEID       string
	Title       string
	Description string
	// Severity is the raw upstream token; it is normalized on ingest.
	Severity   string
	References []cvehub.Reference
	PoCs       []cvehub.ProofOfConcept
	SnortRules []cvehub.SnortRule
	// SourceHash is an opaque upstream content digest. When set, a
	// matching stored digest short-circuits the whole write.
	SourceHash string
}

// Upsert statuses reported per item.
const (
	StatusCreated     = "created"
	StatusUpdated     = "updated"
	StatusUnchanged   = "unchanged"
	StatusHashWritten = "hash_written"
)

// UpsertItem merges one crawled item into the store under the source
// identity. Human-editable fields (status, assignee, notes, comments,
// history) on an existing document are never overwritten; the item only
// merges into its source-owned collections and refreshes attribution.
func (e *Engine) UpsertItem(ctx context.Context, item *Item, source string) (string, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.UpsertItem")
	id, ok := cvehub.NormalizeCVEID(item.CVEID)
	if !ok {
		return "", &cvehub.Error{
			Op:      "engine/Engine.UpsertItem",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", item.CVEID),
		}
	}

	cur, err := e.store.Get(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, cvehub.ErrNotFound):
		return e.createFromItem(ctx, id, item, source)
	default:
		return "", err
	}

	if item.SourceHash != "" && cur.NucleiHash == item.SourceHash {
		return StatusUnchanged, nil
	}
	if item.SourceHash != "" && cur.NucleiHash == "" {
		// First sighting of a digest for a document that predates digest
		// tracking: record the hash without touching content.
		if err := e.store.UpdateFields(ctx, id, map[string]any{"nuclei_hash": item.SourceHash}, nil); err != nil {
			return "", err
		}
		e.invalidate(ctx, id, false)
		return StatusHashWritten, nil
	}

	now := cvehub.Now()
	post := *cur
	if item.Title != "" {
		post.Title = item.Title
	}
	if item.Description != "" {
		post.Description = item.Description
	}
	if sev := cvehub.NormalizeSeverity(item.Severity); sev != cvehub.Unknown {
		post.Severity = sev
	}
	if item.SourceHash != "" {
		post.NucleiHash = item.SourceHash
	}
	post.References = mergeReferences(cur.References, item.References, source, now)
	post.PoCs = mergePoCs(cur.PoCs, item.PoCs, source, now)
	post.SnortRules = mergeSnortRules(cur.SnortRules, item.SnortRules, source, now)

	changes := diff.Changes(cur, &post)
	if len(changes) == 0 {
		return StatusUnchanged, nil
	}

	post.LastModifiedAt = now
	post.LastModifiedBy = source
	entry := cvehub.ModificationHistory{Username: source, ModifiedAt: now, Changes: changes}
	post.ModificationHistory = append(slices.Clone(cur.ModificationHistory), entry)

	fields := map[string]any{
		"last_modified_at": now,
		"last_modified_by": source,
	}
	for _, ch := range changes {
		if v, ok := fieldValue(&post, ch.Field); ok {
			fields[ch.Field] = v
		}
	}
	if err := e.store.UpdateFields(ctx, id, fields, &entry); err != nil {
		zlog.Warn(ctx).Err(err).Str("cve_id", id).Msg("partial upsert failed, replacing document")
		normalizeDoc(&post)
		if err := e.store.Replace(ctx, id, &post); err != nil {
			return "", err
		}
	}

	e.invalidate(ctx, id, false)
	e.emit(ctx, id, cvehub.EventCVEUpdated, map[string]any{
		"cve_id":     id,
		"updated_by": source,
		"changes":    changes,
	})
	e.record(ctx, source, cvehub.ActivityUpdate, cvehub.TargetCVE, id, post.Title, changes)
	return StatusUpdated, nil
}

func (e *Engine) createFromItem(ctx context.Context, id string, item *Item, source string) (string, error) {
	c := cvehub.CVE{
		ID:          id,
		Title:       item.Title,
		Description: item.Description,
		Severity:    cvehub.NormalizeSeverity(item.Severity),
		NucleiHash:  item.SourceHash,
		References:  item.References,
		PoCs:        item.PoCs,
		SnortRules:  item.SnortRules,
	}
	now := cvehub.Now()
	for i := range c.References {
		c.References[i].Audit = cvehub.NewAudit(source, now)
	}
	for i := range c.PoCs {
		c.PoCs[i].Audit = cvehub.NewAudit(source, now)
	}
	for i := range c.SnortRules {
		c.SnortRules[i].Audit = cvehub.NewAudit(source, now)
	}
	if _, err := e.Create(ctx, &c, source); err != nil {
		return "", err
	}
	return StatusCreated, nil
}

// BulkResult maps each item's id to its upsert status or failure message.
type BulkResult struct {
	Success map[string]string `json:"success"`
	Errors  map[string]string `json:"errors"`
}

// BulkUpsert merges a batch of items. A single item's failure is recorded
// and never aborts the rest of the batch.
func (e *Engine) BulkUpsert(ctx context.Context, items []Item, source string) *BulkResult {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.BulkUpsert")
	out := &BulkResult{
		Success: make(map[string]string, len(items)),
		Errors:  make(map[string]string),
	}
	for i := range items {
		item := &items[i]
		status, err := e.UpsertItem(ctx, item, source)
		if err != nil {
			zlog.Warn(ctx).Err(err).Str("cve_id", item.CVEID).Msg("upsert failed")
			out.Errors[item.CVEID] = err.Error()
			continue
		}
		out.Success[item.CVEID] = status
	}
	return out
}

// mergeReferences dedupes by URL. New entries get the source's audit
// quadruple; an existing entry is rewritten only when its type or
// description differs, in which case the later write wins.
func mergeReferences(old, add []cvehub.Reference, source string, now time.Time) []cvehub.Reference {
	out := slices.Clone(old)
	for _, r := range add {
		i := slices.IndexFunc(out, func(o cvehub.Reference) bool { return o.URL == r.URL })
		if i < 0 {
			r.Audit = cvehub.NewAudit(source, now)
			out = append(out, r)
			continue
		}
		if out[i].Type != r.Type || out[i].Description != r.Description {
			out[i].Type = r.Type
			out[i].Description = r.Description
			out[i].LastModifiedAt = now
			out[i].LastModifiedBy = source
		}
	}
	return out
}

// mergePoCs dedupes by URL; existing entries are left untouched.
func mergePoCs(old, add []cvehub.ProofOfConcept, source string, now time.Time) []cvehub.ProofOfConcept {
	out := slices.Clone(old)
	for _, p := range add {
		if slices.IndexFunc(out, func(o cvehub.ProofOfConcept) bool { return o.URL == p.URL }) >= 0 {
			continue
		}
		p.Audit = cvehub.NewAudit(source, now)
		out = append(out, p)
	}
	return out
}

// mergeSnortRules dedupes by SID; a re-ingested SID replaces the rule
// body, upstream being authoritative for its own rules.
func mergeSnortRules(old, add []cvehub.SnortRule, source string, now time.Time) []cvehub.SnortRule {
	out := slices.Clone(old)
	for _, r := range add {
		i := -1
		if r.SID != "" {
			i = slices.IndexFunc(out, func(o cvehub.SnortRule) bool { return o.SID == r.SID })
		} else {
			i = slices.IndexFunc(out, func(o cvehub.SnortRule) bool { return o.Rule == r.Rule })
		}
		if i < 0 {
			r.Audit = cvehub.NewAudit(source, now)
			out = append(out, r)
			continue
		}
		if out[i].Rule != r.Rule || out[i].Type != r.Type || out[i].Description != r.Description {
			out[i].Rule = r.Rule
			out[i].Type = r.Type
			out[i].Description = r.Description
			out[i].LastModifiedAt = now
			out[i].LastModifiedBy = source
		}
	}
	return out
}
