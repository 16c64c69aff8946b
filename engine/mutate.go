package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/diff"
)

// Patch is a partial update of a CVE. Nil fields are left untouched;
// non-nil scalars and non-nil slices overwrite.
type Patch struct {
	Title       *string                 `json:"title,omitempty"`
	Description *string                 `json:"description,omitempty"`
	Status      *cvehub.Status          `json:"status,omitempty"`
	AssignedTo  *string                 `json:"assigned_to,omitempty"`
	Severity    *string                 `json:"severity,omitempty"`
	Notes       *string                 `json:"notes,omitempty"`
	NucleiHash  *string                 `json:"nuclei_hash,omitempty"`
	References  []cvehub.Reference      `json:"references,omitempty"`
	PoCs        []cvehub.ProofOfConcept `json:"pocs,omitempty"`
	SnortRules  []cvehub.SnortRule      `json:"snort_rules,omitempty"`
}

func (p *Patch) apply(c *cvehub.CVE) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.AssignedTo != nil {
		c.AssignedTo = *p.AssignedTo
	}
	if p.Severity != nil {
		c.Severity = cvehub.NormalizeSeverity(*p.Severity)
	}
	if p.Notes != nil {
		c.Notes = *p.Notes
	}
	if p.NucleiHash != nil {
		c.NucleiHash = *p.NucleiHash
	}
	if p.References != nil {
		c.References = p.References
	}
	if p.PoCs != nil {
		c.PoCs = p.PoCs
	}
	if p.SnortRules != nil {
		c.SnortRules = p.SnortRules
	}
}

// normalizeDoc canonicalizes a document before a whole-document write:
// empty collections are arrays, never null.
func normalizeDoc(c *cvehub.CVE) {
	if c.References == nil {
		c.References = []cvehub.Reference{}
	}
	if c.PoCs == nil {
		c.PoCs = []cvehub.ProofOfConcept{}
	}
	if c.SnortRules == nil {
		c.SnortRules = []cvehub.SnortRule{}
	}
	if c.Comments == nil {
		c.Comments = []cvehub.Comment{}
	}
	if c.ModificationHistory == nil {
		c.ModificationHistory = []cvehub.ModificationHistory{}
	}
}

// fieldValue resolves a diffed field name to its post-image value for a
// partial write. Enum-valued fields serialize as their wire strings so the
// synced columns stay aligned with the document.
func fieldValue(c *cvehub.CVE, field string) (any, bool) {
	switch field {
	case "title":
		return c.Title, true
	case "description":
		return c.Description, true
	case "status":
		return string(c.Status), true
	case "assigned_to":
		return c.AssignedTo, true
	case "severity":
		return c.Severity.String(), true
	case "notes":
		return c.Notes, true
	case "nuclei_hash":
		return c.NucleiHash, true
	case "references":
		return c.References, true
	case "pocs":
		return c.PoCs, true
	case "snort_rules":
		return c.SnortRules, true
	case "comments":
		return c.Comments, true
	}
	return nil, false
}

// Create inserts a new document. A duplicate id yields an error of kind
// [cvehub.ErrConflict].
func (e *Engine) Create(ctx context.Context, c *cvehub.CVE, creator string) (*cvehub.CVE, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.Create")
	id, ok := cvehub.NormalizeCVEID(c.ID)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.Create",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", c.ID),
		}
	}
	c.ID = id
	if c.Status == "" {
		c.Status = cvehub.StatusNew
	}
	now := cvehub.Now()
	c.CreatedAt, c.LastModifiedAt = now, now
	c.CreatedBy, c.LastModifiedBy = creator, creator
	normalizeDoc(c)
	c.ModificationHistory = []cvehub.ModificationHistory{{
		Username:   creator,
		ModifiedAt: now,
		Changes: []cvehub.ChangeRecord{{
			Field:      "cve_id",
			FieldLabel: diff.Label("cve_id"),
			Action:     cvehub.ActionAdd,
			DetailType: cvehub.DetailSimple,
			After:      c.ID,
			Summary:    "CVE 생성",
		}},
	}}

	if err := e.store.Create(ctx, c); err != nil {
		return nil, err
	}
	zlog.Info(ctx).Str("cve_id", c.ID).Str("creator", creator).Msg("cve created")

	e.invalidate(ctx, c.ID, false)
	e.emit(ctx, c.ID, cvehub.EventCVECreated, map[string]any{
		"cve_id":     c.ID,
		"created_by": creator,
	})
	e.record(ctx, creator, cvehub.ActivityCreate, cvehub.TargetCVE, c.ID, c.Title, nil)
	return c, nil
}

// Update applies a partial update. When the patch produces no visible
// change the call is a no-op: no write, no history entry, no events. On a
// partial-write failure the engine falls back to a whole-document replace
// carrying the same post-image.
func (e *Engine) Update(ctx context.Context, id string, p *Patch, updater string) (*cvehub.CVE, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.Update")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.Update",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	post := *cur
	p.apply(&post)

	changes := diff.Changes(cur, &post)
	if len(changes) == 0 {
		zlog.Debug(ctx).Str("cve_id", id).Msg("no-op update")
		return cur, nil
	}

	now := cvehub.Now()
	post.LastModifiedAt = now
	post.LastModifiedBy = updater
	entry := cvehub.ModificationHistory{Username: updater, ModifiedAt: now, Changes: changes}
	post.ModificationHistory = append(slices.Clone(cur.ModificationHistory), entry)

	fields := map[string]any{
		"last_modified_at": now,
		"last_modified_by": updater,
	}
	for _, ch := range changes {
		if v, ok := fieldValue(&post, ch.Field); ok {
			fields[ch.Field] = v
		}
	}
	if err := e.store.UpdateFields(ctx, id, fields, &entry); err != nil {
		if errors.Is(err, cvehub.ErrNotFound) {
			return nil, err
		}
		zlog.Warn(ctx).Err(err).Str("cve_id", id).Msg("partial update failed, replacing document")
		normalizeDoc(&post)
		if err := e.store.Replace(ctx, id, &post); err != nil {
			return nil, err
		}
	}
	zlog.Info(ctx).Str("cve_id", id).Str("updater", updater).Int("changes", len(changes)).Msg("cve updated")

	e.invalidate(ctx, id, false)
	e.emit(ctx, id, cvehub.EventCVEUpdated, map[string]any{
		"cve_id":     id,
		"updated_by": updater,
		"changes":    changes,
	})
	e.record(ctx, updater, cvehub.ActivityUpdate, cvehub.TargetCVE, id, post.Title, changes)
	return &post, nil
}

// Replace swaps the whole document, preserving identity and creation
// attribution.
func (e *Engine) Replace(ctx context.Context, id string, c *cvehub.CVE, updater string) (*cvehub.CVE, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.Replace")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.Replace",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.CreatedAt, c.CreatedBy = cur.CreatedAt, cur.CreatedBy
	c.LastModifiedAt = cvehub.Now()
	c.LastModifiedBy = updater
	normalizeDoc(c)

	if err := e.store.Replace(ctx, id, c); err != nil {
		return nil, err
	}
	e.invalidate(ctx, id, false)
	e.emit(ctx, id, cvehub.EventCVEUpdated, map[string]any{
		"cve_id":     id,
		"updated_by": updater,
	})
	e.record(ctx, updater, cvehub.ActivityUpdate, cvehub.TargetCVE, id, c.Title, nil)
	return c, nil
}

// Delete hard-deletes a document.
func (e *Engine) Delete(ctx context.Context, id, deletedBy string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.Delete")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return &cvehub.Error{
			Op:      "engine/Engine.Delete",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	zlog.Info(ctx).Str("cve_id", id).Str("deleted_by", deletedBy).Msg("cve deleted")

	e.invalidate(ctx, id, false)
	e.emit(ctx, id, cvehub.EventCVEDeleted, map[string]any{
		"cve_id":     id,
		"deleted_by": deletedBy,
	})
	e.record(ctx, deletedBy, cvehub.ActivityDelete, cvehub.TargetCVE, id, cur.Title, nil)
	return nil
}
