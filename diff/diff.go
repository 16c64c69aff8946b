// Package diff computes field-level change records between two CVE
// document images. The records it returns become modification history
// entries and activity log payloads.
package diff

import (
	"fmt"

	"github.com/cvelab/cvehub"
)

// Audit fields are never part of a change set.
var defaultIgnore = map[string]struct{}{
	"last_modified_at": {},
	"last_modified_by": {},
}

// fieldLabels maps schema field names to display labels. Unknown fields
// fall back to the raw key.
var fieldLabels = map[string]string{
	"title":       "제목",
	"description": "설명",
	"status":      "상태",
	"assigned_to": "담당자",
	"severity":    "심각도",
	"notes":       "메모",
	"nuclei_hash": "템플릿 해시",
	"references":  "참조 링크",
	"pocs":        "PoC",
	"snort_rules": "Snort 규칙",
	"comments":    "댓글",
}

// Label resolves the display label for a field.
func Label(field string) string {
	if l, ok := fieldLabels[field]; ok {
		return l
	}
	return field
}

const truncateAt = 100

// truncate caps a value at truncateAt runes, appending an ellipsis when it
// was cut.
func truncate(s string) string {
	r := []rune(s)
	if len(r) <= truncateAt {
		return s
	}
	return string(r[:truncateAt]) + "..."
}

// Changes diffs two document images field by field. Fields named in ignore
// are skipped in addition to the audit fields. A nil old image means every
// populated field of new is an add.
func Changes(old, new *cvehub.CVE, ignore ...string) []cvehub.ChangeRecord {
	skip := make(map[string]struct{}, len(defaultIgnore)+len(ignore))
	for f := range defaultIgnore {
		skip[f] = struct{}{}
	}
	for _, f := range ignore {
		skip[f] = struct{}{}
	}
	if old == nil {
		old = &cvehub.CVE{}
	}

	scalars := []struct {
		field    string
		old, new string
	}{
		{"title", old.Title, new.Title},
		{"description", old.Description, new.Description},
		{"status", string(old.Status), string(new.Status)},
		{"assigned_to", old.AssignedTo, new.AssignedTo},
		{"severity", scalarSeverity(old.Severity), scalarSeverity(new.Severity)},
		{"notes", old.Notes, new.Notes},
		{"nuclei_hash", old.NucleiHash, new.NucleiHash},
	}

	var out []cvehub.ChangeRecord
	for _, s := range scalars {
		if _, ok := skip[s.field]; ok {
			continue
		}
		if rec, ok := scalar(s.field, s.old, s.new); ok {
			out = append(out, rec)
		}
	}

	type coll struct {
		field string
		d     collDiff
	}
	colls := []coll{
		{"references", diffKeyed(keyRefs(old.References), keyRefs(new.References))},
		{"pocs", diffKeyed(keyPoCs(old.PoCs), keyPoCs(new.PoCs))},
		{"snort_rules", diffKeyed(keyRules(old.SnortRules), keyRules(new.SnortRules))},
	}
	for _, c := range colls {
		if _, ok := skip[c.field]; ok {
			continue
		}
		if rec, ok := collection(c.field, c.d); ok {
			out = append(out, rec)
		}
	}
	return out
}

func scalarSeverity(s cvehub.Severity) string {
	if s == cvehub.Unknown {
		return ""
	}
	return s.String()
}

func scalar(field, before, after string) (cvehub.ChangeRecord, bool) {
	if before == after {
		return cvehub.ChangeRecord{}, false
	}
	label := Label(field)
	rec := cvehub.ChangeRecord{
		Field:      field,
		FieldLabel: label,
		DetailType: cvehub.DetailDetailed,
	}
	switch {
	case before == "":
		rec.Action = cvehub.ActionAdd
		rec.After = truncate(after)
		rec.Summary = fmt.Sprintf("%s 추가: %s", label, truncate(after))
	case after == "":
		rec.Action = cvehub.ActionDelete
		rec.Before = truncate(before)
		rec.Summary = fmt.Sprintf("%s 삭제", label)
	default:
		rec.Action = cvehub.ActionEdit
		rec.Before = truncate(before)
		rec.After = truncate(after)
		rec.Summary = fmt.Sprintf("%s 변경: %s → %s", label, truncate(before), truncate(after))
	}
	return rec, true
}

// collDiff is an item-level diff of a keyed collection.
type collDiff struct {
	Added    int
	Removed  int
	Modified int
}

func (d collDiff) empty() bool { return d.Added == 0 && d.Removed == 0 && d.Modified == 0 }

func diffKeyed(old, new map[string]string) collDiff {
	var d collDiff
	for k, nv := range new {
		ov, ok := old[k]
		switch {
		case !ok:
			d.Added++
		case ov != nv:
			d.Modified++
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			d.Removed++
		}
	}
	return d
}

func collection(field string, d collDiff) (cvehub.ChangeRecord, bool) {
	if d.empty() {
		return cvehub.ChangeRecord{}, false
	}
	label := Label(field)
	rec := cvehub.ChangeRecord{
		Field:      field,
		FieldLabel: label,
		DetailType: cvehub.DetailSimple,
		Summary:    fmt.Sprintf("%s 추가 %d건, 수정 %d건, 삭제 %d건", label, d.Added, d.Modified, d.Removed),
	}
	switch {
	case d.Removed == 0 && d.Modified == 0:
		rec.Action = cvehub.ActionAdd
	case d.Added == 0 && d.Modified == 0:
		rec.Action = cvehub.ActionDelete
	default:
		rec.Action = cvehub.ActionEdit
	}
	return rec, true
}

// Keying: references and PoCs are identified by URL, rules by SID. The
// value half detects in-place modification.

func keyRefs(rs []cvehub.Reference) map[string]string {
	m := make(map[string]string, len(rs))
	for i := range rs {
		m[rs[i].URL] = string(rs[i].Type) + "\x00" + rs[i].Description
	}
	return m
}

func keyPoCs(ps []cvehub.ProofOfConcept) map[string]string {
	m := make(map[string]string, len(ps))
	for i := range ps {
		m[ps[i].URL] = string(ps[i].Source) + "\x00" + ps[i].Description
	}
	return m
}

func keyRules(rs []cvehub.SnortRule) map[string]string {
	m := make(map[string]string, len(rs))
	for i := range rs {
		k := rs[i].SID
		if k == "" {
			// Rules with no SID fall back to body identity.
			k = rs[i].Rule
		}
		m[k] = rs[i].Rule + "\x00" + rs[i].Type + "\x00" + rs[i].Description
	}
	return m
}
