package cvehub

import "time"

// ChangeAction says what happened to a field.
type ChangeAction string

const (
	ActionAdd    ChangeAction = "add"
	ActionEdit   ChangeAction = "edit"
	ActionDelete ChangeAction = "delete"
)

// DetailType distinguishes scalar diffs (with before/after values) from
// collection diffs (summarized counts only).
type DetailType string

const (
	DetailSimple   DetailType = "simple"
	DetailDetailed DetailType = "detailed"
)

// ChangeRecord is one field-level change inside a modification history
// entry or an activity record.
type ChangeRecord struct {
	Field      string       `json:"field"`
	FieldLabel string       `json:"field_label"`
	Action     ChangeAction `json:"action"`
	DetailType DetailType   `json:"detail_type"`
	Before     any          `json:"before,omitempty"`
	After      any          `json:"after,omitempty"`
	Summary    string       `json:"summary"`
}

// ModificationHistory is one append-only entry in a CVE's modification
// log: who changed what, when.
type ModificationHistory struct {
	Username   string         `json:"username"`
	ModifiedAt time.Time      `json:"modified_at"`
	Changes    []ChangeRecord `json:"changes"`
}
