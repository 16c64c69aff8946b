package cvehub

import "time"

// ActivityAction is the verb of an activity record.
type ActivityAction string

const (
	ActivityCreate ActivityAction = "create"
	ActivityUpdate ActivityAction = "update"
	ActivityDelete ActivityAction = "delete"
	ActivityAdd    ActivityAction = "add"
	ActivityAssign ActivityAction = "assign"
	ActivityLogin  ActivityAction = "login"
	ActivityLogout ActivityAction = "logout"
)

// ActivityTarget is the kind of object an activity record is about.
type ActivityTarget string

const (
	TargetCVE       ActivityTarget = "cve"
	TargetPoC       ActivityTarget = "poc"
	TargetSnortRule ActivityTarget = "snort_rule"
	TargetReference ActivityTarget = "reference"
	TargetComment   ActivityTarget = "comment"
	TargetUser      ActivityTarget = "user"
	TargetSystem    ActivityTarget = "system"
)

// UserActivity is one append-only audit record.
type UserActivity struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	Timestamp   time.Time      `json:"timestamp"`
	Action      ActivityAction `json:"action"`
	TargetType  ActivityTarget `json:"target_type"`
	TargetID    string         `json:"target_id"`
	TargetTitle string         `json:"target_title,omitempty"`
	Changes     []ChangeRecord `json:"changes,omitempty"`
}
