package cvehub

import "time"

// NotificationType says why a notification was generated.
type NotificationType string

const (
	NotifyMention   NotificationType = "mention"
	NotifyCVEUpdate NotificationType = "cve_update"
	NotifyComment   NotificationType = "comment"
	NotifyAssign    NotificationType = "assign"
)

// NotificationStatus is the read state of a notification.
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// Notification is a persisted, per-recipient message. Delivery over the
// push channel is best-effort; the Delivered flag records whether it ever
// reached a live session.
type Notification struct {
	ID          string             `json:"id"`
	RecipientID string             `json:"recipient_id"`
	SenderID    string             `json:"sender_id,omitempty"`
	Type        NotificationType   `json:"type"`
	Content     string             `json:"content"`
	CVEID       string             `json:"cve_id,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	Status      NotificationStatus `json:"status"`
	Delivered   bool               `json:"delivered"`
	CreatedAt   time.Time          `json:"created_at"`
	ReadAt      time.Time          `json:"read_at,omitzero"`
}
