package cvehub

// Event names on the push channel. Wire names are lowercase snake.
const (
	EventConnected            = "connected"
	EventConnectAck           = "connect_ack"
	EventSessionInfoAck       = "session_info_ack"
	EventPong                 = "pong"
	EventError                = "error"
	EventNotification         = "notification"
	EventNotificationRead     = "notification_read"
	EventAllNotificationsRead = "all_notifications_read"
	EventCVECreated           = "cve_created"
	EventCVEUpdated           = "cve_updated"
	EventCVEDeleted           = "cve_deleted"
	EventCommentAdded         = "comment_added"
	EventCommentUpdated       = "comment_updated"
	EventCommentDeleted       = "comment_deleted"
	EventCommentCountUpdate   = "comment_count_update"
	EventSubscribeCVE         = "subscribe_cve"
	EventUnsubscribeCVE       = "unsubscribe_cve"
	EventSubscriptionStatus   = "subscription_status"
	EventSubscribersUpdated   = "cve_subscribers_updated"
	EventCrawlerProgress      = "crawler_update_progress"
	EventCacheInvalidated     = "cache_invalidated"
)
