package bus

import "time"

// Event kinds published inside a session. Subscribers filter by prefix, so
// "push." matches every server push and "message." every send outcome.
const (
	KindStatusChanged    = "connection.status_changed"
	KindPopupMessage     = "push.popup_message"
	KindUserStatus       = "push.user_status"
	KindStoreUpdated     = "store.updated"
	KindMessagePending   = "message.pending"
	KindMessageAck       = "message.send_ack"
	KindMessageFailed    = "message.send_failed"
	KindNoticeSendFailed = "notice.send_failed"
	KindAlertMessage     = "alert.message"
	KindSyncRefreshed    = "sync.refreshed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
