// Package protocol defines the realtime channel framing and the JSON shapes
// exchanged with the marketplace messaging backend.
package protocol

// Commands emitted by the client.
const (
	EventUserConnect            = "USER_CONNECT"
	EventJoinOldConversations   = "JOIN_OLD_CONVERSATIIONS" // backend spelling
	EventInitializeConversation = "INITIALIZE_CONVERSATION"
	EventSendMessage            = "SEND_MESSAGE"
	EventMarkMessageAsSeen      = "MARK_MESSAGE_AS_SEEN"
)

// Events pushed by the server.
const (
	EventPopupMessage = "POPUP_MESSAGE"
	EventUserStatus   = "USER_STATUS"
)

// Conversation types.
const (
	TypeDirect = "DIRECT"
	TypeGroup  = "GROUP"
)

// Message types accepted by SEND_MESSAGE.
const (
	MessageText  = "TEXT"
	MessageMedia = "MEDIA"
)
