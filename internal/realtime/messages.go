package realtime

import "github.com/anonto42/nano-social/backend/internal/models"

type MessageType string

const (
	TypeConnected          MessageType = "connected"
	TypeNotification       MessageType = "notification"
	TypeRemoveNotification MessageType = "remove_notification"
	TypeUnreadCount        MessageType = "unread_count"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
)

const connectedMessage = "WebSocket connected successfully"

// Close reasons sent with websocket close frames.
const (
	ReasonAuthRequired = "Authentication required"
	ReasonInvalidToken = "Invalid authentication token"
	ReasonRateLimited  = "Too many connection attempts"
	ReasonReplaced     = "Replaced by a newer connection"
	ReasonTimeout      = "Keep-alive timeout"
	ReasonShutdown     = "Server shutting down"
)

type ConnectedMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	UserID  uint        `json:"userId"`
}

type NotificationMessage struct {
	Type MessageType              `json:"type"`
	Data *models.NotificationView `json:"data"`
}

type UnreadCountMessage struct {
	Type  MessageType `json:"type"`
	Count int64       `json:"count"`
}

// RemoveTarget identifies the client-side entry a retraction drops.
type RemoveTarget struct {
	Kind      models.NotificationKind `json:"type"`
	ActorID   uint                    `json:"from_user_id"`
	SubjectID *string                 `json:"post_id"`
}

type RemoveNotificationMessage struct {
	Type MessageType  `json:"type"`
	Data RemoveTarget `json:"data"`
}

type controlMessage struct {
	Type MessageType `json:"type"`
}

func NewNotificationMessage(view *models.NotificationView) NotificationMessage {
	return NotificationMessage{Type: TypeNotification, Data: view}
}

func NewUnreadCountMessage(count int64) UnreadCountMessage {
	return UnreadCountMessage{Type: TypeUnreadCount, Count: count}
}

func NewRemoveNotificationMessage(kind models.NotificationKind, actorID uint, subjectID *string) RemoveNotificationMessage {
	return RemoveNotificationMessage{
		Type: TypeRemoveNotification,
		Data: RemoveTarget{Kind: kind, ActorID: actorID, SubjectID: subjectID},
	}
}
