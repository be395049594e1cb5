package notifyclient

import (
	"encoding/json"
	"time"
)

// Notification is the enriched record the server pushes and lists.
type Notification struct {
	ID             string    `json:"id"`
	UserID         uint      `json:"user_id"`
	FromUserID     uint      `json:"from_user_id"`
	Type           string    `json:"type"`
	PostID         *string   `json:"post_id"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
	FromUsername   string    `json:"from_username"`
	FromFullName   string    `json:"from_full_name"`
	FromAvatar     string    `json:"from_avatar"`
	FromIsVerified bool      `json:"from_is_verified"`
	PostContent    *string   `json:"post_content"`
}

// Page is one page of GET /notifications.
type Page struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int64          `json:"unreadCount"`
	Page          int            `json:"page"`
	Limit         int            `json:"limit"`
	HasMore       bool           `json:"hasMore"`
}

// RemoveTarget identifies the cached entry a remove_notification drops.
type RemoveTarget struct {
	Type       string  `json:"type"`
	FromUserID uint    `json:"from_user_id"`
	PostID     *string `json:"post_id"`
}

func (t RemoveTarget) matches(n Notification) bool {
	if n.Type != t.Type || n.FromUserID != t.FromUserID {
		return false
	}
	if n.PostID == nil || t.PostID == nil {
		return n.PostID == nil && t.PostID == nil
	}
	return *n.PostID == *t.PostID
}

const (
	typeConnected          = "connected"
	typeNotification       = "notification"
	typeRemoveNotification = "remove_notification"
	typeUnreadCount        = "unread_count"
	typePing               = "ping"
	typePong               = "pong"
)

type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Count   int64           `json:"count,omitempty"`
	UserID  uint            `json:"userId,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Describe renders a one-line human summary of n.
func Describe(n Notification) string {
	name := n.FromFullName
	if name == "" {
		name = n.FromUsername
	}
	switch n.Type {
	case "like":
		return name + " liked your post"
	case "comment":
		return name + " commented on your post"
	case "follow":
		return name + " started following you"
	case "new_post":
		return name + " shared a new post"
	case "mention":
		return name + " mentioned you"
	default:
		return "New notification"
	}
}
