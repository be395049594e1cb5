package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationKind string

const (
	KindLike    NotificationKind = "like"
	KindComment NotificationKind = "comment"
	KindFollow  NotificationKind = "follow"
	KindNewPost NotificationKind = "new_post"
	KindMention NotificationKind = "mention"
)

func (k NotificationKind) IsValid() bool {
	switch k {
	case KindLike, KindComment, KindFollow, KindNewPost, KindMention:
		return true
	}
	return false
}

// Deduplicated reports whether repeated events of this kind collapse inside
// the dedupe window. Every comment is its own notification.
func (k NotificationKind) Deduplicated() bool {
	return k != KindComment
}

func (k NotificationKind) String() string { return string(k) }

func ParseNotificationKind(value string) (NotificationKind, error) {
	kind := NotificationKind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.IsValid() {
		return "", fmt.Errorf("unknown notification kind %q", value)
	}
	return kind, nil
}

// Notification is a persisted notification row (PostgreSQL).
type Notification struct {
	ID          uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	RecipientID uint             `json:"user_id" gorm:"not null;index:idx_notifications_recipient_created,priority:1;index:idx_notifications_recipient_actor_kind,priority:1"`
	ActorID     uint             `json:"from_user_id" gorm:"not null;index:idx_notifications_recipient_actor_kind,priority:2"`
	Kind        NotificationKind `json:"type" gorm:"size:20;not null;index:idx_notifications_recipient_actor_kind,priority:3"`
	SubjectID   *string          `json:"post_id" gorm:"size:24"`
	IsRead      bool             `json:"is_read" gorm:"not null;default:false;index"`
	CreatedAt   time.Time        `json:"created_at" gorm:"not null;index:idx_notifications_recipient_created,priority:2"`
}

func (n *Notification) BeforeCreate(*gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// NotificationView is a notification enriched with the actor's display
// fields and a snippet of the referenced post. It is what clients receive.
type NotificationView struct {
	ID             uuid.UUID        `json:"id"`
	RecipientID    uint             `json:"user_id"`
	ActorID        uint             `json:"from_user_id"`
	Kind           NotificationKind `json:"type"`
	SubjectID      *string          `json:"post_id"`
	IsRead         bool             `json:"is_read"`
	CreatedAt      time.Time        `json:"created_at"`
	ActorUsername  string           `json:"from_username"`
	ActorFullName  string           `json:"from_full_name"`
	ActorAvatar    string           `json:"from_avatar"`
	ActorVerified  bool             `json:"from_is_verified"`
	SubjectSnippet *string          `json:"post_content"`
}

// NotificationPage is one page of a user's notifications.
type NotificationPage struct {
	Notifications []NotificationView `json:"notifications"`
	UnreadCount   int64              `json:"unreadCount"`
	Page          int                `json:"page"`
	Limit         int                `json:"limit"`
	HasMore       bool               `json:"hasMore"`
}
