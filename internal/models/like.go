package models

import "time"

// Like represents a like on a post
type Like struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	PostID    string    `json:"post_id" gorm:"size:24;uniqueIndex:idx_like_post_user"` // MongoDB ObjectID hex
	UserID    uint      `json:"user_id" gorm:"uniqueIndex:idx_like_post_user"`
	CreatedAt time.Time `json:"created_at"`
}
