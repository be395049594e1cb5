package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

// EventNotifier is the part of services.NotificationService that domain
// handlers use to announce likes, comments, follows and posts.
type EventNotifier interface {
	NotifyLike(ctx context.Context, postOwner, liker uint, postID string) (*models.NotificationView, error)
	RemoveLike(ctx context.Context, postOwner, unliker uint, postID string) error
	NotifyComment(ctx context.Context, postOwner, commenter uint, postID string) (*models.NotificationView, error)
	NotifyFollow(ctx context.Context, followed, follower uint) (*models.NotificationView, error)
	RemoveFollow(ctx context.Context, followed, follower uint) error
	NotifyNewPost(ctx context.Context, author uint, postID string, followerIDs []uint) int
	Detach(ctx context.Context, event string, fn func(context.Context) error)
}

// NotificationInbox is the read side of services.NotificationService.
type NotificationInbox interface {
	List(ctx context.Context, userID uint, page, limit int) (*models.NotificationPage, error)
	UnreadCount(ctx context.Context, userID uint) (int64, error)
	MarkRead(ctx context.Context, userID uint, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uint) (int64, error)
	Delete(ctx context.Context, userID uint, id uuid.UUID) error
}

// dispatch runs fn before the handler responds, on a context that survives a
// client disconnect. A like and the unlike that follows it reach the store in
// request order. Failures are logged and never fail the domain request.
func dispatch(ctx context.Context, log *logger.Logger, event string, fn func(context.Context) error) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		log.Error(log.WithField(ctx, "event", event), "notification dispatch failed", err)
	}
}
