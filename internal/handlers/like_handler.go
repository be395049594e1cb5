package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

// LikeHandler handles like/unlike requests on posts
type LikeHandler struct {
	likeRepository repositories.LikeRepository
	postRepository repositories.PostRepository
	notifier       EventNotifier
	log            *logger.Logger
}

// NewLikeHandler creates a new LikeHandler
func NewLikeHandler(likeRepo repositories.LikeRepository, postRepo repositories.PostRepository, notifier EventNotifier, log *logger.Logger) *LikeHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &LikeHandler{
		likeRepository: likeRepo,
		postRepository: postRepo,
		notifier:       notifier,
		log:            log,
	}
}

// RegisterLikeRoutes registers like-related routes
func (h *LikeHandler) RegisterLikeRoutes(g *echo.Group) {
	g.POST("/posts/:post_id/likes", h.LikePost)
	g.DELETE("/posts/:post_id/likes", h.UnlikePost)
}

// LikePost likes a post and notifies its author
func (h *LikeHandler) LikePost(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	postID := c.Param("post_id")
	ctx := h.log.WithField(c.Request().Context(), "post_id", postID)

	post, err := h.postRepository.GetPostByID(ctx, postID)
	if err != nil {
		return err
	}

	if err := h.likeRepository.CreateLike(ctx, &models.Like{PostID: postID, UserID: userID}); err != nil {
		return err
	}
	if err := h.postRepository.IncrementLikesCount(ctx, postID, 1); err != nil {
		h.log.Error(ctx, "increment likes count", err)
	}

	owner := post.AuthorID
	dispatch(ctx, h.log, "like", func(ctx context.Context) error {
		_, err := h.notifier.NotifyLike(ctx, owner, userID, postID)
		return err
	})

	return respondMessage(c, http.StatusCreated, "Post liked", echo.Map{"post_id": postID, "liked": true})
}

// UnlikePost removes a like and retracts the author's notification
func (h *LikeHandler) UnlikePost(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	postID := c.Param("post_id")
	ctx := h.log.WithField(c.Request().Context(), "post_id", postID)

	post, err := h.postRepository.GetPostByID(ctx, postID)
	if err != nil {
		return err
	}

	if err := h.likeRepository.DeleteLike(ctx, postID, userID); err != nil {
		return err
	}
	if err := h.postRepository.IncrementLikesCount(ctx, postID, -1); err != nil {
		h.log.Error(ctx, "decrement likes count", err)
	}

	owner := post.AuthorID
	dispatch(ctx, h.log, "unlike", func(ctx context.Context) error {
		return h.notifier.RemoveLike(ctx, owner, userID, postID)
	})

	return respondMessage(c, http.StatusOK, "Post unliked", echo.Map{"post_id": postID, "liked": false})
}
