package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

// CommentHandler handles HTTP requests related to comments
type CommentHandler struct {
	commentRepository repositories.CommentRepository
	postRepository    repositories.PostRepository
	notifier          EventNotifier
	log               *logger.Logger
}

// NewCommentHandler creates a new CommentHandler
func NewCommentHandler(commentRepo repositories.CommentRepository, postRepo repositories.PostRepository, notifier EventNotifier, log *logger.Logger) *CommentHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CommentHandler{
		commentRepository: commentRepo,
		postRepository:    postRepo,
		notifier:          notifier,
		log:               log,
	}
}

// RegisterCommentRoutes registers comment-related routes
func (h *CommentHandler) RegisterCommentRoutes(g *echo.Group) {
	g.POST("/posts/:post_id/comments", h.CreateComment)
	g.GET("/posts/:post_id/comments", h.GetCommentsByPostID)
}

// CreateComment creates a new comment on a post
func (h *CommentHandler) CreateComment(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	postID := c.Param("post_id")
	ctx := h.log.WithField(c.Request().Context(), "post_id", postID)

	var req models.CreateCommentRequest
	if err := c.Bind(&req); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	post, err := h.postRepository.GetPostByID(ctx, postID)
	if err != nil {
		return err
	}

	comment := &models.Comment{PostID: postID, UserID: userID, Content: req.Content}
	if err := h.commentRepository.CreateComment(ctx, comment); err != nil {
		return err
	}
	if err := h.postRepository.IncrementCommentsCount(ctx, postID, 1); err != nil {
		h.log.Error(ctx, "increment comments count", err)
	}

	owner := post.AuthorID
	dispatch(ctx, h.log, "comment", func(ctx context.Context) error {
		_, err := h.notifier.NotifyComment(ctx, owner, userID, postID)
		return err
	})

	return respondOK(c, http.StatusCreated, comment)
}

// GetCommentsByPostID lists a post's comments
func (h *CommentHandler) GetCommentsByPostID(c echo.Context) error {
	postID := c.Param("post_id")
	comments, err := h.commentRepository.GetCommentsByPostID(c.Request().Context(), postID)
	if err != nil {
		return err
	}
	if comments == nil {
		comments = []models.Comment{}
	}
	return respondOK(c, http.StatusOK, comments)
}
