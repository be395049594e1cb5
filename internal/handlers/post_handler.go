package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

// PostHandler handles HTTP requests related to posts
type PostHandler struct {
	postRepository   repositories.PostRepository
	followRepository repositories.FollowRepository
	notifier         EventNotifier
	log              *logger.Logger
}

// NewPostHandler creates a new PostHandler
func NewPostHandler(postRepo repositories.PostRepository, followRepo repositories.FollowRepository, notifier EventNotifier, log *logger.Logger) *PostHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &PostHandler{
		postRepository:   postRepo,
		followRepository: followRepo,
		notifier:         notifier,
		log:              log,
	}
}

// RegisterPostRoutes registers post-related routes
func (h *PostHandler) RegisterPostRoutes(g *echo.Group) {
	g.POST("/posts", h.CreatePost)
	g.GET("/posts/:id", h.GetPost)
	g.GET("/users/:id/posts", h.GetUserPosts)
}

// CreatePost stores a post and tells every follower about it
func (h *PostHandler) CreatePost(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	var req models.CreatePostRequest
	if err := c.Bind(&req); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	post := &models.Post{
		AuthorID:  userID,
		Content:   req.Content,
		ImageURLs: req.ImageURLs,
		VideoURLs: req.VideoURLs,
	}
	ctx := c.Request().Context()
	if err := h.postRepository.CreatePost(ctx, post); err != nil {
		return err
	}

	postID := post.ID.Hex()
	h.notifier.Detach(h.log.WithField(ctx, "post_id", postID), "new_post", func(ctx context.Context) error {
		followers, err := h.followRepository.GetFollowerIDs(ctx, userID)
		if err != nil {
			return err
		}
		if len(followers) == 0 {
			return nil
		}
		created := h.notifier.NotifyNewPost(ctx, userID, postID, followers)
		h.log.Debug(h.log.WithFields(ctx, map[string]any{
			"followers": len(followers),
			"created":   created,
		}), "new post fan-out finished")
		return nil
	})

	return respondOK(c, http.StatusCreated, post)
}

// GetPost retrieves a post by ID
func (h *PostHandler) GetPost(c echo.Context) error {
	post, err := h.postRepository.GetPostByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respondOK(c, http.StatusOK, post)
}

// GetUserPosts lists a user's posts, newest first
func (h *PostHandler) GetUserPosts(c echo.Context) error {
	authorID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid user id")
	}

	q := models.NewPostListQuery()
	if err := bindQuery(c, &q); err != nil {
		return err
	}

	posts, err := h.postRepository.GetPostsByAuthor(c.Request().Context(), uint(authorID), int64((q.Page-1)*q.Limit), int64(q.Limit))
	if err != nil {
		return err
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return respondOK(c, http.StatusOK, posts)
}
