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

// FollowHandler handles follow/unfollow HTTP requests
type FollowHandler struct {
	followRepository repositories.FollowRepository
	userRepository   repositories.UserRepository
	notifier         EventNotifier
	log              *logger.Logger
}

// NewFollowHandler creates a new FollowHandler
func NewFollowHandler(followRepo repositories.FollowRepository, userRepo repositories.UserRepository, notifier EventNotifier, log *logger.Logger) *FollowHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &FollowHandler{
		followRepository: followRepo,
		userRepository:   userRepo,
		notifier:         notifier,
		log:              log,
	}
}

// RegisterFollowRoutes registers follow-related routes
func (h *FollowHandler) RegisterFollowRoutes(g *echo.Group) {
	g.POST("/users/:id/follow", h.FollowUser)
	g.DELETE("/users/:id/follow", h.UnfollowUser)
}

// FollowUser follows a user
func (h *FollowHandler) FollowUser(c echo.Context) error {
	userID, targetID, err := h.followPair(c)
	if err != nil {
		return err
	}
	ctx := h.log.WithField(c.Request().Context(), "target_id", targetID)

	if _, err := h.userRepository.GetUserByID(ctx, targetID); err != nil {
		return err
	}
	if err := h.followRepository.CreateFollow(ctx, &models.Follow{FollowerID: userID, FollowingID: targetID}); err != nil {
		return err
	}

	dispatch(ctx, h.log, "follow", func(ctx context.Context) error {
		_, err := h.notifier.NotifyFollow(ctx, targetID, userID)
		return err
	})

	return respondMessage(c, http.StatusCreated, "User followed", echo.Map{"user_id": targetID, "following": true})
}

// UnfollowUser unfollows a user
func (h *FollowHandler) UnfollowUser(c echo.Context) error {
	userID, targetID, err := h.followPair(c)
	if err != nil {
		return err
	}
	ctx := h.log.WithField(c.Request().Context(), "target_id", targetID)

	if err := h.followRepository.DeleteFollow(ctx, userID, targetID); err != nil {
		return err
	}

	dispatch(ctx, h.log, "unfollow", func(ctx context.Context) error {
		return h.notifier.RemoveFollow(ctx, targetID, userID)
	})

	return respondMessage(c, http.StatusOK, "User unfollowed", echo.Map{"user_id": targetID, "following": false})
}

func (h *FollowHandler) followPair(c echo.Context) (uint, uint, error) {
	userID, err := currentUser(c)
	if err != nil {
		return 0, 0, err
	}
	target, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || target == 0 {
		return 0, 0, pkgerrors.New(pkgerrors.CodeValidation, "invalid user id")
	}
	if uint(target) == userID {
		return 0, 0, pkgerrors.New(pkgerrors.CodeValidation, "cannot follow yourself")
	}
	return userID, uint(target), nil
}
