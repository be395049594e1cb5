package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/anonto42/nano-social/backend/internal/models"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

// NotificationHandler handles notification-related HTTP requests
type NotificationHandler struct {
	inbox NotificationInbox
	log   *logger.Logger
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(inbox NotificationInbox, log *logger.Logger) *NotificationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &NotificationHandler{inbox: inbox, log: log}
}

// RegisterNotificationRoutes registers notification routes
func (h *NotificationHandler) RegisterNotificationRoutes(g *echo.Group) {
	g.GET("/notifications", h.GetNotifications)
	g.GET("/notifications/unread-count", h.GetUnreadCount)
	g.PUT("/notifications/read-all", h.MarkAllAsRead)
	g.PUT("/notifications/:id/read", h.MarkAsRead)
	g.DELETE("/notifications/:id", h.DeleteNotification)
}

// GetNotifications returns one page of enriched notifications, newest first
func (h *NotificationHandler) GetNotifications(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	q := models.NewNotificationListQuery()
	if err := bindQuery(c, &q); err != nil {
		return err
	}

	result, err := h.inbox.List(c.Request().Context(), userID, q.Page, q.Limit)
	if err != nil {
		return err
	}
	return respondOK(c, http.StatusOK, result)
}

// GetUnreadCount returns the unread notification count
func (h *NotificationHandler) GetUnreadCount(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	count, err := h.inbox.UnreadCount(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return respondOK(c, http.StatusOK, echo.Map{"count": count})
}

// MarkAsRead marks a notification as read. A notification that was retracted
// while the client still showed it is not an error.
func (h *NotificationHandler) MarkAsRead(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseNotificationID(c)
	if err != nil {
		return err
	}

	ctx := h.log.WithField(c.Request().Context(), "notification_id", id.String())
	if err := h.inbox.MarkRead(ctx, userID, id); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			h.log.Info(ctx, "mark read on missing notification")
			return respondMessage(c, http.StatusOK, "Notification already removed or does not exist", echo.Map{"removed": true})
		}
		return err
	}
	return respondMessage(c, http.StatusOK, "Notification marked as read", echo.Map{"id": id})
}

// MarkAllAsRead marks all notifications as read
func (h *NotificationHandler) MarkAllAsRead(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	updated, err := h.inbox.MarkAllRead(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return respondMessage(c, http.StatusOK, "All notifications marked as read", echo.Map{"updated": updated})
}

// DeleteNotification removes one of the caller's notifications
func (h *NotificationHandler) DeleteNotification(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseNotificationID(c)
	if err != nil {
		return err
	}

	if err := h.inbox.Delete(c.Request().Context(), userID, id); err != nil {
		return err
	}
	return respondMessage(c, http.StatusOK, "Notification deleted", echo.Map{"id": id})
}

func parseNotificationID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid notification id")
	}
	return id, nil
}
