package server

import (
	"time"

	"rpportal/internal/models"

	"github.com/gofiber/fiber/v2"
)

// NotificationPage is the response of GET /api/notifications/me.
type NotificationPage struct {
	Items       []models.Notification `json:"items"`
	UnreadCount int64                 `json:"unread_count"`
	Limit       int                   `json:"limit"`
	Offset      int                   `json:"offset"`
}

// GetMyNotifications handles GET /api/notifications/me
// @Summary List my notifications
// @Tags notifications
// @Produce json
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} NotificationPage
// @Router /notifications/me [get]
// @Security BearerAuth
func (s *Server) GetMyNotifications(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return nil
	}
	page := parsePagination(c, 20)
	ctx := c.UserContext()

	items, err := s.notificationRepo.ListForUser(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return respondError(c, err)
	}
	unread, err := s.notificationRepo.CountUnread(ctx, userID)
	if err != nil {
		return respondError(c, err)
	}
	if items == nil {
		items = []models.Notification{}
	}

	return c.JSON(NotificationPage{
		Items:       items,
		UnreadCount: unread,
		Limit:       page.Limit,
		Offset:      page.Offset,
	})
}

// MarkNotificationRead handles POST /api/notifications/:id/read
// @Summary Mark a notification read
// @Tags notifications
// @Param id path int true "Notification ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Router /notifications/{id}/read [post]
// @Security BearerAuth
func (s *Server) MarkNotificationRead(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return nil
	}
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.notificationRepo.MarkRead(c.UserContext(), id, userID, time.Now().UTC()); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
