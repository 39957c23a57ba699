package server

import (
	"strings"

	"rpportal/internal/middleware"
	"rpportal/internal/models"
	"rpportal/internal/service"

	"github.com/gofiber/fiber/v2"
)

const defaultReviewQueueLimit = 50

// TransitionRequest is the body of POST /api/admin/applications/:id/transition.
type TransitionRequest struct {
	Status  models.ApplicationStatus `json:"status"`
	Comment *string                  `json:"comment"`
}

// GetReviewQueue handles GET /api/admin/applications
// @Summary Reviewer queue
// @Description Lists applications for review, oldest first. status accepts a comma-separated list.
// @Tags admin
// @Produce json
// @Param status query string false "Statuses, comma separated"
// @Param type query string false "Application type"
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} service.ReviewPage
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /admin/applications [get]
// @Security BearerAuth
func (s *Server) GetReviewQueue(c *fiber.Ctx) error {
	page := parsePagination(c, defaultReviewQueueLimit)

	var statuses []models.ApplicationStatus
	for _, raw := range strings.Split(c.Query("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			statuses = append(statuses, models.ApplicationStatus(raw))
		}
	}

	result, err := s.applications.ListForReview(c.UserContext(), service.ReviewQuery{
		Statuses: statuses,
		Type:     models.ApplicationType(strings.TrimSpace(c.Query("type"))),
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// TransitionApplication handles POST /api/admin/applications/:id/transition
// @Summary Change application status
// @Description Moves an application to a new status and appends a history entry. The author is notified.
// @Tags admin
// @Accept json
// @Produce json
// @Param id path int true "Application ID"
// @Param request body TransitionRequest true "Target status"
// @Success 200 {object} models.Application
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /admin/applications/{id}/transition [post]
// @Security BearerAuth
func (s *Server) TransitionApplication(c *fiber.Ctx) error {
	reviewerID, err := currentUser(c)
	if err != nil {
		return nil
	}
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req TransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	app, err := s.applications.Transition(c.UserContext(), service.TransitionInput{
		ApplicationID: id,
		Status:        models.ApplicationStatus(strings.TrimSpace(string(req.Status))),
		ReviewerID:    reviewerID,
		Comment:       req.Comment,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(app)
}

// GetFeatureFlags handles GET /api/admin/feature-flags
// @Summary Feature flags
// @Description Returns configured feature flags and their evaluation for the caller.
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /admin/feature-flags [get]
// @Security BearerAuth
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	userID, _ := middleware.CurrentUserID(c)

	if s.featureFlags == nil {
		return c.JSON(fiber.Map{
			"raw":       map[string]string{},
			"evaluated": map[string]bool{},
		})
	}

	return c.JSON(fiber.Map{
		"raw":       s.featureFlags.Raw(),
		"evaluated": s.featureFlags.Snapshot(userID.String()),
	})
}
