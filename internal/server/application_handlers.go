package server

import (
	"encoding/json"
	"strings"

	"rpportal/internal/middleware"
	"rpportal/internal/models"
	"rpportal/internal/service"
	"rpportal/internal/workflow"

	"github.com/gofiber/fiber/v2"
)

// CreateApplicationRequest is the body of POST /api/applications.
type CreateApplicationRequest struct {
	Type        models.ApplicationType `json:"type"`
	CharacterID *uint                  `json:"character_id"`
	Data        json.RawMessage        `json:"data" swaggertype:"object"`
}

// ApplicationTypeDTO describes one application type to clients.
type ApplicationTypeDTO struct {
	Type           models.ApplicationType `json:"type"`
	Label          string                 `json:"label"`
	MonthlyCap     int                    `json:"monthly_cap"`
	RequiredFields []string               `json:"required_fields"`
	UsesTesting    bool                   `json:"uses_testing"`
}

// CreateApplication handles POST /api/applications
// @Summary Submit an application
// @Description Creates a pending application for the caller, subject to the monthly cap of its type.
// @Tags applications
// @Accept json
// @Produce json
// @Param request body CreateApplicationRequest true "Application"
// @Success 201 {object} models.Application
// @Failure 400 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Router /applications [post]
// @Security BearerAuth
func (s *Server) CreateApplication(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return nil
	}

	var req CreateApplicationRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	app, err := s.applications.Create(c.UserContext(), service.CreateApplicationInput{
		AuthorID:    userID,
		Type:        models.ApplicationType(strings.TrimSpace(string(req.Type))),
		CharacterID: req.CharacterID,
		Data:        req.Data,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(app)
}

// GetMyApplications handles GET /api/applications/me
// @Summary List my applications
// @Description Lists the caller's applications, newest first.
// @Tags applications
// @Produce json
// @Success 200 {array} models.Application
// @Router /applications/me [get]
// @Security BearerAuth
func (s *Server) GetMyApplications(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return nil
	}
	apps, err := s.applications.ListForUser(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(apps)
}

// GetApplicationLimits handles GET /api/applications/limits
// @Summary Check submission limits
// @Description With ?type, reports whether the caller may submit that type now. Without it, reports every type.
// @Tags applications
// @Produce json
// @Param type query string false "Application type"
// @Success 200 {object} workflow.LimitResult
// @Failure 400 {object} models.ErrorResponse
// @Router /applications/limits [get]
// @Security BearerAuth
func (s *Server) GetApplicationLimits(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return nil
	}

	if t := strings.TrimSpace(c.Query("type")); t != "" {
		res, err := s.applications.CheckLimit(c.UserContext(), userID, models.ApplicationType(t))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	}

	all, err := s.applications.CheckAllLimits(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(all)
}

// GetApplicationTypes handles GET /api/applications/types
// @Summary List application types
// @Tags applications
// @Produce json
// @Success 200 {array} ApplicationTypeDTO
// @Router /applications/types [get]
func (s *Server) GetApplicationTypes(c *fiber.Ctx) error {
	return c.JSON(toApplicationTypeDTOs(s.catalog.Types()))
}

func toApplicationTypeDTOs(specs []workflow.TypeSpec) []ApplicationTypeDTO {
	out := make([]ApplicationTypeDTO, 0, len(specs))
	for _, spec := range specs {
		required := spec.RequiredFields
		if required == nil {
			required = []string{}
		}
		out = append(out, ApplicationTypeDTO{
			Type:           spec.Type,
			Label:          spec.Label,
			MonthlyCap:     spec.MonthlyCap,
			RequiredFields: required,
			UsesTesting:    spec.UsesTesting,
		})
	}
	return out
}

// GetApplication handles GET /api/applications/:id
// @Summary Get an application
// @Description Returns an application with its status history. Only the author and reviewers can see it.
// @Tags applications
// @Produce json
// @Param id path int true "Application ID"
// @Success 200 {object} models.Application
// @Failure 404 {object} models.ErrorResponse
// @Router /applications/{id} [get]
// @Security BearerAuth
func (s *Server) GetApplication(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return nil
	}
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	app, err := s.applications.GetVisible(c.UserContext(), id, userID, middleware.IsReviewer(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(app)
}
