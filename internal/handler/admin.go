package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/pkg/response"
)

type AdminHandler struct {
	sessions  *service.SessionService
	settings  *service.SettingsService
	validator *validator.Validate
}

func NewAdminHandler(sessions *service.SessionService, settings *service.SettingsService, v *validator.Validate) *AdminHandler {
	return &AdminHandler{
		sessions:  sessions,
		settings:  settings,
		validator: v,
	}
}

// Cleanup handles POST /api/admin/cleanup
// @Summary      Remove abandoned sessions
// @Description  Delete working directories whose session has expired
// @Tags         Admin
// @Produce      json
// @Success      200 {object} model.CleanupResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/cleanup [post]
func (h *AdminHandler) Cleanup(c *fiber.Ctx) error {
	result, err := h.sessions.Cleanup(c.UserContext())
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.OK(c, result)
}

// GetSettings handles GET /api/admin/settings
// @Summary      Get mix settings
// @Tags         Admin
// @Produce      json
// @Success      200 {object} model.AdminSettings
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/settings [get]
func (h *AdminHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.settings.Get(c.UserContext())
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.OK(c, settings)
}

// UpdateSettings handles PUT /api/admin/settings
// @Summary      Update mix settings
// @Description  Patch the operator mix rules. Omitted fields keep their value.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body model.UpdateSettingsRequest true "Settings patch"
// @Success      200 {object} model.AdminSettings
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/settings [put]
func (h *AdminHandler) UpdateSettings(c *fiber.Ctx) error {
	var req model.UpdateSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	settings, err := h.settings.Update(c.UserContext(), &req)
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.OK(c, settings)
}
