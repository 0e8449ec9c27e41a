package handler

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/pkg/response"
)

type SessionHandler struct {
	service   *service.SessionService
	validator *validator.Validate
}

func NewSessionHandler(svc *service.SessionService, v *validator.Validate) *SessionHandler {
	return &SessionHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/sessions
// @Summary      Create mix session
// @Description  Allocate a session with its own working directory. Sessions expire after the configured TTL.
// @Tags         Sessions
// @Produce      json
// @Success      201 {object} model.CreateSessionResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/sessions [post]
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	result, err := h.service.CreateSession(c.UserContext())
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.Created(c, result)
}

// Upload handles POST /api/sessions/:id/tracks/:slot
// @Summary      Upload track
// @Description  Store an audio file in a slot. Uploading to an occupied slot replaces the file.
// @Tags         Sessions
// @Accept       multipart/form-data
// @Produce      json
// @Param        id   path     string true "Session ID"
// @Param        slot path     string true "Slot name ([a-z0-9_-]{1,32})"
// @Param        file formData file   true "Audio file (WAV, MP3, FLAC, OGG, M4A)"
// @Success      201 {object} model.UploadTrackResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      410 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/sessions/{id}/tracks/{slot} [post]
func (h *SessionHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.Upload(c.UserContext(), c.Params("id"), c.Params("slot"), file.Filename, file.Size, f)
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.Created(c, result)
}

// Generate handles POST /api/sessions/:id/generate
// @Summary      Start pair generation
// @Description  Mix the track in slot a into the track in slot b
// @Tags         Sessions
// @Accept       json
// @Produce      json
// @Param        id      path string                 true  "Session ID"
// @Param        request body model.StartJobRequest false "Optional guidance"
// @Success      202 {object} model.StartJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      410 {object} response.ErrorResponse
// @Router       /api/sessions/{id}/generate [post]
func (h *SessionHandler) Generate(c *fiber.Ctx) error {
	req, err := h.parseStart(c)
	if err != nil {
		return response.ValidationError(c, "Invalid request body", formatValidationErrors(err))
	}
	result, err := h.service.StartPair(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.Accepted(c, result)
}

// Set handles POST /api/sessions/:id/set
// @Summary      Start set job
// @Description  Sequence every uploaded track and mix them into one program
// @Tags         Sessions
// @Accept       json
// @Produce      json
// @Param        id      path string                 true  "Session ID"
// @Param        request body model.StartJobRequest false "Optional guidance"
// @Success      202 {object} model.StartJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      410 {object} response.ErrorResponse
// @Router       /api/sessions/{id}/set [post]
func (h *SessionHandler) Set(c *fiber.Ctx) error {
	req, err := h.parseStart(c)
	if err != nil {
		return response.ValidationError(c, "Invalid request body", formatValidationErrors(err))
	}
	result, err := h.service.StartSet(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.Accepted(c, result)
}

// parseStart reads the optional body of a start request.
func (h *SessionHandler) parseStart(c *fiber.Ctx) (*model.StartJobRequest, error) {
	var req model.StartJobRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return nil, err
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Status handles GET /api/sessions/:id/status
// @Summary      Get session status
// @Description  Poll the phase and segment progress of a session
// @Tags         Sessions
// @Produce      json
// @Param        id path string true "Session ID"
// @Success      200 {object} model.SessionStatus
// @Failure      410 {object} response.ErrorResponse
// @Router       /api/sessions/{id}/status [get]
func (h *SessionHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.PipelineError(c, err)
	}
	return response.OK(c, result)
}

// Download handles GET /api/sessions/:id/download
// @Summary      Download mix
// @Description  Stream the finished mix. The session files are removed once the download completes.
// @Tags         Sessions
// @Produce      audio/wav
// @Param        id path string true "Session ID"
// @Success      200 {file} binary
// @Failure      409 {object} response.ErrorResponse
// @Failure      410 {object} response.ErrorResponse
// @Router       /api/sessions/{id}/download [get]
func (h *SessionHandler) Download(c *fiber.Ctx) error {
	artifact, err := h.service.Download(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.PipelineError(c, err)
	}
	c.Set(fiber.HeaderContentType, "audio/wav")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", artifact.Name))
	return c.SendStream(artifact.Body, int(artifact.Size))
}

// Tracklist handles GET /api/sessions/:id/tracklist
// @Summary      Download tracklist
// @Description  Plain-text tracklist of the finished mix
// @Tags         Sessions
// @Produce      plain
// @Param        id path string true "Session ID"
// @Success      200 {string} string
// @Failure      409 {object} response.ErrorResponse
// @Failure      410 {object} response.ErrorResponse
// @Router       /api/sessions/{id}/tracklist [get]
func (h *SessionHandler) Tracklist(c *fiber.Ctx) error {
	text, err := h.service.Tracklist(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.PipelineError(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(text)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
