package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/automix/internal/auth"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	resolver *auth.Resolver
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(resolver *auth.Resolver) *AuthHandler {
	return &AuthHandler{resolver: resolver}
}

// Verify handles GET /auth/verify, called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, err := auth.BearerToken(c.Get("Authorization"))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id, err := h.resolver.Resolve(token)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	c.Set("X-User-Name", id.Name)
	c.Set("X-User-Roles", strings.Join(id.Roles, ","))
	return c.SendStatus(fiber.StatusOK)
}
