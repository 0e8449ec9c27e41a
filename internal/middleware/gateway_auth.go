package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/automix/internal/auth"
	"github.com/makeasinger/automix/pkg/response"
)

// GatewayAuthMiddleware reads user identity from X-User-* headers
// set by Traefik ForwardAuth. With required false, requests without
// identity headers pass through anonymously.
func GatewayAuthMiddleware(required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			if required {
				return response.Unauthorized(c, "Missing user identity headers")
			}
			return c.Next()
		}

		id := &auth.Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
		}
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				id.Roles = append(id.Roles, r)
			}
		}
		c.Locals(localIdentity, id)

		return c.Next()
	}
}
