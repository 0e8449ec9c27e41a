package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/automix/internal/auth"
	"github.com/makeasinger/automix/pkg/response"
)

const localIdentity = "identity"

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	resolver *auth.Resolver
}

func NewAuthMiddleware(resolver *auth.Resolver) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver}
}

// Authenticate rejects requests without a valid bearer token.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.BearerToken(c.Get("Authorization"))
		if err != nil {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}
		id, err := m.resolver.Resolve(token)
		if err != nil {
			if errors.Is(err, auth.ErrNotConfigured) {
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}
		c.Locals(localIdentity, id)
		return c.Next()
	}
}

// Identify attaches the caller when a valid token is present and lets
// anonymous requests through.
func (m *AuthMiddleware) Identify() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.BearerToken(c.Get("Authorization"))
		if err != nil || !m.resolver.Configured() {
			return c.Next()
		}
		if id, err := m.resolver.Resolve(token); err == nil {
			c.Locals(localIdentity, id)
		}
		return c.Next()
	}
}

// RequireRole must run after Authenticate or GatewayAuthMiddleware.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !GetIdentity(c).HasRole(role) {
			return response.Forbidden(c, "Requires role "+role)
		}
		return c.Next()
	}
}

// GetIdentity returns the caller, or nil for anonymous requests.
func GetIdentity(c *fiber.Ctx) *auth.Identity {
	id, _ := c.Locals(localIdentity).(*auth.Identity)
	return id
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if id := GetIdentity(c); id != nil {
		return id.UserID
	}
	return ""
}
