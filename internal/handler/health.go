package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// Probe reports whether an optional dependency is configured.
type Probe func() bool

type HealthHandler struct {
	redis  *redis.Client
	probes map[string]Probe
}

func NewHealthHandler(redisClient *redis.Client, probes map[string]Probe) *HealthHandler {
	return &HealthHandler{
		redis:  redisClient,
		probes: probes,
	}
}

// Health handles GET /health
// @Summary      Health check
// @Description  Redis reachability and which optional services are configured
// @Tags         Health
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Failure      503 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	services := fiber.Map{}
	for name, probe := range h.probes {
		services[name] = probe()
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		services["redis"] = false
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "degraded",
			"services": services,
		})
	}
	services["redis"] = true

	return c.JSON(fiber.Map{
		"status":   "ok",
		"services": services,
	})
}
