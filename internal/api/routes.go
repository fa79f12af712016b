package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checker-Finance/liquidity-engine/internal/rate"
	"github.com/Checker-Finance/liquidity-engine/internal/store"
)

func RegisterRoutes(app *fiber.App, nc *nats.Conn, st store.Store, handler *Handler, limiter *rate.Manager) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"nats":  "ok",
			"store": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		if nc == nil || !nc.IsConnected() {
			checks["nats"] = "disconnected"
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		} else if err := nc.FlushTimeout(1 * time.Second); err != nil {
			checks["nats"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	// API routes
	v1 := app.Group("/api/v1")
	if limiter != nil {
		v1.Use(rateLimit(limiter))
	}
	v1.Post("/allocations", handler.CreateAllocation)
	v1.Post("/requisites", handler.CreateRequisite)
	v1.Get("/requisites/:id", handler.GetRequisite)
	v1.Post("/requisites/:id/transition", handler.TransitionRequisite)
}

// rateLimit throttles callers per wallet. The wallet comes from the
// X-Wallet-ID header; anonymous callers share a per-IP bucket.
func rateLimit(limiter *rate.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("X-Wallet-ID")
		if key == "" {
			key = c.IP()
		}
		if !limiter.Allow(key) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}
