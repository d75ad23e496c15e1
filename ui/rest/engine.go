package rest

import (
	"github.com/AzielCF/az-publish/core/config"
	"github.com/AzielCF/az-publish/pkg/metrics"
	"github.com/AzielCF/az-publish/pkg/utils"
	"github.com/AzielCF/az-publish/publishing/application"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// StatsSource reports the dispatch loop state.
type StatsSource interface {
	Stats() application.EngineStats
}

type Engine struct {
	Source StatsSource
}

func InitRestEngine(app fiber.Router, source StatsSource) Engine {
	rest := Engine{Source: source}
	app.Get("/engine/stats", rest.Stats)
	app.Get("/engine/settings", rest.Settings)
	return rest
}

func (controller *Engine) Stats(c *fiber.Ctx) error {
	if controller.Source == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(utils.ResponseData{
			Status:  fiber.StatusServiceUnavailable,
			Code:    "SERVICE_UNAVAILABLE",
			Message: "Dispatch engine is not running",
		})
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Engine stats",
		Results: controller.Source.Stats(),
	})
}

// Settings returns the effective engine configuration, without secrets.
func (controller *Engine) Settings(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Engine settings",
		Results: config.GetAllSettings(),
	})
}

// InitRestMetrics exposes the Prometheus registry.
func InitRestMetrics(app fiber.Router) {
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
}
