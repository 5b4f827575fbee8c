package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shan-hee/easyssh-monitor/internal/config"
	"github.com/shan-hee/easyssh-monitor/internal/handlers"
	"github.com/shan-hee/easyssh-monitor/internal/middleware"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	serverHandler *handlers.ServerHandler,
	monitorHandler *handlers.MonitorHandler,
	systemHandler *handlers.SystemHandler,
) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", systemHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(cfg.JWTSecret))

	// Auth (protected)
	api.Get("/auth/me", authHandler.Me)

	// System
	api.Get("/system/info", systemHandler.Info)

	// Servers
	api.Get("/servers", serverHandler.ListServers)
	api.Post("/servers", serverHandler.CreateServer)
	api.Get("/servers/:id", serverHandler.GetServer)
	api.Put("/servers/:id", serverHandler.UpdateServer)
	api.Delete("/servers/:id", serverHandler.DeleteServer)
	api.Post("/servers/:id/test", serverHandler.TestConnection)

	// Monitoring (WebSocket)
	api.Use("/servers/:id/monitor", monitorHandler.UpgradeCheck())
	api.Get("/servers/:id/monitor", monitorHandler.HandleMonitor())

	// Monitoring status
	api.Get("/monitor/collectors", monitorHandler.ListCollectors)
	api.Get("/monitor/sessions", monitorHandler.ListSessions)
	api.Get("/monitor/sessions/:id/state", monitorHandler.GetSessionState)
	api.Get("/monitor/stats", monitorHandler.GetStats)
}
