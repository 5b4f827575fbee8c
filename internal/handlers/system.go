package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shan-hee/easyssh-monitor/internal/bridge"
	"gorm.io/gorm"
)

var startTime = time.Now()
var Version = "1.0.0"

type SystemHandler struct {
	db     *gorm.DB
	bridge *bridge.Bridge
}

func NewSystemHandler(db *gorm.DB, b *bridge.Bridge) *SystemHandler {
	return &SystemHandler{db: db, bridge: b}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	dbStatus := "ok"
	statusCode := fiber.StatusOK

	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus = "unreachable: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	}

	overall := "ok"
	if statusCode != fiber.StatusOK {
		overall = "degraded"
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":  overall,
		"service": "easyssh-monitor",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(startTime).String(),
		"db":      dbStatus,
	})
}

func (h *SystemHandler) Info(c *fiber.Ctx) error {
	var serverCount, sessionCount int64
	h.db.Table("servers").Where("deleted_at IS NULL").Count(&serverCount)
	h.db.Table("monitor_sessions").Count(&sessionCount)

	stats := h.bridge.GetStats()
	return c.JSON(fiber.Map{
		"version":          Version,
		"uptime":           time.Since(startTime).String(),
		"servers":          serverCount,
		"monitor_sessions": sessionCount,
		"active_sessions":  stats.Sessions,
		"active_probes":    stats.Probes,
		"failovers":        stats.Failovers,
	})
}
