package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shan-hee/easyssh-monitor/internal/bridge"
	"github.com/shan-hee/easyssh-monitor/internal/config"
	"github.com/shan-hee/easyssh-monitor/internal/crypto"
	"github.com/shan-hee/easyssh-monitor/internal/database"
	"github.com/shan-hee/easyssh-monitor/internal/handlers"
	"github.com/shan-hee/easyssh-monitor/internal/probe"
	"github.com/shan-hee/easyssh-monitor/internal/routes"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
	"github.com/shan-hee/easyssh-monitor/internal/transport"
)

func main() {
	// JSON structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting easyssh-monitor", "version", handlers.Version)

	// ─── Config ──────────────────────────────────────────────────────────
	cfg := config.Load()

	// ─── Database ────────────────────────────────────────────────────────
	if err := database.Connect(cfg); err != nil {
		slog.Error("Database connection failed", "error", err)
		os.Exit(1)
	}

	if err := database.Migrate(); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	db := database.DB

	// ─── Encryption ─────────────────────────────────────────────────────
	var encryptor *crypto.Encryptor
	if cfg.SSHEncryptionKey != "" {
		var err error
		encryptor, err = crypto.NewEncryptor(cfg.SSHEncryptionKey)
		if err != nil {
			slog.Error("Failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("SSH credential encryption initialized")
	} else {
		slog.Warn("SSH_ENCRYPTION_KEY not set, credentials will not be encrypted")
		// Dummy key for development only
		encryptor, _ = crypto.NewEncryptor("0000000000000000000000000000000000000000000000000000000000000000")
	}

	// ─── SSH Pool ───────────────────────────────────────────────────────
	sshPool := sshx.NewPool(sshx.PoolConfig{
		DialTimeout:       cfg.SSHDialTimeout,
		KeepAliveInterval: cfg.SSHKeepAlive,
		IdleTimeout:       cfg.SSHIdleTimeout,
	})

	// ─── Transport ──────────────────────────────────────────────────────
	tm := transport.NewManager(transport.Options{
		BatchingEnabled:   cfg.BatchingEnabled,
		BatchSize:         cfg.BatchSize,
		BatchTimeout:      cfg.BatchTimeout,
		BackpressureLimit: cfg.BackpressureLimit,
		DropPolicy:        transport.DropPolicy(cfg.DropPolicy),
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	// ─── Bridge ─────────────────────────────────────────────────────────
	probeCfg := probe.Config{
		CommandTimeout:       cfg.CommandTimeout,
		BackoffMultiplier:    cfg.BackoffMultiplier,
		BackoffCap:           cfg.BackoffCap,
		MaxConsecutiveErrors: cfg.MaxProbeErrors,
	}
	factory := probe.PollingFactory(probeCfg)
	if cfg.MonitorStreaming {
		factory = probe.StreamingFactory(probeCfg)
	}
	br := bridge.New(factory, tm, bridge.Config{
		Interval:         cfg.MonitorInterval,
		FailoverCooldown: cfg.FailoverCooldown,
		FailoverJitter:   cfg.FailoverJitter,
	})
	br.Start()

	// ─── Handlers ───────────────────────────────────────────────────────
	authHandler := handlers.NewAuthHandler(cfg)
	serverHandler := handlers.NewServerHandler(db, encryptor, sshPool)
	monitorHandler := handlers.NewMonitorHandler(db, serverHandler, br, tm)
	systemHandler := handlers.NewSystemHandler(db, br)

	// ─── Fiber App ──────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      "easyssh-monitor v" + handlers.Version,
		ServerHeader: "easyssh-monitor",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal server error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": message,
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, PATCH, OPTIONS",
	}))

	app.Use(recover.New(recover.Config{
		EnableStackTrace: false,
	}))

	// Security headers
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		return c.Next()
	})

	// Request logger
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if c.Path() == "/api/health" || c.Path() == "/metrics" {
			return err
		}
		slog.Info("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)
		return err
	})

	// ─── Routes ─────────────────────────────────────────────────────────
	routes.Setup(app, cfg, authHandler, serverHandler, monitorHandler, systemHandler)

	// ─── Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down easyssh-monitor...")

		br.Stop()
		sshPool.CloseAll()

		if err := app.Shutdown(); err != nil {
			slog.Error("Fiber shutdown error", "error", err)
		}

		if sqlDB, err := database.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	// ─── Start ──────────────────────────────────────────────────────────
	listenAddr := ":" + cfg.Port
	slog.Info("easyssh-monitor listening", "addr", listenAddr)

	if err := app.Listen(listenAddr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
