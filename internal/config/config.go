package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Port string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Auth (single user)
	AdminUsername    string
	AdminPassword    string // bcrypt hash computed at startup, plaintext in env
	AdminDisplayName string
	AdminRole        string
	JWTSecret        string

	// SSH Encryption
	SSHEncryptionKey string // 32-byte hex for AES-256-GCM

	// SSH connection pool
	SSHDialTimeout time.Duration
	SSHKeepAlive   time.Duration // keepalive probe cadence on pooled connections
	SSHIdleTimeout time.Duration // idle connections closed after

	// Monitoring core
	MonitorInterval   time.Duration // collection cadence per host
	MonitorStreaming  bool          // push agent instead of command polling
	CommandTimeout    time.Duration // per remote command
	BackoffMultiplier float64
	BackoffCap        time.Duration
	MaxProbeErrors    int // consecutive failures before a probe gives up
	FailoverCooldown  time.Duration
	FailoverJitter    time.Duration
	BatchingEnabled   bool
	BatchSize         int
	BatchTimeout      time.Duration
	BackpressureLimit int
	DropPolicy        string // "oldest" or "current"
	HeartbeatInterval time.Duration
}

func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8098"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "easyssh_db"),
		DBSSLMode:         getEnv("DB_SSLMODE", "disable"),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:     getEnv("ADMIN_PASSWORD", ""),
		AdminDisplayName:  getEnv("ADMIN_DISPLAY_NAME", "Admin"),
		AdminRole:         getEnv("ADMIN_ROLE", "admin"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		SSHEncryptionKey:  getEnv("SSH_ENCRYPTION_KEY", ""),
		SSHDialTimeout:    getDuration("SSH_DIAL_TIMEOUT", 10*time.Second),
		SSHKeepAlive:      getDuration("SSH_KEEPALIVE_INTERVAL", 30*time.Second),
		SSHIdleTimeout:    getDuration("SSH_IDLE_TIMEOUT", 10*time.Minute),
		MonitorInterval:   getDuration("MONITOR_INTERVAL", 5*time.Second),
		MonitorStreaming:  getBool("MONITOR_STREAMING", true),
		CommandTimeout:    getDuration("MONITOR_COMMAND_TIMEOUT", 10*time.Second),
		BackoffMultiplier: getFloat("MONITOR_BACKOFF_MULTIPLIER", 1.5),
		BackoffCap:        getDuration("MONITOR_BACKOFF_CAP", 30*time.Second),
		MaxProbeErrors:    getInt("MONITOR_MAX_ERRORS", 5),
		FailoverCooldown:  getDuration("FAILOVER_COOLDOWN", 10*time.Second),
		FailoverJitter:    getDuration("FAILOVER_JITTER", time.Second),
		BatchingEnabled:   getBool("WS_BATCHING", false),
		BatchSize:         getInt("WS_BATCH_SIZE", 10),
		BatchTimeout:      getDuration("WS_BATCH_TIMEOUT", 200*time.Millisecond),
		BackpressureLimit: getInt("WS_BACKPRESSURE_LIMIT", 1<<20),
		DropPolicy:        getEnv("WS_DROP_POLICY", "oldest"),
		HeartbeatInterval: getDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Plain numbers are taken as seconds for compatibility with
		// older deployments.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
