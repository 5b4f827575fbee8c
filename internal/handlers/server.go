package handlers

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shan-hee/easyssh-monitor/internal/crypto"
	"github.com/shan-hee/easyssh-monitor/internal/models"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
	"gorm.io/gorm"
)

type ServerHandler struct {
	db        *gorm.DB
	encryptor *crypto.Encryptor
	sshPool   *sshx.Pool
}

func NewServerHandler(db *gorm.DB, encryptor *crypto.Encryptor, sshPool *sshx.Pool) *ServerHandler {
	return &ServerHandler{db: db, encryptor: encryptor, sshPool: sshPool}
}

func (h *ServerHandler) ListServers(c *fiber.Ctx) error {
	var servers []models.Server
	if err := h.db.Order("created_at DESC").Find(&servers).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list servers",
		})
	}
	return c.JSON(fiber.Map{"servers": servers})
}

func (h *ServerHandler) CreateServer(c *fiber.Ctx) error {
	var req struct {
		Name       string `json:"name"`
		Host       string `json:"host"`
		Port       int    `json:"port"`
		Username   string `json:"username"`
		AuthType   string `json:"auth_type"`
		Password   string `json:"password"`
		PrivateKey string `json:"private_key"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if req.Name == "" || req.Host == "" || req.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Name, host, and username are required",
		})
	}

	if req.Port == 0 {
		req.Port = 22
	}
	if req.AuthType == "" {
		req.AuthType = "password"
	}

	// Test connection first
	fingerprint, err := sshx.TestConnection(c.Context(), req.Host, req.Port, sshx.Credentials{
		Username:   req.Username,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		AuthType:   req.AuthType,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "SSH connection test failed: " + err.Error(),
		})
	}

	now := time.Now()
	server := models.Server{
		Name:            req.Name,
		Host:            req.Host,
		Port:            req.Port,
		Username:        req.Username,
		AuthType:        req.AuthType,
		Fingerprint:     fingerprint,
		Status:          "online",
		LastConnectedAt: &now,
	}

	if req.AuthType == "key" && req.PrivateKey != "" {
		encrypted, err := h.encryptor.Encrypt(req.PrivateKey)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   true,
				"message": "Failed to encrypt private key",
			})
		}
		server.EncryptedPrivateKey = encrypted
	} else if req.Password != "" {
		encrypted, err := h.encryptor.Encrypt(req.Password)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   true,
				"message": "Failed to encrypt password",
			})
		}
		server.EncryptedPassword = encrypted
	}

	if err := h.db.Create(&server).Error; err != nil {
		slog.Error("Failed to create server", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to create server",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(server)
}

func (h *ServerHandler) GetServer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid server ID",
		})
	}

	var server models.Server
	if err := h.db.First(&server, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Server not found",
		})
	}
	return c.JSON(server)
}

func (h *ServerHandler) UpdateServer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid server ID",
		})
	}

	var server models.Server
	if err := h.db.First(&server, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Server not found",
		})
	}

	var req struct {
		Name       *string `json:"name"`
		Host       *string `json:"host"`
		Port       *int    `json:"port"`
		Username   *string `json:"username"`
		AuthType   *string `json:"auth_type"`
		Password   *string `json:"password"`
		PrivateKey *string `json:"private_key"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if req.Name != nil {
		server.Name = *req.Name
	}
	if req.Host != nil {
		server.Host = *req.Host
	}
	if req.Port != nil {
		server.Port = *req.Port
	}
	if req.Username != nil {
		server.Username = *req.Username
	}
	if req.AuthType != nil {
		server.AuthType = *req.AuthType
	}
	if req.Password != nil && *req.Password != "" {
		if encrypted, err := h.encryptor.Encrypt(*req.Password); err == nil {
			server.EncryptedPassword = encrypted
		}
	}
	if req.PrivateKey != nil && *req.PrivateKey != "" {
		if encrypted, err := h.encryptor.Encrypt(*req.PrivateKey); err == nil {
			server.EncryptedPrivateKey = encrypted
		}
	}

	if err := h.db.Save(&server).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to update server",
		})
	}
	return c.JSON(server)
}

func (h *ServerHandler) DeleteServer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid server ID",
		})
	}

	if err := h.db.Delete(&models.Server{}, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to delete server",
		})
	}
	return c.JSON(fiber.Map{"message": "Server deleted"})
}

func (h *ServerHandler) TestConnection(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid server ID",
		})
	}

	var server models.Server
	if err := h.db.First(&server, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Server not found",
		})
	}

	password, privateKey, err := h.decryptCredentials(&server)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to decrypt credentials",
		})
	}

	fingerprint, err := sshx.TestConnection(c.Context(), server.Host, server.Port, sshx.Credentials{
		Username:   server.Username,
		Password:   password,
		PrivateKey: privateKey,
		AuthType:   server.AuthType,
	})
	if err != nil {
		h.db.Model(&server).Updates(map[string]interface{}{"status": "offline"})
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":       true,
			"message":     "Connection failed: " + err.Error(),
			"fingerprint": fingerprint,
		})
	}

	now := time.Now()
	h.db.Model(&server).Updates(map[string]interface{}{
		"status":            "online",
		"fingerprint":       fingerprint,
		"last_connected_at": now,
	})

	return c.JSON(fiber.Map{
		"message":     "Connection successful",
		"fingerprint": fingerprint,
	})
}

func (h *ServerHandler) decryptCredentials(server *models.Server) (password, privateKey string, err error) {
	if server.EncryptedPassword != "" {
		password, err = h.encryptor.Decrypt(server.EncryptedPassword)
		if err != nil {
			return "", "", err
		}
	}
	if server.EncryptedPrivateKey != "" {
		privateKey, err = h.encryptor.Decrypt(server.EncryptedPrivateKey)
		if err != nil {
			return "", "", err
		}
	}
	return password, privateKey, nil
}

// GetDecryptedCredentials is used by the monitor handler to open probe
// connections.
func (h *ServerHandler) GetDecryptedCredentials(server *models.Server) (password, privateKey string, err error) {
	return h.decryptCredentials(server)
}

// GetSSHPool returns the shared SSH connection pool.
func (h *ServerHandler) GetSSHPool() *sshx.Pool {
	return h.sshPool
}

// GetDB returns the database handle.
func (h *ServerHandler) GetDB() *gorm.DB {
	return h.db
}
