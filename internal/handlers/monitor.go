package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shan-hee/easyssh-monitor/internal/bridge"
	"github.com/shan-hee/easyssh-monitor/internal/models"
	"github.com/shan-hee/easyssh-monitor/internal/probe"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
	"github.com/shan-hee/easyssh-monitor/internal/transport"
	"gorm.io/gorm"
)

// MonitorHandler exposes the monitoring WebSocket and the status
// endpoints over the bridge and transport layers.
type MonitorHandler struct {
	db        *gorm.DB
	servers   *ServerHandler
	bridge    *bridge.Bridge
	transport *transport.Manager
}

func NewMonitorHandler(db *gorm.DB, servers *ServerHandler, b *bridge.Bridge, tm *transport.Manager) *MonitorHandler {
	return &MonitorHandler{db: db, servers: servers, bridge: b, transport: tm}
}

// UpgradeCheck rejects plain HTTP requests on the WebSocket route.
func (h *MonitorHandler) UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			// Capture query params before the upgrade swallows the fiber ctx.
			c.Locals("server_id", c.Params("id"))
			c.Locals("binary", c.Query("binary") == "true")
			c.Locals("compress", c.Query("compress") == "true")
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleMonitor upgrades the connection and runs one monitoring session
// until the client disconnects.
func (h *MonitorHandler) HandleMonitor() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		serverID, _ := conn.Locals("server_id").(string)
		binary, _ := conn.Locals("binary").(bool)
		compress, _ := conn.Locals("compress").(bool)

		id, err := uuid.Parse(serverID)
		if err != nil {
			writeWSError(conn, "Invalid server ID")
			return
		}

		var server models.Server
		if err := h.db.First(&server, "id = ?", id).Error; err != nil {
			writeWSError(conn, "Server not found")
			return
		}

		password, privateKey, err := h.servers.GetDecryptedCredentials(&server)
		if err != nil {
			writeWSError(conn, "Failed to decrypt credentials")
			return
		}

		runner, err := h.servers.GetSSHPool().GetRunner(context.Background(), server.Host, server.Port, sshx.Credentials{
			Username:   server.Username,
			Password:   password,
			PrivateKey: privateKey,
			AuthType:   server.AuthType,
		})
		if err != nil {
			writeWSError(conn, "SSH connection failed: "+err.Error())
			return
		}

		sessionID := uuid.NewString()
		host := probe.HostInfo{Address: server.Host, Port: server.Port, Username: server.Username}

		record := models.MonitorSession{
			SessionID:   sessionID,
			ServerID:    &server.ID,
			HostAddress: server.Host,
			StartedAt:   time.Now(),
		}
		if err := h.db.Create(&record).Error; err != nil {
			slog.Warn("Failed to record monitor session", "error", err)
		}

		ch := newWSChannel(conn, h.transport.Options().BackpressureLimit)
		h.transport.RegisterConnection(sessionID, ch, transport.Meta{
			Binary:     binary,
			Compressed: compress,
		})
		h.bridge.StartMonitoring(context.Background(), sessionID, runner, host)

		slog.Info("Monitoring session opened",
			"session", sessionID, "server", server.Name, "host", server.Host, "binary", binary)

		// Read loop: the client only sends control frames; any read error
		// means the peer is gone.
		reason := "connection closed"
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}

		hostID := h.bridge.SessionHostID(sessionID)
		h.bridge.StopMonitoring(sessionID, reason)
		h.transport.UnregisterConnection(sessionID)

		now := time.Now()
		h.db.Model(&models.MonitorSession{}).Where("session_id = ?", sessionID).Updates(map[string]interface{}{
			"host_id":          hostID,
			"ended_at":         now,
			"duration_seconds": int(now.Sub(record.StartedAt).Seconds()),
			"stop_reason":      reason,
		})
		slog.Info("Monitoring session closed", "session", sessionID, "reason", reason)
	})
}

// GetSessionState reports a session's collector lifecycle state.
func (h *MonitorHandler) GetSessionState(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"session_id": c.Params("id"),
		"state":      h.bridge.GetCollectorState(c.Params("id")),
	})
}

// ListCollectors returns every live host group.
func (h *MonitorHandler) ListCollectors(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"collectors": h.bridge.GetAllCollectorStatus()})
}

// GetStats aggregates bridge and transport counters.
func (h *MonitorHandler) GetStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"bridge":    h.bridge.GetStats(),
		"transport": h.transport.Stats(),
	})
}

// ListSessions returns the recorded monitoring session history.
func (h *MonitorHandler) ListSessions(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var sessions []models.MonitorSession
	if err := h.db.Order("started_at DESC").Limit(limit).Find(&sessions).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list sessions",
		})
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

func writeWSError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(fiber.Map{"type": "error", "message": message})
	_ = conn.Close()
}

// wsConn is the slice of *websocket.Conn the channel adapter writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsChannel adapts a WebSocket connection to the transport channel
// surface. Writes go through an internal queue drained by one pump
// goroutine, so Buffered can report how far behind a slow client is.
type wsChannel struct {
	conn    wsConn
	frames  chan wsFrame
	pending atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	writeErr  atomic.Bool
}

type wsFrame struct {
	messageType int
	data        []byte
}

// minFrameBytes is a conservative lower bound on a delta envelope's size,
// used to convert the transport's byte limit into frame-queue slots. The
// queue must hold at least byteLimit worth of small frames, otherwise it
// fills before Buffered crosses the limit and the configured drop policy
// never engages.
const minFrameBytes = 64

func newWSChannel(conn wsConn, byteLimit int) *wsChannel {
	slots := byteLimit / minFrameBytes
	if slots < 256 {
		slots = 256
	}
	ch := &wsChannel{
		conn:   conn,
		frames: make(chan wsFrame, slots),
		done:   make(chan struct{}),
	}
	go ch.pump()
	return ch
}

func (ch *wsChannel) WriteMessage(messageType int, data []byte) error {
	if ch.writeErr.Load() {
		return fmt.Errorf("websocket write failed")
	}
	select {
	case <-ch.done:
		return fmt.Errorf("channel closed")
	default:
	}

	wsType := websocket.TextMessage
	if messageType == transport.BinaryMessage {
		wsType = websocket.BinaryMessage
	}

	select {
	case ch.frames <- wsFrame{messageType: wsType, data: data}:
		ch.pending.Add(int64(len(data)))
		return nil
	default:
		return fmt.Errorf("websocket send queue full")
	}
}

// Buffered returns the byte count queued but not yet written.
func (ch *wsChannel) Buffered() int {
	return int(ch.pending.Load())
}

func (ch *wsChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.done) })
	return ch.conn.Close()
}

func (ch *wsChannel) pump() {
	for {
		select {
		case <-ch.done:
			return
		case frame := <-ch.frames:
			if err := ch.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				ch.writeErr.Store(true)
			}
			ch.pending.Add(-int64(len(frame.data)))
		}
	}
}
