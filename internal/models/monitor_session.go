package models

import (
	"time"

	"github.com/google/uuid"
)

// MonitorSession records one client's monitoring attachment to a host,
// kept for the session history view.
type MonitorSession struct {
	ID              uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	SessionID       string     `gorm:"not null;uniqueIndex" json:"session_id"`
	ServerID        *uuid.UUID `gorm:"type:uuid;index" json:"server_id,omitempty"`
	HostAddress     string     `gorm:"not null" json:"host_address"`
	HostID          string     `json:"host_id"` // resolved hostname@ip, recorded when the session closes
	StartedAt       time.Time  `gorm:"not null" json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds int        `json:"duration_seconds"`
	StopReason      string     `json:"stop_reason"`
}
