package probe

import (
	"time"

	"github.com/shan-hee/easyssh-monitor/internal/sshx"
)

// HostInfo identifies the target of a monitoring session: the address the
// client actually connected with, not whatever the host calls itself.
type HostInfo struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// Snapshot is one collected view of a remote host. Field names double as
// the streaming agent's wire format.
type Snapshot struct {
	Timestamp     int64        `json:"timestamp"`
	HostID        string       `json:"hostId,omitempty"`
	Hostname      string       `json:"hostname,omitempty"`
	OS            string       `json:"os,omitempty"`
	CPU           CPUStats     `json:"cpu"`
	Memory        MemoryStats  `json:"memory"`
	Swap          SwapStats    `json:"swap"`
	Disk          DiskStats    `json:"disk"`
	Network       NetworkStats `json:"network"`
	Processes     int          `json:"processes"`
	UptimeSeconds int64        `json:"uptime"`
	IP            IPInfo       `json:"ip"`
}

type CPUStats struct {
	UsagePercent float64 `json:"usage"`
	Cores        int     `json:"cores"`
	Model        string  `json:"model,omitempty"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
	Load15       float64 `json:"load15"`
}

type MemoryStats struct {
	TotalBytes   int64   `json:"total"`
	UsedBytes    int64   `json:"used"`
	FreeBytes    int64   `json:"free"`
	UsagePercent float64 `json:"percent"`
}

type SwapStats struct {
	TotalBytes int64 `json:"total"`
	UsedBytes  int64 `json:"used"`
}

type DiskStats struct {
	TotalBytes   int64   `json:"total"`
	UsedBytes    int64   `json:"used"`
	UsagePercent float64 `json:"percent"`
}

// NetworkStats carries raw interface counters plus the per-second rates
// derived from the previous cycle's baseline.
type NetworkStats struct {
	RxBytes int64   `json:"rx_bytes"`
	TxBytes int64   `json:"tx_bytes"`
	RxRate  float64 `json:"rx_rate"`
	TxRate  float64 `json:"tx_rate"`
}

type IPInfo struct {
	Internal string `json:"internal,omitempty"`
	Public   string `json:"public,omitempty"`
}

// StaticFields returns the slow-changing identity block that the transport
// versions instead of re-sending every cycle.
func (s *Snapshot) StaticFields() map[string]any {
	return map[string]any{
		"hostId":      s.HostID,
		"hostname":    s.Hostname,
		"os":          s.OS,
		"cpu_model":   s.CPU.Model,
		"cpu_cores":   s.CPU.Cores,
		"ip_internal": s.IP.Internal,
		"ip_public":   s.IP.Public,
	}
}

// DynamicFields returns the mutable remainder, diffed key-by-key against
// the last values sent on a connection.
func (s *Snapshot) DynamicFields() map[string]any {
	return map[string]any{
		"cpu_usage":    s.CPU.UsagePercent,
		"load_1":       s.CPU.Load1,
		"load_5":       s.CPU.Load5,
		"load_15":      s.CPU.Load15,
		"mem_total":    s.Memory.TotalBytes,
		"mem_used":     s.Memory.UsedBytes,
		"mem_free":     s.Memory.FreeBytes,
		"mem_percent":  s.Memory.UsagePercent,
		"swap_total":   s.Swap.TotalBytes,
		"swap_used":    s.Swap.UsedBytes,
		"disk_total":   s.Disk.TotalBytes,
		"disk_used":    s.Disk.UsedBytes,
		"disk_percent": s.Disk.UsagePercent,
		"net_rx_bytes": s.Network.RxBytes,
		"net_tx_bytes": s.Network.TxBytes,
		"net_rx_rate":  s.Network.RxRate,
		"net_tx_rate":  s.Network.TxRate,
		"processes":    s.Processes,
		"uptime":       s.UptimeSeconds,
	}
}

// EventKind discriminates the probe's outbound events.
type EventKind int

const (
	EventSnapshot EventKind = iota
	EventError
	EventStopped
)

// Event is what a Prober emits on its channel. Exactly one of Snapshot and
// Err is set for the corresponding kind; Reason accompanies EventStopped.
type Event struct {
	Kind     EventKind
	Snapshot *Snapshot
	Err      error
	Reason   string
}

// State tracks a probe's lifecycle.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config carries probe tunables. Zero values fall back to defaults so
// callers only set what they care about.
type Config struct {
	CommandTimeout       time.Duration // per remote command, default 10s
	BackoffMultiplier    float64       // applied per consecutive error, default 1.5
	BackoffCap           time.Duration // upper bound on the backed-off interval, default 30s
	MaxConsecutiveErrors int           // fatal threshold, default 5
	StaticTTL            time.Duration // hostname / CPU model / OS release cache, default 5m
	InternalIPTTL        time.Duration // default 60s
	PublicIPTTL          time.Duration // default 10m, needs an outbound call from the target
	StreamVerbose        bool          // pass -v to the streaming agent
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 1.5
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.StaticTTL <= 0 {
		c.StaticTTL = 5 * time.Minute
	}
	if c.InternalIPTTL <= 0 {
		c.InternalIPTTL = 60 * time.Second
	}
	if c.PublicIPTTL <= 0 {
		c.PublicIPTTL = 10 * time.Minute
	}
	return c
}

// Prober collects telemetry from one host over one SSH connection and
// emits Snapshot/Error/Stopped events until stopped. Start and Stop are
// idempotent; the events channel closes after the terminal Stopped event.
type Prober interface {
	Start(interval time.Duration)
	Stop()
	Events() <-chan Event
	HostID() string
	State() State
}

// Factory builds a Prober for a connection. The bridge holds exactly one
// factory, chosen at startup, and reuses it for every failover.
type Factory func(runner sshx.Runner, host HostInfo) Prober

// PollingFactory returns a factory producing command-battery probers.
func PollingFactory(cfg Config) Factory {
	return func(runner sshx.Runner, host HostInfo) Prober {
		return NewPollingProber(runner, host, cfg)
	}
}

// StreamingFactory returns a factory producing agent-script probers.
func StreamingFactory(cfg Config) Factory {
	return func(runner sshx.Runner, host HostInfo) Prober {
		return NewStreamingProber(runner, host, cfg)
	}
}
