package probe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parsing policy: the polling variant's parsers below are authoritative.
// Sizes are requested in bytes from the remote tools (free -b, df -B1) so
// no unit-suffix parsing happens here, and the process count is used as
// reported by ps without adjustment.

// parseCPUUsage parses "12.3" (percent busy) from the top-derived command.
func parseCPUUsage(out string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("cpu usage: %w", err)
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v, nil
}

// parseLoadAvg parses the first three fields of /proc/loadavg.
func parseLoadAvg(out string) (l1, l5, l15 float64, err error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("loadavg: expected 3 fields, got %d", len(fields))
	}
	vals := make([]float64, 3)
	for i := 0; i < 3; i++ {
		vals[i], err = strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loadavg field %d: %w", i, err)
		}
	}
	return vals[0], vals[1], vals[2], nil
}

// parseMemory parses "total used free" in bytes from free -b.
func parseMemory(out string) (MemoryStats, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return MemoryStats{}, fmt.Errorf("memory: expected 3 fields, got %d", len(fields))
	}
	total, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("memory total: %w", err)
	}
	used, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("memory used: %w", err)
	}
	free, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("memory free: %w", err)
	}
	stats := MemoryStats{TotalBytes: total, UsedBytes: used, FreeBytes: free}
	if total > 0 {
		stats.UsagePercent = float64(used) / float64(total) * 100
	}
	return stats, nil
}

// parseSwap parses "total used" in bytes from free -b.
func parseSwap(out string) (SwapStats, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 {
		return SwapStats{}, fmt.Errorf("swap: expected 2 fields, got %d", len(fields))
	}
	total, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return SwapStats{}, fmt.Errorf("swap total: %w", err)
	}
	used, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return SwapStats{}, fmt.Errorf("swap used: %w", err)
	}
	return SwapStats{TotalBytes: total, UsedBytes: used}, nil
}

// parseDisk parses "total used" in bytes from df -B1 on the root mount.
func parseDisk(out string) (DiskStats, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 {
		return DiskStats{}, fmt.Errorf("disk: expected 2 fields, got %d", len(fields))
	}
	total, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return DiskStats{}, fmt.Errorf("disk total: %w", err)
	}
	used, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return DiskStats{}, fmt.Errorf("disk used: %w", err)
	}
	stats := DiskStats{TotalBytes: total, UsedBytes: used}
	if total > 0 {
		stats.UsagePercent = float64(used) / float64(total) * 100
	}
	return stats, nil
}

// parseNetCounters parses "rx tx" cumulative byte counters summed across
// interfaces from /proc/net/dev.
func parseNetCounters(out string) (rx, tx int64, err error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("net counters: expected 2 fields, got %d", len(fields))
	}
	rx, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("net rx: %w", err)
	}
	tx, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("net tx: %w", err)
	}
	return rx, tx, nil
}

// parseCount parses a bare integer (process count, core count).
func parseCount(out string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return v, nil
}

// parseUptime parses whole seconds from /proc/uptime.
func parseUptime(out string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("uptime: %w", err)
	}
	return v, nil
}

// netBaseline remembers the previous cycle's counters so throughput can be
// reported as a rate instead of a monotonic total.
type netBaseline struct {
	rx, tx int64
	at     time.Time
}

// rates derives per-second rates against the baseline. Counter resets
// (reboot, interface churn) yield zero rather than a negative rate.
func (b *netBaseline) rates(rx, tx int64, now time.Time) (rxRate, txRate float64) {
	if b.at.IsZero() {
		return 0, 0
	}
	elapsed := now.Sub(b.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	if d := rx - b.rx; d > 0 {
		rxRate = float64(d) / elapsed
	}
	if d := tx - b.tx; d > 0 {
		txRate = float64(d) / elapsed
	}
	return rxRate, txRate
}

// deriveHostID forms the stable per-host identity. The address the client
// connected with wins; a host that was reached through a tunnel or
// wildcard address falls back to what the host itself reports.
func deriveHostID(hostname, clientAddr, publicIP, internalIP string) string {
	ip := clientAddr
	if ip == "" || ip == "0.0.0.0" || ip == "::" {
		ip = publicIP
	}
	if ip == "" {
		ip = internalIP
	}
	if ip == "" {
		ip = "unknown"
	}
	if hostname == "" {
		return ip
	}
	return hostname + "@" + ip
}
