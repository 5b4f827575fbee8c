package probe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shan-hee/easyssh-monitor/internal/metrics"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
)

// Remote command battery. Sizes are requested in bytes so the parsers
// never deal with unit suffixes.
const (
	cmdCPUUsage   = `top -bn1 | grep -i '%cpu' | head -1 | awk '{print 100-$8}'`
	cmdCPUCores   = `nproc`
	cmdCPUModel   = `grep -m1 'model name' /proc/cpuinfo | cut -d: -f2-`
	cmdLoadAvg    = `cat /proc/loadavg | awk '{print $1" "$2" "$3}'`
	cmdMemory     = `free -b | awk 'NR==2{print $2" "$3" "$4}'`
	cmdSwap       = `free -b | awk 'NR==3{print $2" "$3}'`
	cmdDisk       = `df -B1 / | awk 'NR==2{print $2" "$3}'`
	cmdNet        = `cat /proc/net/dev | awk 'NR>2{rx+=$2; tx+=$10} END{print rx" "tx}'`
	cmdProcesses  = `ps -e --no-headers | wc -l`
	cmdUptime     = `cat /proc/uptime | awk '{print int($1)}'`
	cmdHostname   = `hostname`
	cmdOSRelease  = `. /etc/os-release 2>/dev/null && echo "$PRETTY_NAME" || uname -sr`
	cmdInternalIP = `hostname -I 2>/dev/null | awk '{print $1}'`
	cmdPublicIP   = `curl -s --max-time 5 https://ifconfig.me 2>/dev/null || true`
)

type staticInfo struct {
	hostname string
	cores    int
	model    string
	os       string
}

// PollingProber runs the command battery on a fixed interval, stretched by
// exponential backoff while errors persist.
type PollingProber struct {
	runner sshx.Runner
	host   HostInfo
	cfg    Config

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	state     atomic.Int32

	consecutive int // touched only by the run goroutine

	mu         sync.Mutex
	hostID     string
	static     staticInfo
	staticAt   time.Time
	internalIP string
	internalAt time.Time
	publicIP   string
	publicAt   time.Time
	lastNet    netBaseline
}

func NewPollingProber(runner sshx.Runner, host HostInfo, cfg Config) *PollingProber {
	ctx, cancel := context.WithCancel(context.Background())
	return &PollingProber{
		runner: runner,
		host:   host,
		cfg:    cfg.withDefaults(),
		events: make(chan Event, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *PollingProber) Events() <-chan Event { return p.events }

func (p *PollingProber) State() State { return State(p.state.Load()) }

func (p *PollingProber) HostID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostID
}

// Start begins periodic collection. Calling it again is a no-op.
func (p *PollingProber) Start(interval time.Duration) {
	p.startOnce.Do(func() {
		p.state.Store(int32(StateCollecting))
		go p.run(interval)
	})
}

// Stop is idempotent. The in-flight command is aborted and a terminal
// Stopped event is emitted before the events channel closes.
func (p *PollingProber) Stop() {
	p.stopOnce.Do(p.cancel)
}

func (p *PollingProber) run(interval time.Duration) {
	defer close(p.events)

	timer := time.NewTimer(0) // first cycle immediately
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.finish("stopped")
			return
		case <-timer.C:
		}

		snap, err := p.collect(time.Now())
		if p.ctx.Err() != nil {
			p.finish("stopped")
			return
		}
		if err != nil {
			p.consecutive++
			p.events <- Event{Kind: EventError, Err: err}
			if IsFatal(err) {
				p.finish("fatal: " + err.Error())
				return
			}
			if p.consecutive >= p.cfg.MaxConsecutiveErrors {
				p.finish(fmt.Sprintf("%d consecutive collection failures", p.consecutive))
				return
			}
		} else {
			p.consecutive = 0
			metrics.ProbeSnapshots.WithLabelValues("poll").Inc()
			p.events <- Event{Kind: EventSnapshot, Snapshot: snap}
		}

		timer.Reset(p.nextInterval(interval))
	}
}

func (p *PollingProber) finish(reason string) {
	p.state.Store(int32(StateStopped))
	p.events <- Event{Kind: EventStopped, Reason: reason}
}

// nextInterval stretches the base interval while errors persist and snaps
// back to it on the first success.
func (p *PollingProber) nextInterval(base time.Duration) time.Duration {
	if p.consecutive == 0 {
		return base
	}
	d := time.Duration(float64(base) * math.Pow(p.cfg.BackoffMultiplier, float64(p.consecutive)))
	if d > p.cfg.BackoffCap {
		d = p.cfg.BackoffCap
	}
	return d
}

// output runs one remote command under the fixed command timeout.
func (p *PollingProber) output(cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.CommandTimeout)
	defer cancel()

	out, err := p.runner.Output(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// collect runs one full cycle: refresh cached static facts if stale, then
// the dynamic battery concurrently. Individual command failures degrade
// that field to its zero default; the cycle as a whole fails only when a
// fatal connection symptom appears or nothing could be collected.
func (p *PollingProber) collect(now time.Time) (*Snapshot, error) {
	if err := p.refreshStatic(now); err != nil {
		return nil, err
	}

	snap := &Snapshot{Timestamp: now.UnixMilli()}

	p.mu.Lock()
	snap.Hostname = p.static.hostname
	snap.OS = p.static.os
	snap.CPU.Cores = p.static.cores
	snap.CPU.Model = p.static.model
	snap.IP.Internal = p.internalIP
	snap.IP.Public = p.publicIP
	p.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errs   []error
		rx, tx int64
	)
	part := func(name, cmd string, apply func(out string) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.output(cmd)
			if err == nil {
				err = apply(out)
			}
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
		}()
	}

	part("cpu", cmdCPUUsage, func(out string) error {
		v, err := parseCPUUsage(out)
		snap.CPU.UsagePercent = v
		return err
	})
	part("loadavg", cmdLoadAvg, func(out string) error {
		l1, l5, l15, err := parseLoadAvg(out)
		snap.CPU.Load1, snap.CPU.Load5, snap.CPU.Load15 = l1, l5, l15
		return err
	})
	part("memory", cmdMemory, func(out string) error {
		m, err := parseMemory(out)
		snap.Memory = m
		return err
	})
	part("swap", cmdSwap, func(out string) error {
		s, err := parseSwap(out)
		snap.Swap = s
		return err
	})
	part("disk", cmdDisk, func(out string) error {
		d, err := parseDisk(out)
		snap.Disk = d
		return err
	})
	part("network", cmdNet, func(out string) error {
		var err error
		rx, tx, err = parseNetCounters(out)
		return err
	})
	part("processes", cmdProcesses, func(out string) error {
		n, err := parseCount(out)
		snap.Processes = n
		return err
	})
	part("uptime", cmdUptime, func(out string) error {
		v, err := parseUptime(out)
		snap.UptimeSeconds = v
		return err
	})
	wg.Wait()

	const dynamicParts = 8
	for _, err := range errs {
		if IsFatal(err) {
			return nil, err
		}
	}
	if len(errs) == dynamicParts {
		return nil, fmt.Errorf("all collection commands failed: %w", errs[0])
	}
	for _, err := range errs {
		slog.Debug("Metric collection degraded", "host", p.host.Address, "error", err)
	}

	p.mu.Lock()
	if rx > 0 || tx > 0 {
		snap.Network.RxBytes, snap.Network.TxBytes = rx, tx
		snap.Network.RxRate, snap.Network.TxRate = p.lastNet.rates(rx, tx, now)
		p.lastNet = netBaseline{rx: rx, tx: tx, at: now}
	}
	if p.hostID == "" && snap.Hostname != "" {
		p.hostID = deriveHostID(snap.Hostname, p.host.Address, p.publicIP, p.internalIP)
	}
	snap.HostID = p.hostID
	p.mu.Unlock()

	return snap, nil
}

// refreshStatic re-fetches cheap facts only after their TTLs expire to
// keep the per-cycle command volume down. Failures keep the previous
// values unless they look like the connection itself died.
func (p *PollingProber) refreshStatic(now time.Time) error {
	p.mu.Lock()
	staticStale := now.Sub(p.staticAt) >= p.cfg.StaticTTL
	internalStale := now.Sub(p.internalAt) >= p.cfg.InternalIPTTL
	publicStale := now.Sub(p.publicAt) >= p.cfg.PublicIPTTL
	p.mu.Unlock()

	if staticStale {
		info := staticInfo{}
		out, err := p.output(cmdHostname)
		if err != nil {
			if IsFatal(err) {
				return fmt.Errorf("hostname: %w", err)
			}
		} else {
			info.hostname = out
		}
		if out, err := p.output(cmdCPUCores); err == nil {
			info.cores, _ = parseCount(out)
		}
		if out, err := p.output(cmdCPUModel); err == nil {
			info.model = strings.TrimSpace(out)
		}
		if out, err := p.output(cmdOSRelease); err == nil {
			info.os = out
		}

		p.mu.Lock()
		if info.hostname != "" {
			p.static.hostname = info.hostname
		}
		if info.cores > 0 {
			p.static.cores = info.cores
		}
		if info.model != "" {
			p.static.model = info.model
		}
		if info.os != "" {
			p.static.os = info.os
		}
		p.staticAt = now
		p.mu.Unlock()
	}

	if internalStale {
		if out, err := p.output(cmdInternalIP); err == nil && out != "" {
			p.mu.Lock()
			p.internalIP = out
			p.mu.Unlock()
		}
		p.mu.Lock()
		p.internalAt = now
		p.mu.Unlock()
	}

	if publicStale {
		if out, err := p.output(cmdPublicIP); err == nil && out != "" && !strings.Contains(out, " ") {
			p.mu.Lock()
			p.publicIP = out
			p.mu.Unlock()
		}
		p.mu.Lock()
		p.publicAt = now
		p.mu.Unlock()
	}

	return nil
}
