package bridge

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shan-hee/easyssh-monitor/internal/metrics"
	"github.com/shan-hee/easyssh-monitor/internal/probe"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
)

// DataSink receives the primary session's snapshots. It is the single
// hand-off point out of the monitoring core into client-facing delivery.
type DataSink interface {
	HandleMonitoringData(sessionID string, snap *probe.Snapshot)
}

// Config carries the bridge tunables. Zero values fall back to defaults.
type Config struct {
	Interval         time.Duration // collection interval handed to probes, default 5s
	FailoverCooldown time.Duration // minimum spacing between failovers per host, default 10s
	FailoverJitter   time.Duration // random extra delay when rate-limited, default 1s
	SweepInterval    time.Duration // terminal-session cleanup, default 5m
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.FailoverCooldown <= 0 {
		c.FailoverCooldown = 10 * time.Second
	}
	if c.FailoverJitter <= 0 {
		c.FailoverJitter = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Bridge maps client sessions onto per-host probes: it deduplicates
// concurrent starts against the same host, keeps exactly one live probe
// per host group, forwards only the elected primary session's data, and
// fails over to a standby session's connection when the active probe dies.
type Bridge struct {
	cfg     Config
	factory probe.Factory
	sink    DataSink

	mu           sync.Mutex
	sessions     map[string]*session
	groups       map[string]*hostGroup
	inflight     map[string]bool      // hostKey -> probe start in progress
	failover     map[string]bool      // hostKey -> failover decided, not yet complete
	lastFailover map[string]time.Time // hostKey -> previous failover completion

	failovers   uint64
	forwarded   uint64
	suppressed  uint64
	passthrough uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(factory probe.Factory, sink DataSink, cfg Config) *Bridge {
	return &Bridge{
		cfg:          cfg.withDefaults(),
		factory:      factory,
		sink:         sink,
		sessions:     make(map[string]*session),
		groups:       make(map[string]*hostGroup),
		inflight:     make(map[string]bool),
		failover:     make(map[string]bool),
		lastFailover: make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the periodic sweep of terminal session bookkeeping.
func (b *Bridge) Start() {
	go b.sweepLoop()
}

// Stop tears down every live probe and stops the sweep.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	probers := make([]probe.Prober, 0, len(b.groups))
	for _, g := range b.groups {
		if g.prober != nil {
			probers = append(probers, g.prober)
		}
	}
	b.mu.Unlock()

	for _, p := range probers {
		p.Stop()
	}
}

// StartMonitoring attaches a session to its host's group, creating the
// group and its probe when this is the first session for the host.
// Calling it again for a session that is already starting or running is a
// no-op. Cancelling ctx is equivalent to StopMonitoring.
func (b *Bridge) StartMonitoring(ctx context.Context, sessionID string, runner sshx.Runner, host probe.HostInfo) {
	key := hostKey(host)

	b.mu.Lock()
	if s, ok := b.sessions[sessionID]; ok && !s.detached && (s.state == stateStarting || s.state == stateRunning) {
		b.mu.Unlock()
		slog.Debug("Monitoring already active", "session", sessionID)
		return
	}

	sess := &session{id: sessionID, groupKey: key, state: stateStarting}
	b.sessions[sessionID] = sess
	metrics.ActiveSessions.Inc()

	if g, ok := b.groups[key]; ok {
		// Host already has a group: share its probe, no new launch.
		g.members[sessionID] = &member{runner: runner, host: host}
		if !b.inflight[key] {
			sess.state = stateRunning
		}
		refs := g.refCount()
		b.mu.Unlock()
		b.watchContext(ctx, sessionID)
		slog.Info("Session joined host group", "session", sessionID, "host", key, "refs", refs)
		return
	}

	// First session for this host: claim the in-flight slot so a
	// concurrent start for the same host attaches instead of launching a
	// second probe.
	b.inflight[key] = true
	g := &hostGroup{
		key:     key,
		owner:   sessionID,
		primary: sessionID,
		members: map[string]*member{sessionID: {runner: runner, host: host}},
	}
	b.groups[key] = g
	b.mu.Unlock()

	p := b.factory(runner, host)
	go b.consume(p, sessionID, key)
	p.Start(b.cfg.Interval)
	metrics.ActiveProbes.Inc()

	b.mu.Lock()
	if b.groups[key] != g {
		// Every session detached while the probe was starting; the group
		// is gone and nothing would ever reach this probe again.
		delete(b.inflight, key)
		b.mu.Unlock()
		p.Stop()
		slog.Info("Host released during probe start", "session", sessionID, "host", key)
		return
	}
	g.prober = p
	delete(b.inflight, key)
	for id := range g.members {
		if s := b.sessions[id]; s != nil && s.state == stateStarting {
			s.state = stateRunning
		}
	}
	ownerGone := false
	if s := b.sessions[sessionID]; s == nil || s.detached {
		// The launching session detached mid-start but other members
		// remain; its connection is on the way out, so stop the probe and
		// let the stopped event elect a replacement.
		ownerGone = true
	}
	b.mu.Unlock()

	if ownerGone {
		p.Stop()
		return
	}
	b.watchContext(ctx, sessionID)
	slog.Info("Monitoring started", "session", sessionID, "host", key)
}

// StopMonitoring detaches a session. The last session of a group releases
// the probe and the group; a departing session whose connection powers the
// shared probe forces a failover for the ones that remain. Idempotent.
func (b *Bridge) StopMonitoring(sessionID, reason string) {
	b.mu.Lock()
	sess := b.sessions[sessionID]
	if sess == nil || sess.detached {
		b.mu.Unlock()
		return
	}
	sess.detached = true
	sess.state = stateStopped
	sess.stoppedAt = time.Now()
	metrics.ActiveSessions.Dec()

	var toStop probe.Prober
	if g := b.groups[sess.groupKey]; g != nil {
		delete(g.members, sessionID)
		if g.refCount() == 0 {
			toStop = g.prober
			delete(b.groups, sess.groupKey)
			delete(b.failover, sess.groupKey)
			delete(b.lastFailover, sess.groupKey)
		} else if g.owner == sessionID || g.primary == sessionID {
			// The shared probe runs on this session's connection (or the
			// session was primary): stop it so the stopped event elects a
			// replacement instead of leaving stale data flowing.
			toStop = g.prober
			if g.primary == sessionID {
				g.primary = ""
			}
		}
	}
	b.mu.Unlock()

	if toStop != nil {
		toStop.Stop()
	}
	slog.Info("Monitoring stopped", "session", sessionID, "reason", reason)
}

// HandleMonitoringData receives every snapshot from every probe,
// including ones a handover race briefly leaves alive. Only the current
// primary's data moves on; everything else is suppressed. Snapshots
// without a resolvable host id always pass through so data is not lost
// while identity is still being resolved.
func (b *Bridge) HandleMonitoringData(sessionID string, snap *probe.Snapshot) {
	if snap == nil {
		return
	}

	b.mu.Lock()
	var g *hostGroup
	if sess := b.sessions[sessionID]; sess != nil {
		g = b.groups[sess.groupKey]
	}
	if g == nil || snap.HostID == "" {
		b.passthrough++
		b.mu.Unlock()
		b.sink.HandleMonitoringData(sessionID, snap)
		return
	}
	if g.hostID == "" {
		g.hostID = snap.HostID
	}
	if g.primary == "" || !b.primaryCollecting(g) {
		// No live primary recorded: the session that is actually
		// delivering data takes over.
		g.primary = sessionID
	}
	forward := g.primary == sessionID
	if forward {
		b.forwarded++
	} else {
		b.suppressed++
	}
	b.mu.Unlock()

	if forward {
		metrics.SnapshotsForwarded.Inc()
		b.sink.HandleMonitoringData(sessionID, snap)
	} else {
		metrics.SnapshotsSuppressed.Inc()
	}
}

// primaryCollecting reports whether the recorded primary still has a live
// probe behind it. Callers hold b.mu.
func (b *Bridge) primaryCollecting(g *hostGroup) bool {
	return g.prober != nil && g.owner == g.primary && g.prober.State() == probe.StateCollecting
}

// consume drains one probe's event channel for its whole lifetime.
func (b *Bridge) consume(p probe.Prober, owner, key string) {
	for ev := range p.Events() {
		switch ev.Kind {
		case probe.EventSnapshot:
			b.HandleMonitoringData(owner, ev.Snapshot)
		case probe.EventError:
			b.handleProbeError(owner, key, p, ev.Err)
		case probe.EventStopped:
			b.handleProbeStopped(owner, key, p, ev.Reason)
		}
	}
}

// handleProbeError reacts to fatal connection symptoms before the probe
// dies on its own: when standby sessions are attached, stopping the probe
// now shortens the failover window.
func (b *Bridge) handleProbeError(owner, key string, p probe.Prober, err error) {
	metrics.ProbeErrors.Inc()
	if !probe.IsFatal(err) {
		slog.Debug("Probe error", "session", owner, "host", key, "error", err)
		return
	}
	slog.Warn("Fatal probe error", "session", owner, "host", key, "error", err)

	b.mu.Lock()
	g := b.groups[key]
	if g == nil || g.prober != p || g.refCount() < 2 || b.failover[key] {
		b.mu.Unlock()
		return
	}
	b.failover[key] = true // held until the resulting failover completes
	b.mu.Unlock()

	p.Stop()
}

// handleProbeStopped runs the failover protocol when a probe terminates.
func (b *Bridge) handleProbeStopped(owner, key string, p probe.Prober, reason string) {
	metrics.ActiveProbes.Dec()

	b.mu.Lock()
	if sess := b.sessions[owner]; sess != nil && !sess.detached {
		sess.state = stateStopped
	}

	g := b.groups[key]
	if g == nil {
		delete(b.failover, key)
		b.mu.Unlock()
		slog.Debug("Probe stopped for released host", "host", key, "reason", reason)
		return
	}
	if g.prober != nil && g.prober != p {
		// A replacement probe is already live; this stop is stale.
		b.mu.Unlock()
		return
	}
	g.prober = nil
	if g.primary == owner {
		g.primary = ""
	}

	if g.refCount() == 0 {
		delete(b.groups, key)
		delete(b.failover, key)
		b.mu.Unlock()
		slog.Info("Host group released", "host", key, "reason", reason)
		return
	}

	cand := g.candidate(owner)
	if cand == "" {
		delete(b.failover, key)
		b.mu.Unlock()
		slog.Warn("No failover candidate", "host", key, "reason", reason)
		return
	}

	b.failover[key] = true
	delay := b.failoverDelayLocked(key)
	b.mu.Unlock()

	slog.Info("Probe stopped, failing over", "host", key, "reason", reason, "delay", delay)
	if delay > 0 {
		time.AfterFunc(delay, func() { b.executeFailover(key, owner) })
	} else {
		go b.executeFailover(key, owner)
	}
}

// failoverDelayLocked rate-limits failovers for a flapping host: inside
// the cooldown window the switch waits out the remainder plus a random
// jitter. Callers hold b.mu.
func (b *Bridge) failoverDelayLocked(key string) time.Duration {
	last, ok := b.lastFailover[key]
	if !ok {
		return 0
	}
	since := time.Since(last)
	if since >= b.cfg.FailoverCooldown {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(b.cfg.FailoverJitter) + 1))
	return b.cfg.FailoverCooldown - since + jitter
}

// executeFailover builds a fresh probe on the candidate's connection and
// promotes it to primary.
func (b *Bridge) executeFailover(key, exclude string) {
	select {
	case <-b.stopCh:
		return
	default:
	}

	b.mu.Lock()
	g := b.groups[key]
	if g == nil {
		delete(b.failover, key)
		b.mu.Unlock()
		return
	}
	cand := g.candidate(exclude)
	if cand == "" {
		delete(b.failover, key)
		b.mu.Unlock()
		return
	}
	m := g.members[cand]
	b.mu.Unlock()

	p := b.factory(m.runner, m.host)
	go b.consume(p, cand, key)
	p.Start(b.cfg.Interval)
	metrics.ActiveProbes.Inc()

	b.mu.Lock()
	if b.groups[key] != g {
		// Group was torn down while the probe was starting.
		b.mu.Unlock()
		p.Stop()
		return
	}
	g.prober = p
	g.owner = cand
	g.primary = cand
	if s := b.sessions[cand]; s != nil && !s.detached {
		s.state = stateRunning
	}
	b.lastFailover[key] = time.Now()
	b.failovers++
	delete(b.failover, key)
	b.mu.Unlock()

	metrics.Failovers.Inc()
	slog.Info("Failover complete", "host", key, "session", cand)
}

// watchContext mirrors an aborted context into StopMonitoring exactly once.
func (b *Bridge) watchContext(ctx context.Context, sessionID string) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			b.StopMonitoring(sessionID, "context canceled")
		case <-b.stopCh:
		}
	}()
}

// sweepLoop removes bookkeeping for sessions that finished, bounding
// memory growth across many short-lived clients.
func (b *Bridge) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			removed := 0
			for id, sess := range b.sessions {
				if sess.detached && sess.state == stateStopped {
					delete(b.sessions, id)
					removed++
				}
			}
			b.mu.Unlock()
			if removed > 0 {
				slog.Debug("Swept terminal sessions", "removed", removed)
			}
		}
	}
}
