package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shan-hee/easyssh-monitor/internal/probe"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopRunner struct{ addr string }

func (r nopRunner) Output(ctx context.Context, cmd string) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (r nopRunner) Start(ctx context.Context, cmd string, stdin io.Reader) (io.ReadCloser, error) {
	return nil, errors.New("not supported")
}

func (r nopRunner) Addr() string { return r.addr }

// fakeProber is a hand-driven prober: tests emit events through it.
type fakeProber struct {
	mu      sync.Mutex
	events  chan probe.Event
	state   probe.State
	started bool
	stopped bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{events: make(chan probe.Event, 16)}
}

func (f *fakeProber) Start(interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.state = probe.StateCollecting
}

func (f *fakeProber) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.state = probe.StateStopped
	f.mu.Unlock()

	f.events <- probe.Event{Kind: probe.EventStopped, Reason: "stopped"}
	close(f.events)
}

// fail simulates the probe dying on its own with a terminal reason.
func (f *fakeProber) fail(reason string) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.state = probe.StateStopped
	f.mu.Unlock()

	f.events <- probe.Event{Kind: probe.EventStopped, Reason: reason}
	close(f.events)
}

func (f *fakeProber) emit(snap *probe.Snapshot) {
	f.events <- probe.Event{Kind: probe.EventSnapshot, Snapshot: snap}
}

func (f *fakeProber) emitError(err error) {
	f.events <- probe.Event{Kind: probe.EventError, Err: err}
}

func (f *fakeProber) Events() <-chan probe.Event { return f.events }
func (f *fakeProber) HostID() string             { return "" }

func (f *fakeProber) State() probe.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeProber) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeProber
	onBuild func() // fires once, during the first probe's construction
}

func (ff *fakeFactory) build(runner sshx.Runner, host probe.HostInfo) probe.Prober {
	ff.mu.Lock()
	hook := ff.onBuild
	ff.onBuild = nil
	ff.mu.Unlock()
	if hook != nil {
		hook()
	}

	fp := newFakeProber()
	ff.mu.Lock()
	ff.created = append(ff.created, fp)
	ff.mu.Unlock()
	return fp
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) prober(i int) *fakeProber {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.created[i]
}

type sinkCall struct {
	sessionID string
	hostID    string
}

type captureSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *captureSink) HandleMonitoringData(sessionID string, snap *probe.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{sessionID: sessionID, hostID: snap.HostID})
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *captureSink) last() sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func newTestBridge(t *testing.T) (*Bridge, *fakeFactory, *captureSink) {
	t.Helper()
	ff := &fakeFactory{}
	sink := &captureSink{}
	b := New(ff.build, sink, Config{
		FailoverCooldown: 50 * time.Millisecond,
		FailoverJitter:   5 * time.Millisecond,
	})
	t.Cleanup(b.Stop)
	return b, ff, sink
}

func snapFor(hostID string) *probe.Snapshot {
	return &probe.Snapshot{Timestamp: time.Now().UnixMilli(), HostID: hostID}
}

func TestStartMonitoringSharesProbePerHost(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7", Port: 22}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	assert.Equal(t, 1, ff.count(), "second session must share the first probe")
	assert.True(t, ff.prober(0).started)

	stats := b.GetStats()
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 1, stats.Groups)

	status := b.GetAllCollectorStatus()
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].RefCount)
	assert.Equal(t, "s1", status[0].Primary)
	assert.True(t, status[0].Collecting)
}

func TestStartMonitoringIdempotent(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)

	assert.Equal(t, 1, ff.count())
	assert.Equal(t, 1, b.GetStats().Sessions)
}

func TestSeparateHostsGetSeparateProbes(t *testing.T) {
	b, ff, _ := newTestBridge(t)

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, probe.HostInfo{Address: "203.0.113.7"})
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, probe.HostInfo{Address: "203.0.113.8"})

	assert.Equal(t, 2, ff.count())
	assert.Equal(t, 2, b.GetStats().Groups)
}

func TestOnlyPrimaryDataIsForwarded(t *testing.T) {
	b, ff, sink := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	ff.prober(0).emit(snapFor("web-01@203.0.113.7"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s1", sink.last().sessionID)

	// A stray snapshot attributed to the standby is suppressed while the
	// primary is live.
	b.HandleMonitoringData("s2", snapFor("web-01@203.0.113.7"))
	assert.Equal(t, 1, sink.count())

	stats := b.GetStats()
	assert.Equal(t, uint64(1), stats.Forwarded)
	assert.Equal(t, uint64(1), stats.Suppressed)
}

func TestSnapshotWithoutHostIDPassesThrough(t *testing.T) {
	b, _, sink := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	// Identity not resolved yet: even the standby's data must not be lost.
	b.HandleMonitoringData("s2", snapFor(""))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(1), b.GetStats().Passthrough)
}

func TestUnknownSessionPassesThrough(t *testing.T) {
	b, _, sink := newTestBridge(t)

	b.HandleMonitoringData("ghost", snapFor("web-01@203.0.113.7"))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, "ghost", sink.last().sessionID)
}

func TestStopMonitoringLastSessionReleasesGroup(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StopMonitoring("s1", "client gone")
	b.StopMonitoring("s1", "client gone") // idempotent

	assert.True(t, ff.prober(0).wasStopped())
	require.Eventually(t, func() bool { return b.GetStats().Groups == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stopped", b.GetCollectorState("s1"))
	assert.Equal(t, "unknown", b.GetCollectorState("never-seen"))
	assert.Equal(t, 1, ff.count(), "no failover for an empty group")
}

func TestStopDuringProbeStartReleasesProbe(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	// The client disconnects while the first probe is still being built:
	// the group is already gone when the start completes, so the freshly
	// built probe must be stopped instead of collecting unreachably.
	ff.onBuild = func() { b.StopMonitoring("s1", "client gone") }
	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)

	assert.Equal(t, 0, b.GetStats().Groups)
	assert.Equal(t, "stopped", b.GetCollectorState("s1"))
	require.Eventually(t, func() bool { return ff.prober(0).wasStopped() }, time.Second, 5*time.Millisecond)
}

func TestOwnerDetachDuringProbeStartFailsOver(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	// While s1's probe is being built, s2 joins the in-flight group and
	// s1 leaves. The probe rides on s1's departing connection, so it must
	// be stopped and s2 promoted through the normal failover path.
	ff.onBuild = func() {
		b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)
		b.StopMonitoring("s1", "client gone")
	}
	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)

	require.Eventually(t, func() bool { return ff.prober(0).wasStopped() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ff.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		status := b.GetAllCollectorStatus()
		return len(status) == 1 && status[0].Primary == "s2" && status[0].Collecting
	}, time.Second, 5*time.Millisecond)
}

func TestSessionHostIDTracksResolvedIdentity(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	assert.Empty(t, b.SessionHostID("s1"), "identity unresolved before the first snapshot")
	assert.Empty(t, b.SessionHostID("ghost"))

	ff.prober(0).emit(snapFor("web-01@203.0.113.7"))
	require.Eventually(t, func() bool {
		return b.SessionHostID("s1") == "web-01@203.0.113.7"
	}, time.Second, 5*time.Millisecond)
}

func TestFailoverToStandbyWhenProbeDies(t *testing.T) {
	b, ff, sink := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	ff.prober(0).fail("fatal: connection reset by peer")

	require.Eventually(t, func() bool { return ff.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ff.prober(1).started }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		status := b.GetAllCollectorStatus()
		return len(status) == 1 && status[0].Primary == "s2" && status[0].Collecting
	}, time.Second, 5*time.Millisecond)

	// Replacement probe's data flows as the new primary.
	ff.prober(1).emit(snapFor("web-01@203.0.113.7"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s2", sink.last().sessionID)

	assert.Equal(t, uint64(1), b.GetStats().Failovers)
}

func TestFailoverCooldownDelaysSecondSwitch(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	// First failover: no prior history, so it runs immediately.
	start := time.Now()
	ff.prober(0).fail("fatal: connection reset by peer")
	require.Eventually(t, func() bool { return ff.count() == 2 }, time.Second, 5*time.Millisecond)
	first := time.Since(start)
	assert.Less(t, first, 40*time.Millisecond)

	// Second failover right after: rate-limited by the cooldown window.
	start = time.Now()
	ff.prober(1).fail("fatal: connection reset by peer")
	require.Eventually(t, func() bool { return ff.count() == 3 }, time.Second, 5*time.Millisecond)
	second := time.Since(start)
	assert.GreaterOrEqual(t, second, 10*time.Millisecond, "second failover should wait out the cooldown")

	assert.Equal(t, uint64(2), b.GetStats().Failovers)
}

func TestOwnerDepartureForcesFailover(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	// s1 owns the probe's connection; its departure must not leave s2
	// relying on a connection that is about to close.
	b.StopMonitoring("s1", "client gone")

	require.Eventually(t, func() bool { return ff.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		status := b.GetAllCollectorStatus()
		return len(status) == 1 && status[0].Primary == "s2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.GetStats().Sessions)
}

func TestFatalErrorWithStandbyStopsProbeEarly(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	ff.prober(0).emitError(errors.New("write: broken pipe"))

	// The bridge stops the wounded probe proactively, which triggers the
	// normal failover path.
	require.Eventually(t, func() bool { return ff.prober(0).wasStopped() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ff.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFatalErrorWithoutStandbyLetsProbeDie(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	ff.prober(0).emitError(errors.New("write: broken pipe"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ff.prober(0).wasStopped(), "single-session probes ride out their own error handling")
}

func TestNonFatalErrorIsIgnored(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	ff.prober(0).emitError(errors.New("exit status 1"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ff.prober(0).wasStopped())
	assert.Equal(t, 1, ff.count())
}

func TestContextCancelStopsMonitoring(t *testing.T) {
	b, ff, _ := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	ctx, cancel := context.WithCancel(context.Background())
	b.StartMonitoring(ctx, "s1", nopRunner{}, host)
	cancel()

	require.Eventually(t, func() bool {
		return b.GetCollectorState("s1") == "stopped"
	}, time.Second, 5*time.Millisecond)
	assert.True(t, ff.prober(0).wasStopped())
}

func TestPromotionWhenPrimaryNotCollecting(t *testing.T) {
	b, _, sink := newTestBridge(t)
	host := probe.HostInfo{Address: "203.0.113.7"}

	b.StartMonitoring(context.Background(), "s1", nopRunner{}, host)
	b.StartMonitoring(context.Background(), "s2", nopRunner{}, host)

	b.mu.Lock()
	g := b.groups[hostKey(host)]
	g.prober = nil // primary's probe silently gone
	b.mu.Unlock()

	// The session actually delivering data takes over on the spot.
	b.HandleMonitoringData("s2", snapFor("web-01@203.0.113.7"))
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "s2", sink.last().sessionID)

	status := b.GetAllCollectorStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "s2", status[0].Primary)
}
