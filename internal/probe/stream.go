package probe

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shan-hee/easyssh-monitor/internal/metrics"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
)

//go:embed agent.sh
var agentScript string

// StreamingProber launches the agent script once over the SSH connection
// and consumes its newline-delimited JSON records, instead of re-executing
// a command battery every cycle. If the remote process exits for any
// reason the probe stops itself so the bridge can fail over.
type StreamingProber struct {
	runner sshx.Runner
	host   HostInfo
	cfg    Config

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	state     atomic.Int32

	mu     sync.Mutex
	hostID string
}

func NewStreamingProber(runner sshx.Runner, host HostInfo, cfg Config) *StreamingProber {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamingProber{
		runner: runner,
		host:   host,
		cfg:    cfg.withDefaults(),
		events: make(chan Event, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *StreamingProber) Events() <-chan Event { return p.events }

func (p *StreamingProber) State() State { return State(p.state.Load()) }

func (p *StreamingProber) HostID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostID
}

func (p *StreamingProber) Start(interval time.Duration) {
	p.startOnce.Do(func() {
		p.state.Store(int32(StateCollecting))
		go p.run(interval)
	})
}

func (p *StreamingProber) Stop() {
	p.stopOnce.Do(p.cancel)
}

func (p *StreamingProber) run(interval time.Duration) {
	defer close(p.events)

	secs := int(interval / time.Second)
	if secs < 1 {
		secs = 1
	}
	cmd := fmt.Sprintf("sh -s -- %d", secs)
	if p.cfg.StreamVerbose {
		cmd += " -v"
	}

	stream, err := p.runner.Start(p.ctx, cmd, strings.NewReader(agentScript))
	if err != nil {
		p.events <- Event{Kind: EventError, Err: err}
		p.finish("fatal: " + err.Error())
		return
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var snap Snapshot
		if err := json.Unmarshal([]byte(line), &snap); err != nil || snap.Timestamp <= 0 {
			// Malformed record; the stream itself is still healthy.
			slog.Debug("Discarding invalid agent record", "host", p.host.Address)
			continue
		}

		p.mu.Lock()
		if p.hostID == "" && snap.Hostname != "" {
			p.hostID = deriveHostID(snap.Hostname, p.host.Address, snap.IP.Public, snap.IP.Internal)
		}
		snap.HostID = p.hostID
		p.mu.Unlock()

		select {
		case p.events <- Event{Kind: EventSnapshot, Snapshot: &snap}:
			metrics.ProbeSnapshots.WithLabelValues("stream").Inc()
		case <-p.ctx.Done():
			p.finish("stopped")
			return
		}
	}

	if p.ctx.Err() != nil {
		p.finish("stopped")
		return
	}

	err = &streamClosedError{cause: scanner.Err()}
	p.events <- Event{Kind: EventError, Err: err}
	p.finish("fatal: " + err.Error())
}

func (p *StreamingProber) finish(reason string) {
	p.state.Store(int32(StateStopped))
	p.events <- Event{Kind: EventStopped, Reason: reason}
}
