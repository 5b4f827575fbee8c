package probe

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamRunner feeds the prober a fixed reader in place of the remote
// agent's stdout.
type streamRunner struct {
	stream   io.ReadCloser
	startErr error
	gotCmd   string
	gotStdin string
}

func (r *streamRunner) Output(ctx context.Context, cmd string) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (r *streamRunner) Start(ctx context.Context, cmd string, stdin io.Reader) (io.ReadCloser, error) {
	r.gotCmd = cmd
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		r.gotStdin = string(b)
	}
	if r.startErr != nil {
		return nil, r.startErr
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			r.stream.Close()
		}()
	}
	return r.stream, nil
}

func (r *streamRunner) Addr() string { return "203.0.113.7:22" }

const agentRecord = `{"timestamp":1724500000000,"hostname":"web-01","os":"Ubuntu 22.04.4 LTS","cpu":{"usage":12.5,"cores":4,"load1":0.52,"load5":0.58,"load15":0.59},"memory":{"total":8323108864,"used":4161554432,"free":4161554432,"percent":50},"swap":{"total":2147483648,"used":0},"disk":{"total":105689374720,"used":26422343680,"percent":25},"network":{"rx_bytes":123456789,"tx_bytes":987654321,"rx_rate":1024,"tx_rate":2048},"processes":211,"uptime":86400,"ip":{"internal":"10.0.0.5","public":"198.51.100.1"}}`

func TestStreamingProberParsesRecords(t *testing.T) {
	input := strings.Join([]string{
		"# agent starting",
		"",
		agentRecord,
		"not json at all",
		`{"timestamp":0,"hostname":"bogus"}`, // missing timestamp, rejected
		agentRecord,
	}, "\n") + "\n"

	runner := &streamRunner{stream: io.NopCloser(strings.NewReader(input))}
	p := NewStreamingProber(runner, HostInfo{Address: "203.0.113.7"}, Config{})
	p.Start(5 * time.Second)

	ev := nextEvent(t, p.Events())
	require.Equal(t, EventSnapshot, ev.Kind)
	snap := ev.Snapshot
	assert.Equal(t, "web-01@203.0.113.7", snap.HostID)
	assert.Equal(t, int64(1724500000000), snap.Timestamp)
	assert.InDelta(t, 12.5, snap.CPU.UsagePercent, 0.001)
	assert.InDelta(t, 1024.0, snap.Network.RxRate, 0.001)
	assert.Equal(t, "198.51.100.1", snap.IP.Public)

	// Diagnostics and malformed lines are skipped, so the very next event
	// is the second valid record.
	ev = nextEvent(t, p.Events())
	require.Equal(t, EventSnapshot, ev.Kind)

	// The agent's stdin carried the script and the interval made it onto
	// the command line.
	assert.Equal(t, "sh -s -- 5", runner.gotCmd)
	assert.Contains(t, runner.gotStdin, "/proc/stat")
}

func TestStreamingProberFatalOnStreamEnd(t *testing.T) {
	runner := &streamRunner{stream: io.NopCloser(strings.NewReader(agentRecord + "\n"))}
	p := NewStreamingProber(runner, HostInfo{Address: "203.0.113.7"}, Config{})
	p.Start(time.Second)

	ev := nextEvent(t, p.Events())
	require.Equal(t, EventSnapshot, ev.Kind)

	// Reader exhausted: the stream ended without Stop being called.
	ev = nextEvent(t, p.Events())
	require.Equal(t, EventError, ev.Kind)
	assert.True(t, IsFatal(ev.Err))

	stopped := waitStopped(t, p.Events())
	assert.Contains(t, stopped.Reason, "fatal")
	assert.Equal(t, StateStopped, p.State())
}

func TestStreamingProberStop(t *testing.T) {
	pr, pw := io.Pipe()
	runner := &streamRunner{stream: pr}
	p := NewStreamingProber(runner, HostInfo{Address: "203.0.113.7"}, Config{})
	p.Start(time.Second)

	go pw.Write([]byte(agentRecord + "\n"))
	ev := nextEvent(t, p.Events())
	require.Equal(t, EventSnapshot, ev.Kind)

	p.Stop()
	stopped := waitStopped(t, p.Events())
	assert.Equal(t, "stopped", stopped.Reason)

	_, ok := <-p.Events()
	assert.False(t, ok)
}

func TestStreamingProberStartFailure(t *testing.T) {
	runner := &streamRunner{startErr: errors.New("ssh: rejected: administratively prohibited")}
	p := NewStreamingProber(runner, HostInfo{Address: "203.0.113.7"}, Config{})
	p.Start(time.Second)

	ev := nextEvent(t, p.Events())
	require.Equal(t, EventError, ev.Kind)
	assert.True(t, IsFatal(ev.Err))

	stopped := waitStopped(t, p.Events())
	assert.Contains(t, stopped.Reason, "fatal")
}

func TestStreamingProberVerboseFlag(t *testing.T) {
	runner := &streamRunner{stream: io.NopCloser(strings.NewReader(""))}
	p := NewStreamingProber(runner, HostInfo{Address: "203.0.113.7"}, Config{StreamVerbose: true})
	p.Start(2 * time.Second)

	waitStopped(t, p.Events())
	assert.Equal(t, "sh -s -- 2 -v", runner.gotCmd)
}
