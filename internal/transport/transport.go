package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shan-hee/easyssh-monitor/internal/metrics"
	"github.com/shan-hee/easyssh-monitor/internal/probe"
)

// Channel is the minimal write surface the manager needs from a client
// connection. *websocket.Conn wrappers satisfy it in the handlers; tests
// supply fakes.
type Channel interface {
	WriteMessage(messageType int, data []byte) error
	Buffered() int
	Close() error
}

// DropPolicy selects which message is shed when a connection's socket
// buffer exceeds the backpressure limit.
type DropPolicy string

const (
	// DropOldest evicts the head of the pending queue to make room for
	// the new message.
	DropOldest DropPolicy = "oldest"
	// DropCurrent discards the new message and leaves the queue alone.
	DropCurrent DropPolicy = "current"
)

// Options tunes batching, backpressure and heartbeat behavior.
type Options struct {
	BatchingEnabled   bool
	BatchSize         int
	BatchTimeout      time.Duration
	BackpressureLimit int
	DropPolicy        DropPolicy
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 200 * time.Millisecond
	}
	if o.BackpressureLimit <= 0 {
		o.BackpressureLimit = 1 << 20
	}
	if o.DropPolicy != DropCurrent {
		o.DropPolicy = DropOldest
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	return o
}

// Meta carries the client's negotiated capabilities.
type Meta struct {
	Binary           bool
	Compressed       bool
	CompressionRatio float64
}

// conn is one registered client connection with its private delta state
// and batch queue.
type conn struct {
	id    string
	ch    Channel
	codec Codec
	meta  Meta
	opts  Options

	mu         sync.Mutex
	delta      *deltaCache
	queue      []Envelope
	flushTimer *time.Timer
	closed     bool

	sent    uint64
	bytes   uint64
	dropped uint64
	batches uint64

	heartbeatStop chan struct{}
}

// CodecStats aggregates per-codec delivery counters.
type CodecStats struct {
	Messages uint64 `json:"messages"`
	Bytes    uint64 `json:"bytes"`
}

// ManagerStats is the transport half of the stats endpoint.
type ManagerStats struct {
	Connections int                   `json:"connections"`
	Sent        uint64                `json:"sent"`
	Dropped     uint64                `json:"dropped"`
	Batches     uint64                `json:"batches"`
	Codecs      map[string]CodecStats `json:"codecs"`
}

// Manager owns all registered client connections and delivers snapshots
// to them with per-connection delta encoding.
type Manager struct {
	opts Options

	mu    sync.Mutex
	conns map[string]*conn

	statsMu sync.Mutex
	codecs  map[string]*CodecStats
	sent    uint64
	dropped uint64
	batches uint64
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts.withDefaults(),
		conns:  make(map[string]*conn),
		codecs: make(map[string]*CodecStats),
	}
}

// Options returns the manager's effective (defaulted) options, so channel
// adapters can size their buffers against the same limits.
func (m *Manager) Options() Options {
	return m.opts
}

// RegisterConnection binds a session's channel. Re-registering the same
// session replaces and closes the previous channel.
func (m *Manager) RegisterConnection(sessionID string, ch Channel, meta Meta) {
	c := &conn{
		id:            sessionID,
		ch:            ch,
		codec:         codecFor(meta.Binary),
		meta:          meta,
		opts:          m.opts,
		delta:         newDeltaCache(),
		heartbeatStop: make(chan struct{}),
	}

	m.mu.Lock()
	old := m.conns[sessionID]
	m.conns[sessionID] = c
	m.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	metrics.ActiveConnections.Inc()
	if old != nil {
		metrics.ActiveConnections.Dec()
	}

	go m.heartbeat(c)

	if meta.Compressed && meta.CompressionRatio > 0 {
		slog.Info("transport connection registered",
			"session_id", sessionID, "codec", c.codec.Name(), "compressed", true,
			"compression_ratio", meta.CompressionRatio)
	} else {
		slog.Info("transport connection registered",
			"session_id", sessionID, "codec", c.codec.Name(), "compressed", meta.Compressed)
	}
}

// UnregisterConnection flushes nothing, closes the channel and forgets
// the session. Safe to call repeatedly.
func (m *Manager) UnregisterConnection(sessionID string) {
	m.mu.Lock()
	c := m.conns[sessionID]
	delete(m.conns, sessionID)
	m.mu.Unlock()

	if c == nil {
		return
	}
	c.shutdown()
	m.absorb(c)
	metrics.ActiveConnections.Dec()
	slog.Info("transport connection unregistered", "session_id", sessionID)
}

// SendData delivers one snapshot to a session. With batching enabled and
// immediate false, the envelope is queued and flushed on size or timeout.
// Returns false when the session is unknown, the message was shed, or the
// write failed.
func (m *Manager) SendData(sessionID string, snap *probe.Snapshot, immediate bool) bool {
	m.mu.Lock()
	c := m.conns[sessionID]
	m.mu.Unlock()
	if c == nil {
		return false
	}

	ok, failed := c.send(snap, immediate)
	if failed {
		m.UnregisterConnection(sessionID)
	}
	return ok
}

// HandleMonitoringData adapts the manager to the bridge's sink interface.
func (m *Manager) HandleMonitoringData(sessionID string, snap *probe.Snapshot) {
	m.SendData(sessionID, snap, false)
}

// Stats snapshots delivery counters, including live connections.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	live := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		live = append(live, c)
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	st := ManagerStats{
		Connections: len(live),
		Sent:        m.sent,
		Dropped:     m.dropped,
		Batches:     m.batches,
		Codecs:      make(map[string]CodecStats, len(m.codecs)),
	}
	for name, cs := range m.codecs {
		st.Codecs[name] = *cs
	}
	for _, c := range live {
		c.mu.Lock()
		st.Sent += c.sent
		st.Dropped += c.dropped
		st.Batches += c.batches
		cs := st.Codecs[c.codec.Name()]
		cs.Messages += c.sent
		cs.Bytes += c.bytes
		st.Codecs[c.codec.Name()] = cs
		c.mu.Unlock()
	}
	return st
}

// absorb folds a departed connection's counters into manager totals so
// Stats stays monotonic across disconnects.
func (m *Manager) absorb(c *conn) {
	c.mu.Lock()
	sent, bytes, dropped, batches := c.sent, c.bytes, c.dropped, c.batches
	name := c.codec.Name()
	c.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.sent += sent
	m.dropped += dropped
	m.batches += batches
	cs := m.codecs[name]
	if cs == nil {
		cs = &CodecStats{}
		m.codecs[name] = cs
	}
	cs.Messages += sent
	cs.Bytes += bytes
}

// heartbeat pings the connection on a fixed cadence. A failed ping means
// the peer is gone; the connection is unregistered.
func (m *Manager) heartbeat(c *conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.heartbeatStop:
			return
		case <-ticker.C:
			if !c.ping() {
				m.UnregisterConnection(c.id)
				return
			}
		}
	}
}

// send encodes and delivers (or queues) one snapshot. The second return
// reports a hard write failure, which the manager turns into an
// unregister.
func (c *conn) send(snap *probe.Snapshot, immediate bool) (ok, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}

	env := c.delta.encode(snap)

	if c.ch.Buffered() > c.opts.BackpressureLimit {
		if c.opts.DropPolicy == DropCurrent {
			c.dropped++
			metrics.MessagesDropped.WithLabelValues(string(c.opts.DropPolicy)).Inc()
			return false, false
		}
		// Oldest-first shedding: evict the queue head, keep the new one.
		// Nothing is counted as dropped until a message is actually lost.
		if len(c.queue) > 0 {
			c.queue = c.queue[1:]
			c.dropped++
			metrics.MessagesDropped.WithLabelValues(string(c.opts.DropPolicy)).Inc()
		}
		c.queue = append(c.queue, env)
		c.scheduleFlushLocked()
		return true, false
	}

	if c.opts.BatchingEnabled && !immediate {
		c.queue = append(c.queue, env)
		if len(c.queue) >= c.opts.BatchSize {
			return true, !c.flushLocked()
		}
		c.scheduleFlushLocked()
		return true, false
	}

	return c.writeLocked(env), false
}

// scheduleFlushLocked arms the batch timeout if it is not already armed.
func (c *conn) scheduleFlushLocked() {
	if c.flushTimer != nil {
		return
	}
	c.flushTimer = time.AfterFunc(c.opts.BatchTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flushTimer = nil
		if !c.closed {
			c.flushLocked()
		}
	})
}

// flushLocked writes the pending queue as a single envelope: unwrapped
// when only one message is queued, a batch otherwise.
func (c *conn) flushLocked() bool {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	if len(c.queue) == 0 {
		return true
	}

	var env Envelope
	if len(c.queue) == 1 {
		env = c.queue[0]
	} else {
		env = Envelope{Type: "batch", Items: c.queue}
		c.batches++
	}
	c.queue = nil
	return c.writeLocked(env)
}

func (c *conn) writeLocked(env Envelope) bool {
	data, err := c.codec.Marshal(env)
	if err != nil {
		slog.Error("transport encode failed", "session_id", c.id, "codec", c.codec.Name(), "error", err)
		return false
	}
	if err := c.ch.WriteMessage(c.codec.MessageType(), data); err != nil {
		slog.Warn("transport write failed", "session_id", c.id, "error", err)
		return false
	}
	c.sent++
	c.bytes += uint64(len(data))
	metrics.MessagesSent.WithLabelValues(c.codec.Name()).Inc()
	metrics.BytesSent.WithLabelValues(c.codec.Name()).Add(float64(len(data)))
	return true
}

// ping writes a heartbeat envelope, bypassing the queue.
func (c *conn) ping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.writeLocked(Envelope{Type: "ping", Timestamp: time.Now().UnixMilli()})
}

// shutdown flushes what it can, stops the heartbeat and closes the
// channel. Idempotent.
func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.flushLocked()
	c.closed = true
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()

	close(c.heartbeatStop)
	if err := c.ch.Close(); err != nil {
		slog.Debug("transport channel close", "session_id", c.id, "error", err)
	}
}
