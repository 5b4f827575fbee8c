package bridge

import "github.com/shan-hee/easyssh-monitor/internal/probe"

// CollectorStatus is one host group's externally visible state.
type CollectorStatus struct {
	Key        string   `json:"key"`
	HostID     string   `json:"host_id,omitempty"`
	RefCount   int      `json:"ref_count"`
	Primary    string   `json:"primary_session,omitempty"`
	Collecting bool     `json:"collecting"`
	Sessions   []string `json:"sessions"`
}

// Stats aggregates bridge counters for the stats endpoint.
type Stats struct {
	Sessions    int    `json:"sessions"`
	Groups      int    `json:"groups"`
	Probes      int    `json:"probes"`
	Failovers   uint64 `json:"failovers"`
	Forwarded   uint64 `json:"forwarded"`
	Suppressed  uint64 `json:"suppressed"`
	Passthrough uint64 `json:"passthrough"`
}

// GetCollectorState returns a session's lifecycle state, or "unknown" for
// sessions the bridge has never seen or has already swept.
func (b *Bridge) GetCollectorState(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.sessions[sessionID]
	if sess == nil {
		return "unknown"
	}
	return sess.state
}

// SessionHostID returns the resolved host identity of the group a session
// belongs to, or "" while identity is still unresolved or the group is gone.
func (b *Bridge) SessionHostID(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.sessions[sessionID]
	if sess == nil {
		return ""
	}
	if g := b.groups[sess.groupKey]; g != nil {
		return g.hostID
	}
	return ""
}

// GetAllCollectorStatus lists every live host group.
func (b *Bridge) GetAllCollectorStatus() []CollectorStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CollectorStatus, 0, len(b.groups))
	for _, g := range b.groups {
		st := CollectorStatus{
			Key:        g.key,
			HostID:     g.hostID,
			RefCount:   g.refCount(),
			Primary:    g.primary,
			Collecting: g.prober != nil && g.prober.State() == probe.StateCollecting,
			Sessions:   make([]string, 0, len(g.members)),
		}
		for id := range g.members {
			st.Sessions = append(st.Sessions, id)
		}
		out = append(out, st)
	}
	return out
}

// GetStats returns aggregate counters.
func (b *Bridge) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	probes := 0
	for _, g := range b.groups {
		if g.prober != nil && g.prober.State() == probe.StateCollecting {
			probes++
		}
	}
	return Stats{
		Sessions:    len(b.sessions),
		Groups:      len(b.groups),
		Probes:      probes,
		Failovers:   b.failovers,
		Forwarded:   b.forwarded,
		Suppressed:  b.suppressed,
		Passthrough: b.passthrough,
	}
}
