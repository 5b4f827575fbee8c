package bridge

import (
	"time"

	"github.com/shan-hee/easyssh-monitor/internal/probe"
	"github.com/shan-hee/easyssh-monitor/internal/sshx"
)

// Session lifecycle states as reported by GetCollectorState.
const (
	stateStarting = "starting"
	stateRunning  = "running"
	stateStopped  = "stopped"
)

// member is a session attached to a host group. Non-primary members'
// connections are held only as standby candidates; they are not used for
// collection until promoted.
type member struct {
	runner sshx.Runner
	host   probe.HostInfo
}

// session is the bridge's per-client bookkeeping entry.
type session struct {
	id        string
	groupKey  string
	state     string
	detached  bool // StopMonitoring has finalized this session
	stoppedAt time.Time
}

// hostGroup owns the single live probe for one physical host and the set
// of sessions sharing it.
type hostGroup struct {
	key     string       // grouping key: the address clients connected with
	hostID  string       // resolved hostname@ip, filled by the first snapshot
	prober  probe.Prober // nil while no probe is live
	owner   string       // session whose connection the probe uses
	primary string       // session whose data is forwarded
	members map[string]*member
}

func (g *hostGroup) refCount() int { return len(g.members) }

// candidate picks a failover target: any member other than exclude, or
// the first remaining member when no other exists.
func (g *hostGroup) candidate(exclude string) string {
	for id := range g.members {
		if id != exclude {
			return id
		}
	}
	for id := range g.members {
		return id
	}
	return ""
}

// hostKey derives the grouping key for a target. Two sessions that
// connected with the same address share one probe.
func hostKey(host probe.HostInfo) string {
	return host.Address
}
