package transport

import (
	"reflect"

	"github.com/shan-hee/easyssh-monitor/internal/probe"
)

// Envelope is the wire shape delivered to browser clients. Dynamic fields
// travel in Delta; static fields are sent in full only when they change,
// accompanied by a bumped StaticVersion so clients can detect a missed
// static update after reconnecting.
type Envelope struct {
	Type          string         `json:"type" cbor:"type"`
	Timestamp     int64          `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
	HostID        string         `json:"hostId,omitempty" cbor:"hostId,omitempty"`
	StaticVersion int            `json:"staticVersion,omitempty" cbor:"staticVersion,omitempty"`
	Delta         map[string]any `json:"delta,omitempty" cbor:"delta,omitempty"`
	Static        map[string]any `json:"staticFields,omitempty" cbor:"staticFields,omitempty"`
	Items         []Envelope     `json:"items,omitempty" cbor:"items,omitempty"`
}

// deltaCache holds one connection's last-sent view of a host. Per
// connection, not per host: a freshly registered connection must receive
// the full static set on its first envelope regardless of what other
// connections already saw.
type deltaCache struct {
	static      map[string]any
	version     int
	lastDynamic map[string]any
}

func newDeltaCache() *deltaCache {
	return &deltaCache{}
}

// encode turns a snapshot into an envelope containing only what this
// connection has not seen yet.
func (d *deltaCache) encode(snap *probe.Snapshot) Envelope {
	env := Envelope{
		Type:      "monitoring",
		Timestamp: snap.Timestamp,
		HostID:    snap.HostID,
	}

	static := snap.StaticFields()
	if !reflect.DeepEqual(static, d.static) {
		d.static = static
		d.version++
		env.Static = static
	}
	env.StaticVersion = d.version

	dynamic := snap.DynamicFields()
	if d.lastDynamic == nil {
		env.Delta = dynamic
	} else {
		delta := make(map[string]any, len(dynamic))
		for k, v := range dynamic {
			prev, ok := d.lastDynamic[k]
			if !ok || !reflect.DeepEqual(prev, v) {
				delta[k] = v
			}
		}
		env.Delta = delta
	}
	d.lastDynamic = dynamic

	return env
}
