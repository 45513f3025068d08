package metrics

import (
	"maps"
	"sync"
)

// Event names counted by the signaling server.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	Joins               = "joins"
	Reconnects          = "reconnects"
	RejectedRoomFull    = "rejected_room_full"
	Leaves              = "leaves"
	Relayed             = "relayed"
	DroppedMalformed    = "dropped_malformed"
	DroppedUnjoined     = "dropped_unjoined"
	DroppedRateLimited  = "dropped_rate_limited"
	DroppedSlowConsumer = "dropped_slow_consumer"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid
// and counts nothing, so components can be built without one in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.m)
}
