package metrics

import "sync"

// Event counter names.
const (
	ConnectionsOpened = "ws_connections_opened"
	ConnectionsClosed = "ws_connections_closed"

	RoomsCreated  = "rooms_created"
	RoomsJoined   = "rooms_joined"
	RoomsDeleted  = "rooms_deleted"
	JoinNotFound  = "join_room_not_found"
	JoinRoomFull  = "join_room_full"
	ReportsStored = "reports_stored"

	MessagesRelayed  = "messages_relayed"
	SignalsRelayed   = "signals_relayed"
	HandlerPanics    = "handler_panics"
	ProtocolErrors   = "protocol_errors"
	DroppedNoRoom    = "dropped_no_room"
	DroppedNotInRoom = "dropped_not_in_room"
	SendQueueFull    = "send_queue_full"

	DropReasonRateLimited      = "rate_limited"
	DropReasonUpgradeThrottled = "upgrade_throttled"
)

// Metrics is a concurrency-safe counter registry keyed by event name.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
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
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
