package signaling

import (
	"errors"
	"log/slog"
	"time"

	"github.com/aymnn34/calls/internal/metrics"
	"github.com/aymnn34/calls/internal/protocol"
)

var ErrRoomFull = errors.New("room is full")

// JoinResult describes how Join changed the room.
type JoinResult int

const (
	// Rejected means the room was full and nothing changed.
	Rejected JoinResult = iota
	// Added means a new participant took a free slot.
	Added
	// Reconnected means an existing participant's transport was replaced.
	Reconnected
)

func (r JoinResult) String() string {
	switch r {
	case Added:
		return "added"
	case Reconnected:
		return "reconnected"
	}
	return "rejected"
}

// Registry owns the room to participant mapping. It is not safe for
// concurrent use; the Hub serialises every call onto its own goroutine.
type Registry struct {
	rooms   map[string]*Room
	members int
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Join adds id to room, or replaces its transport when id is already a
// member. The joining client gets `joined`; the other participant gets
// `peer-joined` whenever the room holds two members afterwards. A new id
// arriving at a full room receives the capacity error and ErrRoomFull is
// returned.
func (r *Registry) Join(roomID, id string, conn Sender) (JoinResult, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID}
	}

	if _, p := room.find(id); p != nil {
		p.Conn = conn
		r.metrics.Inc(metrics.Reconnects)
		r.logger.Info("participant reconnected", "room", roomID, "client_id", id)

		r.deliver(conn, protocol.Joined(roomID, id))
		for _, other := range room.others(id) {
			r.deliver(other.Conn, protocol.PeerJoined(id))
		}
		return Reconnected, nil
	}

	if room.Size() >= MaxParticipants {
		r.metrics.Inc(metrics.RejectedRoomFull)
		r.logger.Warn("join rejected, room full", "room", roomID, "client_id", id)
		r.deliver(conn, protocol.Error(protocol.RoomFullMessage))
		return Rejected, ErrRoomFull
	}

	room.members = append(room.members, &Participant{ID: id, Conn: conn, JoinedAt: r.now()})
	r.rooms[roomID] = room
	r.members++
	r.metrics.Inc(metrics.Joins)
	r.logger.Info("participant joined", "room", roomID, "client_id", id, "size", room.Size())

	r.deliver(conn, protocol.Joined(roomID, id))
	if room.Size() == MaxParticipants {
		for _, other := range room.others(id) {
			r.deliver(other.Conn, protocol.PeerJoined(id))
			r.deliver(conn, protocol.PeerJoined(other.ID))
		}
	}
	return Added, nil
}

// Leave removes id from room and tells the remaining participant. When conn
// is non-nil it must be the participant's current transport, so a late
// close of a replaced connection cannot evict the reconnected client.
// Leave reports whether anything was removed.
func (r *Registry) Leave(roomID, id string, conn Sender) bool {
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	i, p := room.find(id)
	if p == nil {
		return false
	}
	if conn != nil && p.Conn != conn {
		r.logger.Debug("ignoring leave from replaced transport", "room", roomID, "client_id", id)
		return false
	}

	room.remove(i)
	r.members--
	r.metrics.Inc(metrics.Leaves)
	r.logger.Info("participant left", "room", roomID, "client_id", id, "size", room.Size())

	for _, other := range room.members {
		r.deliver(other.Conn, protocol.PeerLeft(id))
	}
	if room.Size() == 0 {
		delete(r.rooms, roomID)
		r.logger.Info("room deleted", "room", roomID)
	}
	return true
}

// Relay forwards env, tagged with the sender id, to every other member of
// the room. Envelopes from unknown rooms, unknown senders or replaced
// transports are dropped. It returns the number of recipients.
func (r *Registry) Relay(roomID, from string, conn Sender, env *protocol.Envelope) int {
	room, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	_, p := room.find(from)
	if p == nil || (conn != nil && p.Conn != conn) {
		return 0
	}

	tagged := env.WithFrom(from)
	n := 0
	for _, other := range room.others(from) {
		if r.deliver(other.Conn, tagged) {
			n++
		}
	}
	if n > 0 {
		r.metrics.Inc(metrics.Relayed)
	}
	return n
}

// Room returns the room with the given id, or nil.
func (r *Registry) Room(roomID string) *Room {
	return r.rooms[roomID]
}

// Stats returns the number of rooms and participants.
func (r *Registry) Stats() (rooms, participants int) {
	return len(r.rooms), r.members
}

func (r *Registry) deliver(conn Sender, env *protocol.Envelope) bool {
	if conn == nil {
		return false
	}
	if !conn.Send(env) {
		r.metrics.Inc(metrics.DroppedSlowConsumer)
		r.logger.Warn("dropping envelope for slow consumer", "type", env.Type)
		return false
	}
	return true
}
