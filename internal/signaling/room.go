package signaling

import (
	"time"

	"github.com/aymnn34/calls/internal/protocol"
)

// MaxParticipants is the capacity of every room.
const MaxParticipants = 2

// Sender is the transport handle the registry writes to. Send must not
// block; it reports false when the envelope could not be queued.
type Sender interface {
	Send(env *protocol.Envelope) bool
}

// Participant is one member of a room.
type Participant struct {
	ID       string
	Conn     Sender
	JoinedAt time.Time
}

// Room is a named rendezvous point holding at most MaxParticipants.
type Room struct {
	ID string

	// members in join order; reconnection keeps the original slot.
	members []*Participant
}

func (r *Room) Size() int {
	return len(r.members)
}

func (r *Room) find(id string) (int, *Participant) {
	for i, p := range r.members {
		if p.ID == id {
			return i, p
		}
	}
	return -1, nil
}

// others returns every participant except id.
func (r *Room) others(id string) []*Participant {
	out := make([]*Participant, 0, len(r.members))
	for _, p := range r.members {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) remove(i int) {
	r.members = append(r.members[:i], r.members[i+1:]...)
}

// IDs returns the member ids in join order.
func (r *Room) IDs() []string {
	ids := make([]string, len(r.members))
	for i, p := range r.members {
		ids[i] = p.ID
	}
	return ids
}
