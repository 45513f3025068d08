package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type is the discriminator carried in every envelope.
type Type string

// Client to server.
const (
	TypeJoin  Type = "join"
	TypeLeave Type = "leave"
)

// Relayed between the two participants of a room.
const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// Server to client.
const (
	TypeJoined     Type = "joined"
	TypePeerJoined Type = "peer-joined"
	TypePeerLeft   Type = "peer-left"
	TypeError      Type = "error"
)

// RoomFullMessage is the text of the error sent to a third participant.
const RoomFullMessage = "Room is full. Maximum 2 participants allowed."

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrUnknownType  = errors.New("unknown envelope type")
	ErrMissingField = errors.New("missing required field")
)

// Envelope is a single signaling message. Which fields are set depends on
// Type; see the constructors below.
type Envelope struct {
	Type Type `json:"type"`

	Room   string `json:"room,omitempty"`
	ID     string `json:"id,omitempty"`
	PeerID string `json:"peerId,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	Message string `json:"message,omitempty"`

	// From is stamped by the server on relayed envelopes.
	From string `json:"from,omitempty"`
}

// Relayed reports whether the server forwards this envelope to the other
// participant rather than handling it itself.
func (e *Envelope) Relayed() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// WithFrom returns a copy of e tagged with the sender id.
func (e *Envelope) WithFrom(from string) *Envelope {
	out := *e
	out.From = from
	return &out
}

// Parse decodes and validates a single envelope. Any error wraps one of
// ErrMalformed, ErrUnknownType or ErrMissingField.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks that the fields required by the envelope type are present.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeJoin, TypeJoined:
		if e.Room == "" {
			return missing(e.Type, "room")
		}
		if e.ID == "" {
			return missing(e.Type, "id")
		}
	case TypeLeave:
	case TypePeerJoined, TypePeerLeft:
		if e.PeerID == "" {
			return missing(e.Type, "peerId")
		}
	case TypeOffer:
		if e.Offer == nil || e.Offer.SDP == "" {
			return missing(e.Type, "offer")
		}
	case TypeAnswer:
		if e.Answer == nil || e.Answer.SDP == "" {
			return missing(e.Type, "answer")
		}
	case TypeICECandidate:
		if e.Candidate == nil {
			return missing(e.Type, "candidate")
		}
	case TypeError:
	case "":
		return fmt.Errorf("%w: empty type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

func missing(t Type, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMissingField, t, field)
}

// Encode marshals e for a single WebSocket text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Join(room, id string) *Envelope {
	return &Envelope{Type: TypeJoin, Room: room, ID: id}
}

func Joined(room, id string) *Envelope {
	return &Envelope{Type: TypeJoined, Room: room, ID: id}
}

func PeerJoined(peerID string) *Envelope {
	return &Envelope{Type: TypePeerJoined, PeerID: peerID}
}

func PeerLeft(peerID string) *Envelope {
	return &Envelope{Type: TypePeerLeft, PeerID: peerID}
}

func Leave(room string) *Envelope {
	return &Envelope{Type: TypeLeave, Room: room}
}

func Error(message string) *Envelope {
	return &Envelope{Type: TypeError, Message: message}
}

func Offer(room string, offer webrtc.SessionDescription) *Envelope {
	return &Envelope{Type: TypeOffer, Room: room, Offer: &offer}
}

func Answer(room string, answer webrtc.SessionDescription) *Envelope {
	return &Envelope{Type: TypeAnswer, Room: room, Answer: &answer}
}

func ICECandidate(room string, candidate webrtc.ICECandidateInit) *Envelope {
	return &Envelope{Type: TypeICECandidate, Room: room, Candidate: &candidate}
}
