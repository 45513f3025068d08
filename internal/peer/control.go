package peer

import "github.com/vmihailenco/msgpack/v5"

const (
	controlLabel          = "control"
	controlID      uint16 = 0
	TypeMediaState        = "media-state"
)

// MediaState tells the remote side which local tracks are enabled.
type MediaState struct {
	Audio bool `msgpack:"audio"`
	Video bool `msgpack:"video"`
}

// ControlMessage is the envelope for every message on the control channel.
type ControlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// DecodePayload decodes the message payload into v.
func (m ControlMessage) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func NewControlMessage(t string, payload any) (ControlMessage, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{Type: t, Payload: b}, nil
}

func encodeMediaState(st MediaState) ([]byte, error) {
	msg, err := NewControlMessage(TypeMediaState, st)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(msg)
}

// decodeControl parses a control frame. ok is false for message types this
// build does not understand.
func decodeControl(data []byte) (st MediaState, ok bool, err error) {
	var msg ControlMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return MediaState{}, false, err
	}
	if msg.Type != TypeMediaState {
		return MediaState{}, false, nil
	}
	if err := msg.DecodePayload(&st); err != nil {
		return MediaState{}, false, err
	}
	return st, true, nil
}
