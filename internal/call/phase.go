package call

// Phase is the coarse state of a call as shown to the user.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseJoining
	PhaseWaiting
	PhaseNegotiating
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
	PhaseLeft
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseJoining:
		return "joining"
	case PhaseWaiting:
		return "waiting"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseLeft:
		return "left"
	}
	return "unknown"
}

// InCall reports whether the phase belongs to an active call.
func (p Phase) InCall() bool {
	return p != PhaseIdle && p != PhaseLeft
}
