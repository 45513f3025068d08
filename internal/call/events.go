package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/aymnn34/calls/internal/media"
	"github.com/aymnn34/calls/internal/peer"
	"github.com/aymnn34/calls/internal/protocol"
)

// User commands.
type (
	joinCmd struct {
		ctx   context.Context
		room  string
		name  string
		reply chan error
	}
	leaveCmd struct {
		reply chan struct{}
	}
	audioCmd struct{ on bool }
	videoCmd struct{ on bool }
	stopCmd  struct{}
)

// Transport events, tagged with the channel generation.
type (
	envelopeEvent struct {
		gen uint64
		env *protocol.Envelope
	}
	channelClosedEvent struct {
		gen uint64
		err error
	}
)

// Peer connection events, tagged with the peer generation.
type (
	candidateEvent struct {
		gen       uint64
		candidate webrtc.ICECandidateInit
	}
	trackEvent struct {
		gen   uint64
		track media.RemoteTrack
	}
	connStateEvent struct {
		gen   uint64
		state webrtc.PeerConnectionState
	}
	sigStateEvent struct {
		gen   uint64
		state webrtc.SignalingState
	}
	remoteMediaEvent struct {
		gen   uint64
		state peer.MediaState
	}
)

// peerEvents turns peer callbacks into loop events.
type peerEvents struct {
	q *queue
}

var _ peer.Events = peerEvents{}

func (p peerEvents) ICECandidate(gen uint64, c webrtc.ICECandidateInit) {
	p.q.push(candidateEvent{gen: gen, candidate: c})
}

func (p peerEvents) Track(gen uint64, track media.RemoteTrack) {
	p.q.push(trackEvent{gen: gen, track: track})
}

func (p peerEvents) ConnectionState(gen uint64, state webrtc.PeerConnectionState) {
	p.q.push(connStateEvent{gen: gen, state: state})
}

func (p peerEvents) SignalingState(gen uint64, state webrtc.SignalingState) {
	p.q.push(sigStateEvent{gen: gen, state: state})
}

func (p peerEvents) RemoteMediaState(gen uint64, state peer.MediaState) {
	p.q.push(remoteMediaEvent{gen: gen, state: state})
}
