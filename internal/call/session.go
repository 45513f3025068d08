// Package call drives one participant through a two-party call: joining a
// room, negotiating the peer connection and tearing it down again.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/aymnn34/calls/internal/media"
	"github.com/aymnn34/calls/internal/peer"
	"github.com/aymnn34/calls/internal/protocol"
)

// Channel is an open signaling transport. Incoming is closed when the
// transport ends; Err then reports why.
type Channel interface {
	Send(env *protocol.Envelope) error
	Incoming() <-chan *protocol.Envelope
	Err() error
	Close() error
}

type Dialer func(ctx context.Context) (Channel, error)

// PeerManager is the peer connection collaborator; *peer.Manager
// implements it.
type PeerManager interface {
	Create(tracks []webrtc.TrackLocal) error
	Close()
	Live() bool
	Generation() uint64
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	HasRemoteDescription() bool
	SendMediaState(st peer.MediaState)
}

// Renderer surfaces the remote stream. Release drops whatever is shown.
type Renderer interface {
	Render(track media.RemoteTrack)
	Release()
}

// Observer is told about every state change. OnUpdate runs on the session
// loop and must not block.
type Observer interface {
	OnUpdate(Snapshot)
}

type ObserverFunc func(Snapshot)

func (f ObserverFunc) OnUpdate(s Snapshot) { f(s) }

// Snapshot is a copy of the session state.
type Snapshot struct {
	Phase  Phase
	Room   string
	SelfID string
	PeerID string

	// Waiting is true while the "waiting for peer" indicator is shown.
	Waiting   bool
	Status    string
	ConnState string

	LocalAudio  bool
	LocalVideo  bool
	RemoteMedia bool
	RemoteAudio bool
	RemoteVideo bool

	SignalsReceived   int
	CandidatesDropped int
	Err               error
	ConnectedAt       time.Time
	EndedAt           time.Time
}

type Config struct {
	Dial        Dialer
	Media       media.Provider
	Constraints media.Constraints
	NewPeer     func(peer.Events) (PeerManager, error)
	Renderer    Renderer
	Observer    Observer
	Logger      *slog.Logger
	Now         func() time.Time
	// ClientID derives the participant id from the display name.
	ClientID func(name string) string
}

// Session runs the negotiation state machine on a single goroutine. Every
// input, whether a user command, a signaling envelope or a peer callback,
// is queued and handled in order.
type Session struct {
	cfg    Config
	logger *slog.Logger
	q      *queue
	peer   PeerManager
	done   chan struct{}

	mu   sync.Mutex
	snap Snapshot
	left chan struct{}
	// pending cancels joins still acquiring media or dialing.
	pending map[uint64]context.CancelFunc
	joinSeq uint64

	// Owned by the loop.
	st     Snapshot
	stream *media.LocalStream
	ch     Channel
	chGen  uint64
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Dial == nil || cfg.Media == nil || cfg.NewPeer == nil {
		return nil, errors.New("call: Dial, Media and NewPeer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Renderer == nil {
		cfg.Renderer = discardRenderer{}
	}
	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.DefaultConstraints()
	}
	if cfg.ClientID == nil {
		now := cfg.Now
		cfg.ClientID = func(name string) string {
			return fmt.Sprintf("%s-%d", name, now().UnixMilli())
		}
	}

	q := newQueue()
	pm, err := cfg.NewPeer(peerEvents{q: q})
	if err != nil {
		return nil, fmt.Errorf("create peer manager: %w", err)
	}

	left := make(chan struct{})
	close(left)
	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "call"),
		q:       q,
		peer:    pm,
		done:    make(chan struct{}),
		left:    left,
		pending: make(map[uint64]context.CancelFunc),
		st:      Snapshot{LocalAudio: true, LocalVideo: true},
	}
	s.snap = s.st
	go s.run()
	return s, nil
}

type discardRenderer struct{}

func (discardRenderer) Render(media.RemoteTrack) {}
func (discardRenderer) Release()                 {}

// Join acquires local media, connects to the signaling server and asks to
// join room. It returns once the join request is sent. Leave and Close
// cancel a join that is still in progress.
func (s *Session) Join(ctx context.Context, room, name string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.joinSeq++
	seq := s.joinSeq
	s.pending[seq] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		cancel()
	}()

	reply := make(chan error, 1)
	s.q.push(joinCmd{ctx: ctx, room: room, name: name, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Leave ends the current call and blocks until teardown is complete. It is
// a no-op outside a call.
func (s *Session) Leave() {
	s.cancelPending()
	reply := make(chan struct{})
	s.q.push(leaveCmd{reply: reply})
	select {
	case <-reply:
	case <-s.done:
	}
}

// Close leaves any call and stops the session loop.
func (s *Session) Close() {
	s.cancelPending()
	s.q.push(stopCmd{})
	<-s.done
}

func (s *Session) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.pending {
		cancel()
	}
}

func (s *Session) SetAudioEnabled(on bool) { s.q.push(audioCmd{on: on}) }
func (s *Session) SetVideoEnabled(on bool) { s.q.push(videoCmd{on: on}) }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Left is closed when the most recently joined call ends.
func (s *Session) Left() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

func (s *Session) run() {
	defer close(s.done)
	for range s.q.ready {
		for _, ev := range s.q.drain() {
			if stop := s.handle(ev); stop {
				return
			}
		}
	}
}

func (s *Session) handle(ev any) (stop bool) {
	switch e := ev.(type) {
	case joinCmd:
		e.reply <- s.join(e.ctx, e.room, e.name)
	case leaveCmd:
		s.leave(nil)
		close(e.reply)
	case stopCmd:
		s.leave(nil)
		s.notify()
		return true
	case audioCmd:
		s.st.LocalAudio = e.on
		if s.stream != nil {
			s.stream.SetAudioEnabled(e.on)
		}
		s.peer.SendMediaState(s.localMedia())
	case videoCmd:
		s.st.LocalVideo = e.on
		if s.stream != nil {
			s.stream.SetVideoEnabled(e.on)
		}
		s.peer.SendMediaState(s.localMedia())

	case envelopeEvent:
		if e.gen != s.chGen || !s.st.Phase.InCall() {
			return false
		}
		s.st.SignalsReceived++
		s.handleEnvelope(e.env)
	case channelClosedEvent:
		if e.gen != s.chGen || !s.st.Phase.InCall() {
			return false
		}
		details := "closed by server"
		if e.err != nil {
			details = e.err.Error()
		}
		s.leave(WrapError("signaling", ErrSignalingLost, details))

	case candidateEvent:
		if s.stalePeer(e.gen) || s.ch == nil {
			return false
		}
		if err := s.ch.Send(protocol.ICECandidate(s.st.Room, e.candidate)); err != nil {
			s.logger.Debug("send candidate failed", "err", err)
		}
	case trackEvent:
		if s.stalePeer(e.gen) {
			return false
		}
		s.logger.Info("remote track", "kind", e.track.Kind().String(), "codec", e.track.Codec().MimeType)
		s.cfg.Renderer.Render(e.track)
		if !s.st.RemoteMedia {
			s.st.RemoteMedia, s.st.RemoteAudio, s.st.RemoteVideo = true, true, true
		}
	case connStateEvent:
		if s.stalePeer(e.gen) {
			return false
		}
		s.onConnectionState(e.state)
	case sigStateEvent:
		if s.stalePeer(e.gen) {
			return false
		}
		s.logger.Debug("signaling state", "state", e.state.String())
		return false
	case remoteMediaEvent:
		if s.stalePeer(e.gen) {
			return false
		}
		s.st.RemoteAudio, s.st.RemoteVideo = e.state.Audio, e.state.Video
	}

	s.notify()
	return false
}

func (s *Session) stalePeer(gen uint64) bool {
	return gen != s.peer.Generation() || !s.st.Phase.InCall()
}

func (s *Session) notify() {
	s.mu.Lock()
	s.snap = s.st
	s.mu.Unlock()
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnUpdate(s.st)
	}
}

func (s *Session) setLeft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.left:
	default:
		close(s.left)
	}
}

func (s *Session) localMedia() peer.MediaState {
	return peer.MediaState{Audio: s.st.LocalAudio, Video: s.st.LocalVideo}
}

func (s *Session) tracks() []webrtc.TrackLocal {
	if s.stream == nil {
		return nil
	}
	return s.stream.Tracks()
}

func (s *Session) join(ctx context.Context, room, name string) error {
	if s.st.Phase.InCall() {
		return NewError("join", ErrAlreadyJoined)
	}
	room, name = strings.TrimSpace(room), strings.TrimSpace(name)
	if room == "" {
		return NewError("join", ErrEmptyRoom)
	}
	if name == "" {
		return NewError("join", ErrEmptyName)
	}

	s.st = Snapshot{
		Phase:      PhaseJoining,
		Room:       room,
		SelfID:     s.cfg.ClientID(name),
		LocalAudio: true,
		LocalVideo: true,
		Status:     "Requesting camera and microphone...",
	}
	s.mu.Lock()
	s.left = make(chan struct{})
	s.mu.Unlock()
	s.peer.SendMediaState(s.localMedia())
	s.notify()

	logger := s.logger.With("room", room, "client_id", s.st.SelfID)

	stream, err := s.cfg.Media.Acquire(ctx, s.cfg.Constraints)
	if err != nil {
		if ctx.Err() != nil {
			return s.abortJoin(&Error{Op: "acquire media", Err: fmt.Errorf("%w: %w", ErrJoinCanceled, err)})
		}
		return s.abortJoin(&Error{Op: "acquire media", Err: fmt.Errorf("%w: %w", ErrMediaAccess, err)})
	}

	s.st.Status = "Connecting to signaling server..."
	s.notify()

	ch, err := s.cfg.Dial(ctx)
	if err != nil {
		stream.Stop()
		if ctx.Err() != nil {
			return s.abortJoin(&Error{Op: "connect", Err: fmt.Errorf("%w: %w", ErrJoinCanceled, err)})
		}
		return s.abortJoin(&Error{Op: "connect", Err: fmt.Errorf("%w: %w", ErrConnect, err)})
	}

	s.stream = stream
	s.chGen++
	s.ch = ch
	go s.forward(ch, s.chGen)

	if err := ch.Send(protocol.Join(room, s.st.SelfID)); err != nil {
		s.ch = nil
		s.chGen++
		ch.Close()
		s.stream.Stop()
		s.stream = nil
		return s.abortJoin(&Error{Op: "join", Err: fmt.Errorf("%w: %w", ErrConnect, err)})
	}

	logger.Info("joining room")
	s.st.Status = "Joining room..."
	s.notify()
	return nil
}

func (s *Session) abortJoin(err *Error) error {
	s.logger.Warn("join failed", "room", s.st.Room, "err", err)
	s.st.Phase = PhaseIdle
	s.st.Err = err
	s.st.Status = err.Error()
	s.notify()
	s.setLeft()
	return err
}

// forward turns a channel's incoming envelopes into loop events.
func (s *Session) forward(ch Channel, gen uint64) {
	for env := range ch.Incoming() {
		s.q.push(envelopeEvent{gen: gen, env: env})
	}
	s.q.push(channelClosedEvent{gen: gen, err: ch.Err()})
}

func (s *Session) send(env *protocol.Envelope) {
	if s.ch == nil {
		return
	}
	if err := s.ch.Send(env); err != nil {
		s.logger.Warn("send failed", "type", env.Type, "err", err)
	}
}

func (s *Session) handleEnvelope(env *protocol.Envelope) {
	s.logger.Debug("signal received", "type", env.Type, "from", env.From, "phase", s.st.Phase.String())

	switch env.Type {
	case protocol.TypeJoined:
		if s.st.Phase == PhaseJoining {
			s.st.Phase = PhaseWaiting
			s.st.Waiting = true
			s.st.Status = "Waiting for someone to join..."
		}
	case protocol.TypePeerJoined:
		s.st.PeerID = env.PeerID
		s.startOffer()
	case protocol.TypeOffer:
		s.handleOffer(env)
	case protocol.TypeAnswer:
		s.handleAnswer(env)
	case protocol.TypeICECandidate:
		s.handleCandidate(env)
	case protocol.TypePeerLeft:
		s.handlePeerLeft(env)
	case protocol.TypeError:
		s.leave(WrapError("signaling", ErrServer, env.Message))
	}
}

// discardPeer closes the peer connection and forgets the remote stream.
func (s *Session) discardPeer() {
	s.cfg.Renderer.Release()
	s.peer.Close()
	s.st.RemoteMedia, s.st.RemoteAudio, s.st.RemoteVideo = false, false, false
	s.st.ConnState = ""
	s.st.ConnectedAt = time.Time{}
}

func (s *Session) startOffer() {
	s.discardPeer()
	if err := s.peer.Create(s.tracks()); err != nil {
		s.negotiationFailed("create peer connection", err)
		return
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		s.negotiationFailed("create offer", err)
		return
	}
	s.send(protocol.Offer(s.st.Room, offer))
	s.st.Phase = PhaseNegotiating
	s.st.Status = "Connecting to peer..."
}

func (s *Session) handleOffer(env *protocol.Envelope) {
	if env.From != "" {
		s.st.PeerID = env.From
	}

	if s.peer.Live() {
		switch s.peer.SignalingState() {
		case webrtc.SignalingStateStable:
		case webrtc.SignalingStateHaveLocalOffer:
			// Crossed offers: the lower id keeps its own.
			if s.st.SelfID < env.From {
				s.logger.Info("offer collision, keeping local offer", "peer", env.From)
				return
			}
			s.discardPeer()
		default:
			s.discardPeer()
		}
	}

	if !s.peer.Live() {
		if err := s.peer.Create(s.tracks()); err != nil {
			s.negotiationFailed("create peer connection", err)
			return
		}
	}

	answer, err := s.peer.CreateAnswer(*env.Offer)
	if err != nil {
		s.negotiationFailed("answer offer", err)
		return
	}
	s.send(protocol.Answer(s.st.Room, answer))
	if s.st.Phase != PhaseConnected {
		s.st.Phase = PhaseNegotiating
		s.st.Status = "Connecting to peer..."
	}
}

func (s *Session) handleAnswer(env *protocol.Envelope) {
	if !s.peer.Live() || s.peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.logger.Debug("ignoring stale answer", "from", env.From)
		return
	}
	if err := s.peer.SetAnswer(*env.Answer); err != nil {
		s.negotiationFailed("apply answer", err)
	}
}

func (s *Session) handleCandidate(env *protocol.Envelope) {
	if !s.peer.Live() || !s.peer.HasRemoteDescription() {
		s.st.CandidatesDropped++
		s.logger.Debug("dropping early candidate", "from", env.From)
		return
	}
	if err := s.peer.AddICECandidate(*env.Candidate); err != nil {
		s.logger.Debug("add candidate failed", "err", err)
	}
}

func (s *Session) handlePeerLeft(env *protocol.Envelope) {
	s.logger.Info("peer left", "room", s.st.Room, "peer", env.PeerID)
	s.discardPeer()
	s.st.PeerID = ""
	s.st.Phase = PhaseWaiting
	s.st.Waiting = true
	s.st.Status = "Peer left. Waiting for someone to join..."
}

func (s *Session) negotiationFailed(op string, err error) {
	callErr := NewError(op, err)
	s.logger.Warn("negotiation failed", "room", s.st.Room, "err", callErr)
	s.discardPeer()
	s.st.Phase = PhaseWaiting
	s.st.Waiting = true
	s.st.Err = callErr
	s.st.Status = callErr.Error()
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Info("peer connection state", "room", s.st.Room, "state", state.String())
	s.st.ConnState = state.String()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.st.Phase = PhaseConnected
		s.st.Waiting = false
		if s.st.ConnectedAt.IsZero() {
			s.st.ConnectedAt = s.cfg.Now()
		}
		s.st.Status = "Connected"
	case webrtc.PeerConnectionStateDisconnected:
		s.st.Phase = PhaseDisconnected
		s.st.Status = "Peer connection interrupted"
	case webrtc.PeerConnectionStateFailed:
		s.st.Phase = PhaseFailed
		s.st.Status = "Peer connection failed"
	case webrtc.PeerConnectionStateClosed:
		s.st.Status = "Peer connection closed"
	default:
		if s.st.Phase != PhaseConnected {
			s.st.Status = "Connecting to peer..."
		}
	}
}

// leave tears the call down. cause is nil for a user-initiated leave.
func (s *Session) leave(cause error) {
	if !s.st.Phase.InCall() {
		return
	}

	if s.ch != nil {
		s.send(protocol.Leave(s.st.Room))
		if err := s.ch.Close(); err != nil {
			s.logger.Debug("close signaling", "err", err)
		}
		s.ch = nil
		s.chGen++
	}
	connectedAt := s.st.ConnectedAt
	s.discardPeer()
	s.st.ConnectedAt = connectedAt
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}

	s.st.Phase = PhaseLeft
	s.st.Waiting = false
	s.st.EndedAt = s.cfg.Now()
	s.st.LocalAudio, s.st.LocalVideo = true, true
	if cause != nil {
		s.st.Err = cause
		s.st.Status = cause.Error()
		s.logger.Warn("call ended", "room", s.st.Room, "err", cause)
	} else {
		s.st.Status = "Left the call"
		s.logger.Info("left call", "room", s.st.Room)
	}
	s.setLeft()
}
