package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/aymnn34/calls/internal/logging"
	"github.com/aymnn34/calls/internal/media"
	"github.com/aymnn34/calls/internal/peer"
	"github.com/aymnn34/calls/internal/protocol"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   []*protocol.Envelope
	in     chan *protocol.Envelope
	err    error
	once   sync.Once
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan *protocol.Envelope, 64)}
}

func (c *fakeChannel) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) Incoming() <-chan *protocol.Envelope { return c.in }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.in) })
	return nil
}

// drop simulates the server going away.
func (c *fakeChannel) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.in) })
}

func (c *fakeChannel) types() []protocol.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Type, len(c.sent))
	for i, env := range c.sent {
		out[i] = env.Type
	}
	return out
}

func (c *fakeChannel) count(t protocol.Type) int {
	n := 0
	for _, got := range c.types() {
		if got == t {
			n++
		}
	}
	return n
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakePeer struct {
	events peer.Events

	mu         sync.Mutex
	live       bool
	gen        uint64
	state      webrtc.SignalingState
	remote     bool
	created    int
	closed     int
	offers     int
	answers    int
	applied    int
	candidates int
	media      []peer.MediaState
	// emitOnOffer is delivered as a local candidate from inside CreateOffer.
	emitOnOffer *webrtc.ICECandidateInit
}

func (p *fakePeer) Create([]webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live {
		return peer.ErrLive
	}
	p.live = true
	p.gen++
	p.state = webrtc.SignalingStateStable
	p.remote = false
	p.created++
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live {
		return
	}
	p.live = false
	p.gen++
	p.state = webrtc.SignalingStateUnknown
	p.remote = false
	p.closed++
}

func (p *fakePeer) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *fakePeer) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.offers++
	p.state = webrtc.SignalingStateHaveLocalOffer
	gen, c := p.gen, p.emitOnOffer
	p.mu.Unlock()
	if c != nil {
		p.events.ICECandidate(gen, *c)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	p.remote = true
	p.state = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetAnswer(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied++
	p.remote = true
	p.state = webrtc.SignalingStateStable
	return nil
}

func (p *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates++
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) SendMediaState(st peer.MediaState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.media = append(p.media, st)
}

func (p *fakePeer) get(f func(*fakePeer) int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return f(p)
}

type fakeRenderer struct {
	mu       sync.Mutex
	rendered int
	released int
}

func (r *fakeRenderer) Render(media.RemoteTrack) {
	r.mu.Lock()
	r.rendered++
	r.mu.Unlock()
}

func (r *fakeRenderer) Release() {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}

type providerFunc func(ctx context.Context, c media.Constraints) (*media.LocalStream, error)

func (f providerFunc) Acquire(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	return f(ctx, c)
}

var emptyMedia = providerFunc(func(context.Context, media.Constraints) (*media.LocalStream, error) {
	return media.NewLocalStream("local", nil, nil, logging.Discard()), nil
})

type harness struct {
	s        *Session
	ch       *fakeChannel
	peer     *fakePeer
	renderer *fakeRenderer
	dials    int
	pushed   int
}

func newHarness(t *testing.T, provider media.Provider) *harness {
	t.Helper()
	h := &harness{ch: newFakeChannel(), peer: &fakePeer{}, renderer: &fakeRenderer{}}
	s, err := NewSession(Config{
		Dial: func(context.Context) (Channel, error) {
			h.dials++
			return h.ch, nil
		},
		Media: provider,
		NewPeer: func(ev peer.Events) (PeerManager, error) {
			h.peer.events = ev
			return h.peer, nil
		},
		Renderer: h.renderer,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	h.s = s
	return h
}

func (h *harness) join(t *testing.T, name string) {
	t.Helper()
	if err := h.s.Join(context.Background(), "room1", name); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.pushed = 0
	h.send(protocol.Joined("room1", h.s.Snapshot().SelfID))
	h.waitPhase(t, PhaseWaiting)
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	waitFor(t, func() bool { return h.s.Snapshot().Phase == want }, "phase %v (have %v)", want, h.s.Snapshot().Phase)
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

func (h *harness) send(env *protocol.Envelope) {
	h.pushed++
	h.ch.in <- env
}

// settle returns once every envelope sent so far and every earlier loop
// event has been handled.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool { return h.s.Snapshot().SignalsReceived == h.pushed }, "signals")
	// A rejected join is a round trip through the loop.
	_ = h.s.Join(context.Background(), "", "")
}

func offerFrom(from string) *protocol.Envelope {
	return protocol.Offer("room1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}).WithFrom(from)
}

func answerFrom(from string) *protocol.Envelope {
	return protocol.Answer("room1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote"}).WithFrom(from)
}

func candidateFrom(from string) *protocol.Envelope {
	return protocol.ICECandidate("room1", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host"}).WithFrom(from)
}

func TestJoinValidatesInput(t *testing.T) {
	h := newHarness(t, emptyMedia)
	if err := h.s.Join(context.Background(), "  ", "alice"); !errors.Is(err, ErrEmptyRoom) {
		t.Fatalf("err=%v, want ErrEmptyRoom", err)
	}
	if err := h.s.Join(context.Background(), "room1", ""); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("err=%v, want ErrEmptyName", err)
	}
	if h.dials != 0 {
		t.Fatalf("dialed %d times on invalid input", h.dials)
	}
}

func TestMediaFailureOpensNoTransport(t *testing.T) {
	denied := errors.New("permission denied")
	h := newHarness(t, providerFunc(func(context.Context, media.Constraints) (*media.LocalStream, error) {
		return nil, denied
	}))

	err := h.s.Join(context.Background(), "room1", "alice")
	if !errors.Is(err, ErrMediaAccess) || !errors.Is(err, denied) {
		t.Fatalf("err=%v, want ErrMediaAccess wrapping the cause", err)
	}
	var callErr *Error
	if !errors.As(err, &callErr) || callErr.Op != "acquire media" {
		t.Fatalf("err=%#v", err)
	}
	if h.dials != 0 {
		t.Fatalf("transport opened after media failure")
	}
	if got := h.s.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase=%v, want idle", got)
	}
}

func TestLeaveCancelsPendingJoin(t *testing.T) {
	acquiring := make(chan struct{})
	h := newHarness(t, providerFunc(func(ctx context.Context, _ media.Constraints) (*media.LocalStream, error) {
		close(acquiring)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	joinErr := make(chan error, 1)
	go func() {
		joinErr <- h.s.Join(context.Background(), "room1", "alice")
	}()
	<-acquiring

	left := make(chan struct{})
	go func() {
		h.s.Leave()
		close(left)
	}()

	select {
	case err := <-joinErr:
		if !errors.Is(err, ErrJoinCanceled) {
			t.Fatalf("join err=%v, want ErrJoinCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("join still pending after leave")
	}
	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatalf("leave blocked behind the pending join")
	}
	if h.dials != 0 {
		t.Fatalf("dialed after the join was canceled")
	}
	if got := h.s.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase=%v, want idle", got)
	}
}

func TestDialFailure(t *testing.T) {
	s, err := NewSession(Config{
		Dial:    func(context.Context) (Channel, error) { return nil, errors.New("refused") },
		Media:   emptyMedia,
		NewPeer: func(peer.Events) (PeerManager, error) { return &fakePeer{}, nil },
		Logger:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Join(context.Background(), "room1", "alice"); !errors.Is(err, ErrConnect) {
		t.Fatalf("err=%v, want ErrConnect", err)
	}
	select {
	case <-s.Left():
	default:
		t.Fatalf("Left not closed after failed join")
	}
}

func TestJoinSendsJoinAndWaits(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")

	snap := h.s.Snapshot()
	if snap.SelfID != "alice-1700000000000" {
		t.Fatalf("self id=%q", snap.SelfID)
	}
	if !snap.Waiting || snap.Room != "room1" {
		t.Fatalf("snapshot=%+v", snap)
	}
	first := h.ch.sent[0]
	if first.Type != protocol.TypeJoin || first.Room != "room1" || first.ID != snap.SelfID {
		t.Fatalf("first envelope=%+v", first)
	}
	if err := h.s.Join(context.Background(), "room1", "alice"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join err=%v", err)
	}
}

func TestPeerJoinedSendsOfferBeforeCandidates(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.peer.emitOnOffer = &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	h.join(t, "alice")

	h.send(protocol.PeerJoined("bob-1"))
	waitFor(t, func() bool { return h.ch.count(protocol.TypeICECandidate) == 1 }, "candidate")

	types := h.ch.types()
	want := []protocol.Type{protocol.TypeJoin, protocol.TypeOffer, protocol.TypeICECandidate}
	if len(types) != len(want) {
		t.Fatalf("sent=%v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("sent=%v, want %v", types, want)
		}
	}
	snap := h.s.Snapshot()
	if snap.Phase != PhaseNegotiating || snap.PeerID != "bob-1" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAnswerAppliedOnlyWithLocalOffer(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")

	h.send(answerFrom("bob-1"))
	h.settle(t)
	if n := h.peer.get(func(p *fakePeer) int { return p.applied }); n != 0 {
		t.Fatalf("answer applied without a local offer")
	}

	h.send(protocol.PeerJoined("bob-1"))
	h.send(answerFrom("bob-1"))
	h.send(answerFrom("bob-1"))
	h.settle(t)
	if n := h.peer.get(func(p *fakePeer) int { return p.applied }); n != 1 {
		t.Fatalf("applied=%d, want 1", n)
	}
}

func TestEarlyCandidatesAreDropped(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")

	h.send(candidateFrom("bob-1"))
	h.send(protocol.PeerJoined("bob-1"))
	h.send(candidateFrom("bob-1"))
	h.send(answerFrom("bob-1"))
	h.send(candidateFrom("bob-1"))
	h.settle(t)

	if n := h.peer.get(func(p *fakePeer) int { return p.candidates }); n != 1 {
		t.Fatalf("applied candidates=%d, want 1", n)
	}
	if got := h.s.Snapshot().CandidatesDropped; got != 2 {
		t.Fatalf("dropped=%d, want 2", got)
	}
}

func TestOfferIsAnswered(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "bob")

	h.send(offerFrom("alice-1"))
	waitFor(t, func() bool { return h.ch.count(protocol.TypeAnswer) == 1 }, "answer")
	if h.peer.get(func(p *fakePeer) int { return p.created }) != 1 {
		t.Fatalf("offer must create a peer connection")
	}
	if got := h.s.Snapshot().PeerID; got != "alice-1" {
		t.Fatalf("peer id=%q", got)
	}
}

func TestGlare(t *testing.T) {
	t.Run("lower id keeps its offer", func(t *testing.T) {
		h := newHarness(t, emptyMedia)
		h.s.cfg.ClientID = func(string) string { return "a-1" }
		h.join(t, "a")

		h.send(protocol.PeerJoined("b-1"))
		h.send(offerFrom("b-1"))
		h.settle(t)

		if n := h.ch.count(protocol.TypeAnswer); n != 0 {
			t.Fatalf("lower id answered a crossed offer")
		}
		if got := h.peer.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
			t.Fatalf("state=%v", got)
		}
	})

	t.Run("higher id yields", func(t *testing.T) {
		h := newHarness(t, emptyMedia)
		h.s.cfg.ClientID = func(string) string { return "b-1" }
		h.join(t, "b")

		h.send(protocol.PeerJoined("a-1"))
		h.send(offerFrom("a-1"))
		waitFor(t, func() bool { return h.ch.count(protocol.TypeAnswer) == 1 }, "answer")

		if n := h.peer.get(func(p *fakePeer) int { return p.created }); n != 2 {
			t.Fatalf("created=%d, want a fresh connection for the answer", n)
		}
	})
}

func TestConnectionStatesIgnoreStaleGenerations(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")
	h.send(protocol.PeerJoined("bob-1"))
	h.waitPhase(t, PhaseNegotiating)

	stale := h.peer.Generation() - 1
	h.peer.events.ConnectionState(stale, webrtc.PeerConnectionStateConnected)
	h.settle(t)
	if got := h.s.Snapshot().Phase; got != PhaseNegotiating {
		t.Fatalf("stale callback moved phase to %v", got)
	}

	gen := h.peer.Generation()
	h.peer.events.ConnectionState(gen, webrtc.PeerConnectionStateConnected)
	h.waitPhase(t, PhaseConnected)
	if snap := h.s.Snapshot(); snap.Waiting || snap.ConnectedAt.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}

	h.peer.events.ConnectionState(gen, webrtc.PeerConnectionStateClosed)
	h.settle(t)
	if snap := h.s.Snapshot(); snap.Phase != PhaseConnected || snap.ConnState != "closed" {
		t.Fatalf("closed must only update status: %+v", snap)
	}

	h.peer.events.ConnectionState(gen, webrtc.PeerConnectionStateFailed)
	h.waitPhase(t, PhaseFailed)
}

func TestPeerLeftReturnsToWaiting(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")
	h.send(protocol.PeerJoined("bob-1"))
	h.waitPhase(t, PhaseNegotiating)
	h.peer.events.ConnectionState(h.peer.Generation(), webrtc.PeerConnectionStateConnected)
	h.waitPhase(t, PhaseConnected)

	released := h.renderer.released
	h.send(protocol.PeerLeft("bob-1"))
	h.waitPhase(t, PhaseWaiting)

	snap := h.s.Snapshot()
	if !snap.Waiting || snap.PeerID != "" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if h.peer.Live() {
		t.Fatalf("peer connection kept after peer-left")
	}
	h.renderer.mu.Lock()
	defer h.renderer.mu.Unlock()
	if h.renderer.released <= released {
		t.Fatalf("remote media not released")
	}
}

func TestServerErrorLeaves(t *testing.T) {
	h := newHarness(t, emptyMedia)
	if err := h.s.Join(context.Background(), "room1", "carol"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.send(protocol.Error(protocol.RoomFullMessage))
	h.waitPhase(t, PhaseLeft)

	snap := h.s.Snapshot()
	if !errors.Is(snap.Err, ErrServer) {
		t.Fatalf("err=%v, want ErrServer", snap.Err)
	}
	if !h.ch.isClosed() {
		t.Fatalf("transport left open")
	}
	<-h.s.Left()
}

func TestTransportLossLeaves(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")

	h.ch.drop(errors.New("connection reset"))
	h.waitPhase(t, PhaseLeft)
	if err := h.s.Snapshot().Err; !errors.Is(err, ErrSignalingLost) {
		t.Fatalf("err=%v, want ErrSignalingLost", err)
	}
}

func TestLeaveResetsAndAllowsRejoin(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")
	h.s.SetVideoEnabled(false)
	h.send(protocol.PeerJoined("bob-1"))
	h.waitPhase(t, PhaseNegotiating)

	h.s.Leave()
	h.s.Leave()

	snap := h.s.Snapshot()
	if snap.Phase != PhaseLeft || !snap.LocalAudio || !snap.LocalVideo {
		t.Fatalf("snapshot=%+v", snap)
	}
	if n := h.ch.count(protocol.TypeLeave); n != 1 {
		t.Fatalf("leave sent %d times", n)
	}
	if h.peer.Live() {
		t.Fatalf("peer connection survived leave")
	}

	h.ch = newFakeChannel()
	h.join(t, "alice")
	if h.dials != 2 {
		t.Fatalf("dials=%d", h.dials)
	}
}

func TestToggleMediaIsForwarded(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")

	h.s.SetAudioEnabled(false)
	h.settle(t)
	snap := h.s.Snapshot()
	if snap.LocalAudio || !snap.LocalVideo {
		t.Fatalf("snapshot=%+v", snap)
	}
	h.peer.mu.Lock()
	last := h.peer.media[len(h.peer.media)-1]
	h.peer.mu.Unlock()
	if last != (peer.MediaState{Audio: false, Video: true}) {
		t.Fatalf("last media state=%+v", last)
	}

	h.peer.events.RemoteMediaState(h.peer.Generation(), peer.MediaState{Audio: false, Video: true})
	h.settle(t)
	if snap := h.s.Snapshot(); snap.RemoteAudio || !snap.RemoteVideo {
		t.Fatalf("remote media state not applied: %+v", snap)
	}
}

// A participant whose peer reconnects gets peer-joined again and must
// renegotiate from a fresh connection.
func TestPeerReconnectRenegotiates(t *testing.T) {
	h := newHarness(t, emptyMedia)
	h.join(t, "alice")
	h.send(protocol.PeerJoined("bob-1"))
	h.send(answerFrom("bob-1"))
	h.waitPhase(t, PhaseNegotiating)
	h.peer.events.ConnectionState(h.peer.Generation(), webrtc.PeerConnectionStateConnected)
	h.waitPhase(t, PhaseConnected)

	h.send(protocol.PeerJoined("bob-1"))
	waitFor(t, func() bool { return h.ch.count(protocol.TypeOffer) == 2 }, "second offer")
	if n := h.peer.get(func(p *fakePeer) int { return p.created }); n != 2 {
		t.Fatalf("created=%d, want 2", n)
	}
	if got := h.s.Snapshot().Phase; got != PhaseNegotiating {
		t.Fatalf("phase=%v", got)
	}
}
