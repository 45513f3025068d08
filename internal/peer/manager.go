// Package peer owns the single WebRTC peer connection of a call client.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/aymnn34/calls/internal/media"
)

var (
	ErrLive                = errors.New("peer connection already live")
	ErrNoPeer              = errors.New("no peer connection")
	ErrNoRemoteDescription = errors.New("remote description not set")
)

// Events receives everything a peer connection reports. Every callback
// carries the generation of the connection that produced it so the
// receiver can ignore callbacks from connections that were closed since.
// Implementations must not block.
type Events interface {
	ICECandidate(gen uint64, c webrtc.ICECandidateInit)
	Track(gen uint64, track media.RemoteTrack)
	ConnectionState(gen uint64, state webrtc.PeerConnectionState)
	SignalingState(gen uint64, state webrtc.SignalingState)
	RemoteMediaState(gen uint64, state MediaState)
}

type Config struct {
	// API builds peer connections. Nil means NewAPI with pion logging
	// routed to Logger.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Policy     webrtc.ICETransportPolicy
	Logger     *slog.Logger
}

// Manager holds at most one peer connection at a time.
type Manager struct {
	api    *webrtc.API
	ice    webrtc.Configuration
	events Events
	logger *slog.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	gen    uint64
	stream string
	local  MediaState
}

func NewManager(cfg Config, events Events) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI(APIOptions{LoggerFactory: NewLoggerFactory(cfg.Logger)})
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		api: api,
		ice: webrtc.Configuration{
			ICEServers:         cfg.ICEServers,
			ICETransportPolicy: cfg.Policy,
		},
		events: events,
		logger: cfg.Logger.With("component", "peer"),
		local:  MediaState{Audio: true, Video: true},
	}, nil
}

// Create opens a new peer connection carrying tracks. It does nothing and
// returns ErrLive while another connection is open.
func (m *Manager) Create(tracks []webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc != nil {
		return ErrLive
	}

	pc, err := m.api.NewPeerConnection(m.ice)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	m.gen++
	gen := m.gen
	m.stream = ""

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}

	negotiated := true
	id := controlID
	dc, err := pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("create control channel: %w", err)
	}

	m.wire(pc, dc, gen)
	m.pc, m.dc = pc, dc
	m.logger.Debug("peer connection created", "gen", gen, "tracks", len(tracks))
	return nil
}

func (m *Manager) wire(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, gen uint64) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.events.ICECandidate(gen, c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !m.firstStream(gen, track.StreamID()) {
			m.logger.Debug("ignoring extra remote stream", "stream", track.StreamID())
			return
		}
		m.events.Track(gen, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.events.ConnectionState(gen, state)
	})

	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		m.events.SignalingState(gen, state)
	})

	dc.OnOpen(func() {
		m.mu.Lock()
		st := m.local
		m.mu.Unlock()
		m.sendState(dc, st)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		st, ok, err := decodeControl(msg.Data)
		if err != nil {
			m.logger.Debug("bad control message", "err", err)
			return
		}
		if ok {
			m.events.RemoteMediaState(gen, st)
		}
	})
}

// firstStream reports whether streamID is the first remote stream seen by
// connection gen.
func (m *Manager) firstStream(gen uint64, streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	if m.stream == "" {
		m.stream = streamID
	}
	return m.stream == streamID
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Close discards the current connection. Callbacks it fires afterwards
// carry a stale generation.
func (m *Manager) Close() {
	m.mu.Lock()
	pc := m.pc
	m.pc, m.dc = nil, nil
	if pc != nil {
		m.gen++
	}
	m.mu.Unlock()

	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		m.logger.Debug("close peer connection", "err", err)
	}
}

func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc != nil
}

// Generation identifies the current connection. It changes on every
// Create and Close.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

func (m *Manager) current() (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return nil, ErrNoPeer
	}
	return m.pc, nil
}

// CreateOffer creates an offer and sets it as the local description.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	pc, err := m.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return localDescription(pc, offer), nil
}

// CreateAnswer applies offer and returns the local answer.
func (m *Manager) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := m.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return localDescription(pc, answer), nil
}

func localDescription(pc *webrtc.PeerConnection, fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if desc := pc.LocalDescription(); desc != nil {
		return *desc
	}
	return fallback
}

func (m *Manager) SetAnswer(answer webrtc.SessionDescription) error {
	pc, err := m.current()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate applies a remote candidate. Candidates that arrive before
// the remote description are rejected, not buffered.
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc, err := m.current()
	if err != nil {
		return err
	}
	if pc.RemoteDescription() == nil {
		return ErrNoRemoteDescription
	}
	if err := pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// SignalingState returns webrtc.SignalingStateUnknown when no connection
// is open.
func (m *Manager) SignalingState() webrtc.SignalingState {
	pc, err := m.current()
	if err != nil {
		return webrtc.SignalingStateUnknown
	}
	return pc.SignalingState()
}

func (m *Manager) HasRemoteDescription() bool {
	pc, err := m.current()
	if err != nil {
		return false
	}
	return pc.RemoteDescription() != nil
}

// SendMediaState records st and sends it over the control channel if it is
// open. The latest state is also sent whenever a control channel opens.
func (m *Manager) SendMediaState(st MediaState) {
	m.mu.Lock()
	m.local = st
	dc := m.dc
	m.mu.Unlock()

	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		m.sendState(dc, st)
	}
}

func (m *Manager) sendState(dc *webrtc.DataChannel, st MediaState) {
	data, err := encodeMediaState(st)
	if err != nil {
		m.logger.Warn("encode media state", "err", err)
		return
	}
	if err := dc.Send(data); err != nil {
		m.logger.Debug("send media state", "err", err)
	}
}
