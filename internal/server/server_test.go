package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/aymnn34/calls/internal/config"
	"github.com/aymnn34/calls/internal/logging"
	"github.com/aymnn34/calls/internal/metrics"
	"github.com/aymnn34/calls/internal/protocol"
	"github.com/aymnn34/calls/internal/signaling"
)

type testServer struct {
	baseURL string
	wsURL   string
	hub     *signaling.Hub
	metrics *metrics.Metrics
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Server{
		Port:            8080,
		LogFormat:       "text",
		MaxMessageBytes: config.DefaultMaxMessageBytes,
		ShutdownTimeout: time.Second,
	}
	logger := logging.Discard()
	m := metrics.New()
	hub := signaling.NewHub(logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := New(cfg, hub, m, logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		<-hub.Done()
	})

	addr := ln.Addr().String()
	return &testServer{
		baseURL: "http://" + addr,
		wsURL:   "ws://" + addr + "/ws",
		hub:     hub,
		metrics: m,
	}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *testConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(env *protocol.Envelope) {
	c.t.Helper()
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testConn) sendRaw(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testConn) read() *protocol.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := protocol.Parse(data)
	if err != nil {
		c.t.Fatalf("parse %s: %v", data, err)
	}
	return env
}

func (c *testConn) expect(typ protocol.Type) *protocol.Envelope {
	c.t.Helper()
	env := c.read()
	if env.Type != typ {
		c.t.Fatalf("got %s (%+v), want %s", env.Type, env, typ)
	}
	return env
}

// expectSilence asserts nothing arrives within d. The connection cannot be
// read again afterwards.
func (c *testConn) expectSilence(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("unexpected message %s", data)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		c.t.Fatalf("read: %v", err)
	}
}

func (c *testConn) join(room, id string) {
	c.t.Helper()
	c.send(protocol.Join(room, id))
	env := c.expect(protocol.TypeJoined)
	if env.Room != room || env.ID != id {
		c.t.Fatalf("joined=%+v, want %s/%s", env, room, id)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func participants(s *testServer) int64 {
	_, n := s.hub.Stats()
	return n
}

func joinPair(t *testing.T, s *testServer) (a, b *testConn) {
	t.Helper()
	a = dial(t, s.wsURL)
	a.join("r1", "alice-1")
	b = dial(t, s.wsURL)
	b.join("r1", "bob-2")

	if env := a.expect(protocol.TypePeerJoined); env.PeerID != "bob-2" {
		t.Fatalf("alice peer-joined=%q", env.PeerID)
	}
	if env := b.expect(protocol.TypePeerJoined); env.PeerID != "alice-1" {
		t.Fatalf("bob peer-joined=%q", env.PeerID)
	}
	return a, b
}

func TestRelayTagsSender(t *testing.T) {
	s := startTestServer(t)
	a, b := joinPair(t, s)

	a.send(protocol.Offer("r1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}))
	env := b.expect(protocol.TypeOffer)
	if env.From != "alice-1" || env.Offer.SDP != "v=0 offer" {
		t.Fatalf("offer=%+v", env)
	}

	b.send(protocol.Answer("r1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}))
	if env := a.expect(protocol.TypeAnswer); env.From != "bob-2" {
		t.Fatalf("answer from=%q", env.From)
	}

	idx := uint16(0)
	mid := "0"
	b.send(protocol.ICECandidate("r1", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 4000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}))
	env = a.expect(protocol.TypeICECandidate)
	if env.Candidate.SDPMid == nil || *env.Candidate.SDPMid != "0" {
		t.Fatalf("candidate=%+v", env.Candidate)
	}

	// The sender never hears its own relay.
	a.expectSilence(100 * time.Millisecond)
	if got := s.metrics.Get(metrics.Relayed); got != 3 {
		t.Fatalf("relayed=%d, want 3", got)
	}
}

// Scenario B.
func TestThirdParticipantGetsRoomFull(t *testing.T) {
	s := startTestServer(t)
	a, b := joinPair(t, s)

	c := dial(t, s.wsURL)
	c.send(protocol.Join("r1", "carol-3"))
	env := c.expect(protocol.TypeError)
	if env.Message != "Room is full. Maximum 2 participants allowed." {
		t.Fatalf("message=%q", env.Message)
	}

	if n := participants(s); n != 2 {
		t.Fatalf("participants=%d, want 2", n)
	}

	// The rejected connection stays unjoined: its offers go nowhere.
	c.send(protocol.Offer("r1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	waitFor(t, "dropped_unjoined", func() bool { return s.metrics.Get(metrics.DroppedUnjoined) == 1 })

	// Neither member hears about the rejected join. A timed-out read
	// breaks a gorilla connection, so these are the final reads.
	a.expectSilence(100 * time.Millisecond)
	b.expectSilence(10 * time.Millisecond)
}

// Scenario C.
func TestTransportCloseActsAsLeave(t *testing.T) {
	s := startTestServer(t)
	a, b := joinPair(t, s)

	b.conn.Close()

	env := a.expect(protocol.TypePeerLeft)
	if env.PeerID != "bob-2" {
		t.Fatalf("peer-left=%q, want bob-2", env.PeerID)
	}
	waitFor(t, "one participant", func() bool { return participants(s) == 1 })
	a.expectSilence(100 * time.Millisecond)

	a.send(protocol.Leave("r1"))
	waitFor(t, "room deleted", func() bool {
		rooms, _ := s.hub.Stats()
		return rooms == 0
	})
}

// Scenario D.
func TestReconnectRetriggersPeerJoined(t *testing.T) {
	s := startTestServer(t)
	a1, b := joinPair(t, s)

	a2 := dial(t, s.wsURL)
	a2.join("r1", "alice-1")

	if env := b.expect(protocol.TypePeerJoined); env.PeerID != "alice-1" {
		t.Fatalf("peer-joined=%q, want alice-1", env.PeerID)
	}
	if n := participants(s); n != 2 {
		t.Fatalf("participants=%d, want 2", n)
	}

	// Closing the replaced socket must not evict the reconnected client.
	a1.conn.Close()
	waitFor(t, "old connection closed", func() bool { return s.metrics.Get(metrics.ConnectionsClosed) == 1 })
	b.expectSilence(100 * time.Millisecond)
	if n := participants(s); n != 2 {
		t.Fatalf("participants=%d after stale close, want 2", n)
	}

	b.send(protocol.Offer("r1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	if env := a2.expect(protocol.TypeOffer); env.From != "bob-2" {
		t.Fatalf("from=%q", env.From)
	}
}

func TestMalformedEnvelopeKeepsConnection(t *testing.T) {
	s := startTestServer(t)
	a := dial(t, s.wsURL)

	a.sendRaw("not json")
	a.sendRaw(`{"type":"dance"}`)
	a.sendRaw(`{"type":"join","room":"r1"}`)
	a.sendRaw(`{"type":"peer-left","peerId":"x"}`)

	a.join("r1", "alice-1")
	if got := s.metrics.Get(metrics.DroppedMalformed); got != 4 {
		t.Fatalf("dropped_malformed=%d, want 4", got)
	}
}

func TestRoomSwitchLeavesPreviousRoom(t *testing.T) {
	s := startTestServer(t)
	a, b := joinPair(t, s)

	a.join("r2", "alice-1")
	if env := b.expect(protocol.TypePeerLeft); env.PeerID != "alice-1" {
		t.Fatalf("peer-left=%q", env.PeerID)
	}
	waitFor(t, "two rooms", func() bool {
		rooms, n := s.hub.Stats()
		return rooms == 2 && n == 2
	})
}

func TestExplicitLeaveIsIdempotent(t *testing.T) {
	s := startTestServer(t)
	a, b := joinPair(t, s)

	a.send(protocol.Leave("r1"))
	a.send(protocol.Leave("r1"))
	b.expect(protocol.TypePeerLeft)
	b.expectSilence(100 * time.Millisecond)
	if got := s.metrics.Get(metrics.Leaves); got != 1 {
		t.Fatalf("leaves=%d, want 1", got)
	}
}

func TestRootPathAlsoUpgrades(t *testing.T) {
	s := startTestServer(t)
	a := dial(t, strings.TrimSuffix(s.wsURL, "ws"))
	a.join("r1", "alice-1")
}

func TestHTTPEndpoints(t *testing.T) {
	s := startTestServer(t)

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(s.baseURL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := get("/health"); code != http.StatusOK || !strings.Contains(body, "healthy") {
		t.Fatalf("/health=%d %q", code, body)
	}

	code, body := get("/readyz")
	if code != http.StatusOK {
		t.Fatalf("/readyz=%d %q", code, body)
	}
	var ready map[string]any
	if err := json.Unmarshal([]byte(body), &ready); err != nil || ready["ready"] != true {
		t.Fatalf("/readyz body=%q err=%v", body, err)
	}

	if code, body := get("/version"); code != http.StatusOK || !strings.Contains(body, `"version"`) {
		t.Fatalf("/version=%d %q", code, body)
	}

	a := dial(t, s.wsURL)
	a.join("r1", "alice-1")
	if code, body := get("/metrics"); code != http.StatusOK ||
		!strings.Contains(body, `calls_signaling_events_total{event="joins"} 1`) ||
		!strings.Contains(body, "calls_rooms_active 1") {
		t.Fatalf("/metrics=%d %q", code, body)
	}
}

func TestOriginAllowed(t *testing.T) {
	cases := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"https://app.example", nil, true},
		{"", []string{"https://app.example"}, true},
		{"https://app.example", []string{"https://app.example"}, true},
		{"https://APP.example", []string{"https://app.example/"}, true},
		{"https://evil.example", []string{"https://app.example"}, false},
		{"https://evil.example", []string{"*"}, true},
		{"::nope", []string{"https://app.example"}, false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.origin, tc.allowed); got != tc.want {
			t.Fatalf("originAllowed(%q, %v)=%v, want %v", tc.origin, tc.allowed, got, tc.want)
		}
	}
}
