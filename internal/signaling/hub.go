package signaling

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/aymnn34/calls/internal/metrics"
	"github.com/aymnn34/calls/internal/protocol"
)

type inbound struct {
	client *Client
	env    *protocol.Envelope
}

// Hub is the single goroutine that owns the Registry. Connections talk to
// it over channels, so registry mutations never interleave.
type Hub struct {
	registry *Registry
	clients  map[*Client]struct{}

	// Register is a channel for registering new connections.
	Register chan *Client

	// Unregister is a channel for connections whose transport closed.
	Unregister chan *Client

	inbound chan inbound
	done    chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics

	rooms        atomic.Int64
	participants atomic.Int64
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:   NewRegistry(logger, m),
		clients:    make(map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		inbound:    make(chan inbound),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    m,
	}
}

// Run processes connection events until ctx is cancelled. On return every
// connection's send channel is closed, which makes its write pump send a
// close frame.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.closeClient(c)
		}
		h.logger.Info("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.Register:
			h.clients[c] = struct{}{}
			h.metrics.Inc(metrics.ConnectionsOpened)
			h.logger.Debug("connection registered", "conn", c.ID, "remote", c.remoteAddr())

		case c := <-h.Unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			h.metrics.Inc(metrics.ConnectionsClosed)
			h.logger.Debug("connection unregistered", "conn", c.ID, "room", c.room, "client_id", c.clientID)
			if c.clientID != "" {
				h.registry.Leave(c.room, c.clientID, c)
			}
			h.closeClient(c)

		case in := <-h.inbound:
			h.dispatch(in.client, in.env)
		}

		rooms, participants := h.registry.Stats()
		h.rooms.Store(int64(rooms))
		h.participants.Store(int64(participants))
	}
}

func (h *Hub) dispatch(c *Client, env *protocol.Envelope) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	switch {
	case env.Type == protocol.TypeJoin:
		if c.clientID != "" && (c.room != env.Room || c.clientID != env.ID) {
			h.registry.Leave(c.room, c.clientID, c)
			c.room, c.clientID = "", ""
		}
		if _, err := h.registry.Join(env.Room, env.ID, c); err != nil {
			return
		}
		c.room, c.clientID = env.Room, env.ID

	case env.Type == protocol.TypeLeave:
		if c.clientID == "" {
			return
		}
		h.registry.Leave(c.room, c.clientID, c)
		c.room, c.clientID = "", ""

	case env.Relayed():
		if c.clientID == "" {
			h.metrics.Inc(metrics.DroppedUnjoined)
			h.logger.Debug("dropping envelope from unjoined connection", "conn", c.ID, "type", env.Type)
			return
		}
		h.registry.Relay(c.room, c.clientID, c, env)

	default:
		h.metrics.Inc(metrics.DroppedMalformed)
		h.logger.Warn("unexpected envelope from client", "conn", c.ID, "type", env.Type)
	}
}

func (h *Hub) closeClient(c *Client) {
	delete(h.clients, c)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stats returns the room and participant counts as of the last event.
func (h *Hub) Stats() (rooms, participants int64) {
	return h.rooms.Load(), h.participants.Load()
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(c *Client, env *protocol.Envelope) bool {
	select {
	case h.inbound <- inbound{client: c, env: env}:
		return true
	case <-h.done:
		return false
	}
}
