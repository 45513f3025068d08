package signaling

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/aymnn34/calls/internal/metrics"
	"github.com/aymnn34/calls/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize is large enough for SDP with several m-lines.
	DefaultMaxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// ClientOptions tunes a single connection.
type ClientOptions struct {
	MaxMessageSize int64

	// RateLimit is the sustained number of envelopes per second accepted
	// from the connection. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Client is one WebSocket connection to the signaling server.
type Client struct {
	// ID identifies the connection in logs; it is not the participant id.
	ID string

	hub     *Hub
	conn    *websocket.Conn
	send    chan *protocol.Envelope
	limiter *rate.Limiter
	maxSize int64
	logger  *slog.Logger

	// Owned by the hub goroutine.
	room     string
	clientID string
	closed   bool
}

func NewClient(hub *Hub, conn *websocket.Conn, opts ClientOptions) *Client {
	id := uuid.NewString()
	c := &Client{
		ID:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan *protocol.Envelope, sendBufferSize),
		maxSize: opts.MaxMessageSize,
		logger:  hub.logger.With("conn", id),
	}
	if c.maxSize <= 0 {
		c.maxSize = DefaultMaxMessageSize
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Serve registers the connection with the hub and starts its pumps. It
// returns false when the hub has already stopped.
func (c *Client) Serve() bool {
	if !c.hub.register(c) {
		_ = c.conn.Close()
		return false
	}
	go c.WritePump()
	go c.ReadPump()
	return true
}

// Send queues env for the write pump without blocking. Only the hub
// goroutine calls it.
func (c *Client) Send(env *protocol.Envelope) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// ReadPump pumps envelopes from the websocket connection to the hub.
//
// There is at most one reader on a connection; all reads happen here.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "err", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.Inc(metrics.DroppedRateLimited)
			c.logger.Warn("dropping envelope over rate limit")
			continue
		}

		env, err := protocol.Parse(data)
		if err != nil {
			c.hub.metrics.Inc(metrics.DroppedMalformed)
			c.logger.Warn("dropping malformed envelope", "err", err)
			continue
		}

		if !c.hub.deliver(c, env) {
			return
		}
	}
}

// WritePump pumps envelopes from the hub to the websocket connection.
//
// There is at most one writer on a connection; all writes happen here.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("websocket write failed", "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
