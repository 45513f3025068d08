package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aymnn34/calls/internal/dns"
	"github.com/aymnn34/calls/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	handshakeTimeout = 10 * time.Second
	bufferSize       = 64
)

var ErrClosed = errors.New("signaling connection closed")

// Options tunes Dial.
type Options struct {
	// NetDialContext overrides the TCP dialer. Defaults to dns.DialContext,
	// which falls back to public resolvers when system DNS fails.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger *slog.Logger
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	conn     *websocket.Conn
	incoming chan *protocol.Envelope
	outgoing chan *protocol.Envelope
	done     chan struct{}
	// dead is closed once either pump has stopped on a connection error.
	dead   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	deadOnce  sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the signaling server at rawURL and starts the pumps.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	netDial := opts.NetDialContext
	if netDial == nil {
		netDial = dns.DialContext
	}
	dialer := &websocket.Dialer{
		NetDialContext:   netDial,
		HandshakeTimeout: handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan *protocol.Envelope, bufferSize),
		outgoing: make(chan *protocol.Envelope, bufferSize),
		done:     make(chan struct{}),
		dead:     make(chan struct{}),
		logger:   logger.With("component", "wsclient"),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// readPump reads envelopes until the connection fails. Malformed frames
// are logged and skipped. Incoming is closed on exit.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.setErr(err)
				c.markDead()
			}
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "err", err)
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

// writePump writes envelopes and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.setErr(err)
				c.markDead()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.setErr(err)
				c.markDead()
				return
			}

		case <-c.dead:
			return

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final leave is not lost.
func (c *Client) flush() {
	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues env for delivery. It returns ErrClosed once the client is
// closed or the connection has failed.
func (c *Client) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.dead:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.dead:
		return ErrClosed
	}
}

func (c *Client) markDead() {
	c.deadOnce.Do(func() {
		close(c.dead)
	})
}

// Incoming returns the channel of received envelopes. It is closed when
// the connection ends for any reason.
func (c *Client) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

// Err reports why the connection ended, or nil after a local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Close sends a close frame after flushing queued envelopes. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
