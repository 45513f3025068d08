package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Default client configuration values.
const (
	DefaultSignalingURL = "ws://localhost:8080/ws"
	DefaultSTUN         = "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"
)

// Client holds the call client configuration.
type Client struct {
	// SignalingURL is the WebSocket endpoint of the signaling server.
	SignalingURL string

	// ICE servers for WebRTC
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string

	// ForceRelay restricts ICE to TURN relay candidates.
	ForceRelay bool
}

// ClientOptions carries CLI flag overrides. Zero values fall through to
// the environment and then to defaults.
type ClientOptions struct {
	SignalingURL string
	STUNServers  []string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	ForceRelay   bool
}

// LoadClient reads configuration with the following priority:
// 1. CLI flags (passed via ClientOptions) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func LoadClient(opts ClientOptions) (*Client, error) {
	return loadClient(os.LookupEnv, opts)
}

func loadClient(lookup func(string) (string, bool), opts ClientOptions) (*Client, error) {
	signalingURL := opts.SignalingURL
	if signalingURL == "" {
		signalingURL = envOrDefault(lookup, "SIGNALING_URL", DefaultSignalingURL)
	}
	u, err := url.Parse(signalingURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url %q: %w", signalingURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signaling url %q must use ws or wss", signalingURL)
	}

	stun := opts.STUNServers
	if len(stun) == 0 {
		stun = splitList(envOrDefault(lookup, "STUN_SERVERS", DefaultSTUN))
	}

	turnServer := opts.TURNServer
	if turnServer == "" {
		turnServer = envOrDefault(lookup, "TURN_SERVER", "")
	}
	turnUser := opts.TURNUser
	if turnUser == "" {
		turnUser = envOrDefault(lookup, "TURN_USERNAME", "")
	}
	turnPass := opts.TURNPass
	if turnPass == "" {
		turnPass = envOrDefault(lookup, "TURN_PASSWORD", "")
	}

	forceRelay := opts.ForceRelay
	if !forceRelay {
		forceRelay, err = envBoolOrDefault(lookup, "FORCE_RELAY", false)
		if err != nil {
			return nil, err
		}
	}
	if forceRelay && turnServer == "" {
		return nil, fmt.Errorf("relay-only transport requires a TURN server")
	}

	return &Client{
		SignalingURL: signalingURL,
		STUNServers:  stun,
		TURNServer:   turnServer,
		TURNUser:     turnUser,
		TURNPass:     turnPass,
		ForceRelay:   forceRelay,
	}, nil
}

// TURNServers returns TURN server URLs if configured. A bare host expands
// to the usual UDP, TCP and TLS endpoints.
func (c *Client) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.HasPrefix(c.TURNServer, "turn:") || strings.HasPrefix(c.TURNServer, "turns:") {
		return []string{c.TURNServer}
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("turn:%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// ICEServers builds the pion ICE server list.
func (c *Client) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if turn := c.TURNServers(); len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// TransportPolicy returns the ICE transport policy for the configuration.
func (c *Client) TransportPolicy() webrtc.ICETransportPolicy {
	if c.ForceRelay {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}
