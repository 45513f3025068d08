package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// publicDNS are servers queried if the system lookup fails.
var publicDNS = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.222.222",         // Cisco OpenDNS
	"208.67.220.220",         // Cisco OpenDNS
}

const (
	localTimeout  = 1 * time.Second
	remoteTimeout = 2 * time.Second
)

// Resolver resolves a host to one address.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Lookup resolves a hostname to an IP address, preferring IPv4. Literal
// IPs are returned unchanged. It tries the system resolver first and falls
// back to racing public DNS servers.
func Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	ip, err := lookupWith(ctx, &net.Resolver{}, host, localTimeout)
	if err == nil {
		return ip, nil
	}

	return remoteLookupWithRace(ctx, host, publicDNS)
}

func lookupWith(ctx context.Context, r Resolver, host string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return preferIPv4(ips)
}

func preferIPv4(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", errors.New("no IP addresses found")
	}
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

// remoteLookupWithRace returns the first successful answer from servers.
func remoteLookupWithRace(ctx context.Context, host string, servers []string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	results := make(chan result, len(servers))
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	for _, server := range servers {
		go func(server string) {
			ip, err := lookupWith(ctx, publicResolver(server), host, remoteTimeout)
			results <- result{ip: ip, err: err}
		}(server)
	}

	failures := 0
	for range servers {
		select {
		case res := <-results:
			if res.err == nil && res.ip != "" {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("dns lookup for %s timed out during public DNS race", host)
		}
	}

	return "", fmt.Errorf("failed to resolve %s: all %d public DNS servers failed", host, failures)
}

// publicResolver sends every query to server on port 53.
func publicResolver(server string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := new(net.Dialer)
			return d.DialContext(ctx, network, net.JoinHostPort(trimBrackets(server), "53"))
		},
	}
}

func trimBrackets(s string) string {
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}

// DialContext resolves addr's host with Lookup and dials the result. It is
// suitable as a websocket.Dialer NetDialContext.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}
