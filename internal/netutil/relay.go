package netutil

import (
	"net"
	"strings"
)

var cgnatBlock = func() *net.IPNet {
	_, block, _ := net.ParseCIDR("100.64.0.0/10")
	return block
}()

// vpnNameHints are interface name fragments used by common VPN and tunnel
// drivers (OpenVPN, TAP adapters, WireGuard, PPP, Cloudflare WARP).
var vpnNameHints = []string{"tun", "tap", "wg", "ppp", "warp"}

// Interface is the subset of an interface needed for relay detection.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// ShouldForceRelay reports whether the host is likely behind a VPN or
// carrier-grade NAT, where direct media rarely connects and TURN should be
// forced.
func ShouldForceRelay() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	list := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		list = append(list, Interface{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return shouldForceRelay(list)
}

func shouldForceRelay(ifaces []Interface) bool {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		name := strings.ToLower(iface.Name)
		for _, hint := range vpnNameHints {
			if strings.Contains(name, hint) {
				return true
			}
		}

		for _, addr := range iface.Addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}
