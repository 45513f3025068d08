package cmd

import (
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/aymnn34/calls/internal/config"
)

// connFlags are the connection settings shared by join and config.
type connFlags struct {
	signalingURL string
	stun         string
	turn         string
	turnUser     string
	turnPass     string
	relay        bool
}

func (f *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.signalingURL, "signaling-url", "u", "", "Signaling server WebSocket URL")
	fs.StringVarP(&f.stun, "stun", "s", "", "Comma separated STUN servers")
	fs.StringVarP(&f.turn, "turn", "t", "", "TURN server (host or turn: URL)")
	fs.StringVar(&f.turnUser, "turn-user", "", "TURN username")
	fs.StringVar(&f.turnPass, "turn-pass", "", "TURN password")
	fs.BoolVarP(&f.relay, "relay", "r", false, "Force relay mode")
}

func (f *connFlags) options() config.ClientOptions {
	var stun []string
	for _, s := range strings.Split(f.stun, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stun = append(stun, s)
		}
	}
	return config.ClientOptions{
		SignalingURL: f.signalingURL,
		STUNServers:  stun,
		TURNServer:   f.turn,
		TURNUser:     f.turnUser,
		TURNPass:     f.turnPass,
		ForceRelay:   f.relay,
	}
}

// settingSource names where a resolved value came from.
func settingSource(fs *pflag.FlagSet, flag, env string) string {
	if fs.Changed(flag) {
		return "flag"
	}
	if _, ok := os.LookupEnv(env); ok {
		return "env"
	}
	return "default"
}
