package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aymnn34/calls/internal/call"
	"github.com/aymnn34/calls/internal/config"
	"github.com/aymnn34/calls/internal/netutil"
	"github.com/aymnn34/calls/internal/ui"
)

var configFlags connFlags

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved connection settings",
	Long: `Show the settings a call would use after applying flags, environment
variables (SIGNALING_URL, STUN_SERVERS, TURN_SERVER, TURN_USERNAME,
TURN_PASSWORD, FORCE_RELAY) and defaults.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(configFlags.options())
		if err != nil {
			return call.NewError("load config", err)
		}
		ui.RenderSettings(os.Stdout, clientSettings(cmd, cfg, netutil.ShouldForceRelay()))
		return nil
	},
}

func clientSettings(cmd *cobra.Command, cfg *config.Client, autoRelay bool) []ui.Setting {
	fs := cmd.Flags()
	turnPass := ""
	if cfg.TURNPass != "" {
		turnPass = "********"
	}
	relay := "off"
	switch {
	case cfg.ForceRelay:
		relay = "forced"
	case autoRelay && cfg.TURNServer != "":
		relay = "auto (VPN or CGNAT detected)"
	}
	return []ui.Setting{
		{Name: "signaling_url", Value: cfg.SignalingURL, Source: settingSource(fs, "signaling-url", "SIGNALING_URL")},
		{Name: "stun_servers", Value: strings.Join(cfg.STUNServers, "\n"), Source: settingSource(fs, "stun", "STUN_SERVERS")},
		{Name: "turn_servers", Value: strings.Join(cfg.TURNServers(), "\n"), Source: settingSource(fs, "turn", "TURN_SERVER")},
		{Name: "turn_username", Value: cfg.TURNUser, Source: settingSource(fs, "turn-user", "TURN_USERNAME")},
		{Name: "turn_password", Value: turnPass, Source: settingSource(fs, "turn-pass", "TURN_PASSWORD")},
		{Name: "relay", Value: relay, Source: settingSource(fs, "relay", "FORCE_RELAY")},
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configFlags.register(configCmd.Flags())
}
