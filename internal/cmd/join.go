package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aymnn34/calls/internal/call"
	"github.com/aymnn34/calls/internal/config"
	"github.com/aymnn34/calls/internal/media"
	"github.com/aymnn34/calls/internal/netutil"
	"github.com/aymnn34/calls/internal/peer"
	"github.com/aymnn34/calls/internal/roomname"
	"github.com/aymnn34/calls/internal/ui"
	"github.com/aymnn34/calls/internal/wsclient"
)

var (
	joinFlags connFlags

	flagName      string
	flagPlain     bool
	flagVideoFile string
	flagAudioFile string
	flagLoop      bool
	flagRecordDir string
	flagNoAudio   bool
	flagNoVideo   bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j"},
	Short:   "Join a call room",
	Long: `Join a room and wait for the other participant. The first two people in
a room are connected directly; a third is turned away.

Without a room name a random one is generated and printed so it can be
shared.

Examples:
  calls join standup --name alice
  calls join --name bob --video-file clip.ivf --audio-file voice.ogg --loop
  calls join standup -n carol --plain --record-dir ./recordings`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := ""
		if len(args) == 1 {
			room = args[0]
		}
		return joinRoom(room)
	},
}

func joinRoom(room string) error {
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.LoadClient(joinFlags.options())
	if err != nil {
		return call.NewError("load config", err)
	}
	if !cfg.ForceRelay && cfg.TURNServer != "" && netutil.ShouldForceRelay() {
		ui.PrintWarning("VPN or CGNAT detected, using TURN relay")
		cfg.ForceRelay = true
	}

	generated := room == ""
	if generated {
		room = roomname.Generate()
	}

	if flagRecordDir != "" {
		if err := media.EnsureDir(flagRecordDir); err != nil {
			return call.NewError("prepare recording", err)
		}
	}
	recorder := media.NewRecorder(flagRecordDir, room, logger)

	api, err := peer.NewAPI(peer.APIOptions{LoggerFactory: peer.NewLoggerFactory(logger)})
	if err != nil {
		return call.NewError("init webrtc", err)
	}

	interactive := !flagPlain && isatty.IsTerminal(os.Stdout.Fd())

	var observer call.Observer
	session, err := call.NewSession(call.Config{
		Dial:  signalingDialer(cfg, logger),
		Media: mediaProvider(logger),
		NewPeer: func(ev peer.Events) (call.PeerManager, error) {
			m, err := peer.NewManager(peer.Config{
				API:        api,
				ICEServers: cfg.ICEServers(),
				Policy:     cfg.TransportPolicy(),
				Logger:     logger,
			}, ev)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
		Renderer: recorder,
		Observer: call.ObserverFunc(func(s call.Snapshot) { observer.OnUpdate(s) }),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	var view *ui.CallView
	if interactive {
		view = ui.NewCallView(session, func() string { return recorderStats(recorder) })
		observer = view
	} else {
		observer = ui.NewPlainObserver(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if generated {
		ui.PrintInfof("Room: %s (share this name with the other participant)", ui.BoldStyle.Render(room))
	}

	stopSpinner := ui.RunConnectionSpinner("Connecting to signaling server...")
	err = session.Join(ctx, room, flagName)
	stopSpinner()
	if err != nil {
		return err
	}

	final := waitForCall(ctx, session, view)
	recorder.Release()
	recorder.Wait()

	summary := ui.SummaryFromSnapshot(final)
	st := recorder.Stats()
	summary.AudioPackets = st.AudioPackets
	summary.VideoPackets = st.VideoPackets
	summary.Bytes = st.Bytes
	fmt.Println()
	ui.RenderCallSummary(summary)

	return final.Err
}

// waitForCall blocks until the call ends and returns the final state.
func waitForCall(ctx context.Context, session *call.Session, view *ui.CallView) call.Snapshot {
	if view != nil {
		if _, err := view.Run(ctx); err != nil {
			slog.Error("call view failed", "err", err)
		}
		session.Leave()
		return session.Snapshot()
	}

	select {
	case <-session.Left():
	case <-ctx.Done():
		session.Leave()
	}
	return session.Snapshot()
}

func signalingDialer(cfg *config.Client, logger *slog.Logger) call.Dialer {
	return func(ctx context.Context) (call.Channel, error) {
		c, err := wsclient.Dial(ctx, cfg.SignalingURL, wsclient.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func mediaProvider(logger *slog.Logger) media.Provider {
	if flagVideoFile != "" || flagAudioFile != "" {
		return media.FileProvider{
			VideoPath: flagVideoFile,
			AudioPath: flagAudioFile,
			Loop:      flagLoop,
			Logger:    logger,
		}
	}
	return media.SyntheticProvider{Audio: !flagNoAudio, Video: !flagNoVideo, Logger: logger}
}

func recorderStats(r *media.Recorder) string {
	st := r.Stats()
	if st.AudioPackets == 0 && st.VideoPackets == 0 {
		return ""
	}
	return fmt.Sprintf("received %d audio / %d video packets, %s",
		st.AudioPackets, st.VideoPackets, ui.FormatBytes(st.Bytes))
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinFlags.register(joinCmd.Flags())
	joinCmd.Flags().StringVarP(&flagName, "name", "n", os.Getenv("USER"), "Display name")
	joinCmd.Flags().BoolVar(&flagPlain, "plain", false, "Print status lines instead of the interactive view")
	joinCmd.Flags().StringVar(&flagVideoFile, "video-file", "", "Send video from a VP8 IVF file")
	joinCmd.Flags().StringVar(&flagAudioFile, "audio-file", "", "Send audio from an Ogg Opus file")
	joinCmd.Flags().BoolVar(&flagLoop, "loop", false, "Restart media files at the end")
	joinCmd.Flags().StringVar(&flagRecordDir, "record-dir", "", "Write the remote stream to this directory")
	joinCmd.Flags().BoolVar(&flagNoAudio, "no-audio", false, "Do not send synthetic audio")
	joinCmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "Do not send synthetic video")
}
