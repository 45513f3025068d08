package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aymnn34/calls/internal/call"
)

// Controls are the call operations bound to keys.
type Controls interface {
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Leave()
}

// CallView is the interactive terminal view of a call. It implements
// call.Observer.
type CallView struct {
	model   *callModel
	updates chan call.Snapshot
}

func NewCallView(controls Controls, stats func() string) *CallView {
	updates := make(chan call.Snapshot, 1)

	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	return &CallView{
		updates: updates,
		model: &callModel{
			controls: controls,
			stats:    stats,
			spinner:  s,
			updates:  updates,
			snap:     call.Snapshot{LocalAudio: true, LocalVideo: true},
		},
	}
}

// OnUpdate keeps only the latest snapshot so the session loop never
// waits on the terminal.
func (v *CallView) OnUpdate(s call.Snapshot) {
	for {
		select {
		case v.updates <- s:
			return
		default:
		}
		select {
		case <-v.updates:
		default:
		}
	}
}

// Run shows the view until the call ends or ctx is cancelled. The final
// snapshot is returned.
func (v *CallView) Run(ctx context.Context) (call.Snapshot, error) {
	program := tea.NewProgram(v.model)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			program.Quit()
		case <-stop:
		}
	}()

	final, err := program.Run()
	if err != nil {
		return v.model.snap, err
	}
	return final.(*callModel).snap, nil
}

type (
	statsTickMsg time.Time
	leftMsg      struct{}
)

type callModel struct {
	controls Controls
	stats    func() string
	spinner  spinner.Model
	updates  chan call.Snapshot
	snap     call.Snapshot
	leaving  bool
	quitting bool
}

func (m *callModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates(), statsTick())
}

func (m *callModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func statsTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return statsTickMsg(t)
	})
}

func (m *callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "a":
			m.controls.SetAudioEnabled(!m.snap.LocalAudio)
		case "v":
			m.controls.SetVideoEnabled(!m.snap.LocalVideo)
		case "q", "ctrl+c":
			if m.leaving {
				return m, nil
			}
			m.leaving = true
			return m, func() tea.Msg {
				m.controls.Leave()
				return leftMsg{}
			}
		}

	case call.Snapshot:
		m.snap = msg
		if msg.Phase == call.PhaseLeft {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.listenForUpdates()

	case leftMsg:
		m.quitting = true
		return m, tea.Quit

	case statsTickMsg:
		return m, statsTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *callModel) View() string {
	if m.quitting {
		return ""
	}
	s := m.snap

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s", IconRoom, s.Room)))
	b.WriteString("\n\n")

	body := &strings.Builder{}
	fmt.Fprintf(body, "%s %s\n", phaseIcon(s, m.spinner.View()), BoldStyle.Render(s.Status))
	if s.PeerID != "" {
		fmt.Fprintf(body, "%s %s", IconPeer, s.PeerID)
		if s.Phase == call.PhaseConnected && !s.ConnectedAt.IsZero() {
			fmt.Fprintf(body, "  %s %s", IconTime, FormatDuration(time.Since(s.ConnectedAt)))
		}
		body.WriteString("\n")
	}
	fmt.Fprintf(body, "\nYou (%s)   %s\n", MutedStyle.Render(s.SelfID), mediaFlags(s.LocalAudio, s.LocalVideo))
	if s.RemoteMedia {
		fmt.Fprintf(body, "Peer        %s\n", mediaFlags(s.RemoteAudio, s.RemoteVideo))
	}
	if m.stats != nil {
		if line := m.stats(); line != "" {
			fmt.Fprintf(body, "\n%s\n", MutedStyle.Render(line))
		}
	}

	box := CallBoxStyle
	if s.Waiting {
		box = WaitingBoxStyle
	}
	b.WriteString(box.Render(strings.TrimRight(body.String(), "\n")))

	help := "a: mute/unmute  v: camera on/off  q: leave"
	if m.leaving {
		help = "Leaving..."
	}
	b.WriteString("\n" + FooterStyle.Render(help) + "\n")
	return b.String()
}

func phaseIcon(s call.Snapshot, spin string) string {
	switch s.Phase {
	case call.PhaseConnected:
		return IconConnected
	case call.PhaseDisconnected:
		return IconTrouble
	case call.PhaseFailed:
		return IconFailed
	}
	if s.Waiting {
		return IconWaiting
	}
	return spin
}

func mediaFlags(audio, video bool) string {
	mic := SuccessStyle.Render(IconMicOn + " mic on")
	if !audio {
		mic = ErrorStyle.Render(IconMicOff + " muted")
	}
	cam := SuccessStyle.Render(IconCamOn + " camera on")
	if !video {
		cam = ErrorStyle.Render(IconCamOff + " camera off")
	}
	return mic + "  " + cam
}

// FormatDuration renders d as m:ss or h:mm:ss.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	sec := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
