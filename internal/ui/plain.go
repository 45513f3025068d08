package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aymnn34/calls/internal/call"
)

// PlainObserver prints one line per status change. It is used when the
// terminal is not interactive.
type PlainObserver struct {
	w    io.Writer
	now  func() time.Time
	mu   sync.Mutex
	last string
}

func NewPlainObserver(w io.Writer) *PlainObserver {
	return &PlainObserver{w: w, now: time.Now}
}

func (p *PlainObserver) OnUpdate(s call.Snapshot) {
	line := fmt.Sprintf("[%s] %s", s.Phase, s.Status)
	if s.PeerID != "" {
		line += " peer=" + s.PeerID
	}
	if s.RemoteMedia {
		line += fmt.Sprintf(" remote_audio=%t remote_video=%t", s.RemoteAudio, s.RemoteVideo)
	}
	line += fmt.Sprintf(" audio=%t video=%t", s.LocalAudio, s.LocalVideo)

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintf(p.w, "%s %s\n", p.now().Format("15:04:05"), line)
}
