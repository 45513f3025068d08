package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// RemoteTrack is the part of *webrtc.TrackRemote a renderer reads.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// RecorderStats summarises what a Recorder received.
type RecorderStats struct {
	AudioPackets uint64
	VideoPackets uint64
	Bytes        uint64
}

// Recorder is the render surface for a headless client. It drains remote
// tracks and, when Dir is set, writes VP8 video to <dir>/<name>-video.ivf
// and Opus audio to <dir>/<name>-audio.ogg.
type Recorder struct {
	dir    string
	name   string
	logger *slog.Logger

	audioPackets atomic.Uint64
	videoPackets atomic.Uint64
	bytes        atomic.Uint64

	mu       sync.Mutex
	released chan struct{}
	rendered map[string]bool
	round    int
	wg       sync.WaitGroup
}

func NewRecorder(dir, name string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:      dir,
		name:     name,
		logger:   logger.With("component", "recorder"),
		released: make(chan struct{}),
		rendered: make(map[string]bool),
		round:    1,
	}
}

// Render starts draining track. A track id is rendered at most once per
// round; Release starts a new round.
func (r *Recorder) Render(track RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rendered[track.ID()] {
		return
	}
	r.rendered[track.ID()] = true

	w, err := r.openWriter(track)
	if err != nil {
		r.logger.Warn("recording disabled for track", "track", track.ID(), "err", err)
		w = nil
	}

	released := r.released
	r.wg.Add(1)
	go r.drain(track, w, released)
}

func (r *Recorder) openWriter(track RemoteTrack) (rtpWriter, error) {
	if r.dir == "" {
		return nil, nil
	}
	suffix := ""
	if r.round > 1 {
		suffix = fmt.Sprintf("-%d", r.round)
	}

	mime := strings.ToLower(track.Codec().MimeType)
	switch {
	case mime == strings.ToLower(webrtc.MimeTypeVP8):
		return ivfwriter.New(filepath.Join(r.dir, fmt.Sprintf("%s-video%s.ivf", r.name, suffix)))
	case mime == strings.ToLower(webrtc.MimeTypeOpus):
		return oggwriter.New(filepath.Join(r.dir, fmt.Sprintf("%s-audio%s.ogg", r.name, suffix)), 48000, 2)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, track.Codec().MimeType)
}

func (r *Recorder) drain(track RemoteTrack, w rtpWriter, released <-chan struct{}) {
	defer r.wg.Done()
	defer func() {
		if w != nil {
			if err := w.Close(); err != nil {
				r.logger.Warn("close recording", "track", track.ID(), "err", err)
			}
		}
	}()

	kind := track.Kind()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		select {
		case <-released:
			return
		default:
		}

		if kind == webrtc.RTPCodecTypeAudio {
			r.audioPackets.Add(1)
		} else {
			r.videoPackets.Add(1)
		}
		r.bytes.Add(uint64(len(pkt.Payload)))

		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				r.logger.Warn("write recording", "track", track.ID(), "err", err)
				w.Close()
				w = nil
			}
		}
	}
}

// Release stops surfacing the current remote stream. Drain goroutines exit
// on their next packet or when the track ends.
func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rendered) == 0 {
		return
	}
	close(r.released)
	r.released = make(chan struct{})
	r.rendered = make(map[string]bool)
	r.round++
}

// Wait blocks until every drain goroutine has exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		AudioPackets: r.audioPackets.Load(),
		VideoPackets: r.videoPackets.Load(),
		Bytes:        r.bytes.Load(),
	}
}

// EnsureDir creates the recording directory.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
