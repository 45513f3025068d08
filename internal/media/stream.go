package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

// source yields timed samples for one track. Next returns io.EOF when the
// source is exhausted.
type source interface {
	Next() (pionmedia.Sample, error)
	Close() error
}

// LocalStream is the set of local tracks attached to every peer
// connection of a session. Disabling a track does not renegotiate: muted
// audio is replaced by silence and disabled video frames are skipped.
type LocalStream struct {
	ID string

	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	sent    atomic.Uint64
	skipped atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewLocalStream wraps existing tracks. Either track may be nil.
func NewLocalStream(id string, audio, video *webrtc.TrackLocalStaticSample, logger *slog.Logger) *LocalStream {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &LocalStream{
		ID:     id,
		audio:  audio,
		video:  video,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "media", "stream", id),
	}
	s.audioOn.Store(true)
	s.videoOn.Store(true)
	return s
}

// Tracks returns the tracks to attach to a peer connection.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *LocalStream) HasAudio() bool { return s.audio != nil }
func (s *LocalStream) HasVideo() bool { return s.video != nil }

func (s *LocalStream) SetAudioEnabled(on bool) { s.audioOn.Store(on) }
func (s *LocalStream) SetVideoEnabled(on bool) { s.videoOn.Store(on) }
func (s *LocalStream) AudioEnabled() bool      { return s.audioOn.Load() }
func (s *LocalStream) VideoEnabled() bool      { return s.videoOn.Load() }

// SamplesSent is the number of samples written to tracks so far.
func (s *LocalStream) SamplesSent() uint64 { return s.sent.Load() }

// SamplesSkipped counts video samples dropped while video was disabled.
func (s *LocalStream) SamplesSkipped() uint64 { return s.skipped.Load() }

// Stop ends all sample pumps and releases their sources.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *LocalStream) startAudio(src source) {
	s.start(s.audio, src, func(sample pionmedia.Sample) (pionmedia.Sample, bool) {
		if !s.audioOn.Load() {
			sample.Data = opusSilence
		}
		return sample, true
	})
}

func (s *LocalStream) startVideo(src source) {
	s.start(s.video, src, func(sample pionmedia.Sample) (pionmedia.Sample, bool) {
		return sample, s.videoOn.Load()
	})
}

// start pumps src into track in real time. filter may rewrite a sample or
// drop it; dropped samples are reported to the packetizer on the next
// written sample so RTP timestamps keep advancing.
func (s *LocalStream) start(track *webrtc.TrackLocalStaticSample, src source, filter func(pionmedia.Sample) (pionmedia.Sample, bool)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer src.Close()

		timer := time.NewTimer(0)
		defer timer.Stop()
		<-timer.C

		next := time.Now()
		var dropped uint16
		for {
			sample, err := src.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Warn("media source failed", "track", track.ID(), "err", err)
				}
				return
			}

			if out, keep := filter(sample); keep {
				out.PrevDroppedPackets = dropped
				dropped = 0
				if err := track.WriteSample(out); err != nil {
					s.logger.Debug("write sample failed", "track", track.ID(), "err", err)
				}
				s.sent.Add(1)
			} else {
				if dropped < math.MaxUint16 {
					dropped++
				}
				s.skipped.Add(1)
			}

			next = next.Add(sample.Duration)
			timer.Reset(time.Until(next))
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
			}
		}
	}()
}
