package media

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// SyntheticProvider produces Opus silence and placeholder VP8 key frames.
// It needs no capture device, which makes it the default for headless
// clients and tests.
type SyntheticProvider struct {
	Audio  bool
	Video  bool
	Logger *slog.Logger
}

func (p SyntheticProvider) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !p.Audio && !p.Video {
		return nil, ErrNoMedia
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "calls-" + randomSuffix()
	var audio, video *webrtc.TrackLocalStaticSample
	var err error
	if p.Audio {
		audio, err = newOpusTrack(streamID)
		if err != nil {
			return nil, err
		}
	}
	if p.Video {
		video, err = newVP8Track(streamID)
		if err != nil {
			return nil, err
		}
	}

	s := NewLocalStream(streamID, audio, video, p.Logger)
	if audio != nil {
		s.startAudio(&silenceSource{})
	}
	if video != nil {
		s.startVideo(newPlaceholderSource(c.Video))
	}
	return s, nil
}

func newOpusTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
}

func newVP8Track(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
}

type silenceSource struct{}

func (silenceSource) Next() (pionmedia.Sample, error) {
	return pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}, nil
}

func (silenceSource) Close() error { return nil }

// placeholderSource emits VP8 key frame headers of the requested size with
// an empty first partition. Decoders show nothing useful, but the frames
// exercise packetization, transport and recording end to end.
type placeholderSource struct {
	frame    []byte
	duration time.Duration
}

func newPlaceholderSource(v VideoConstraints) *placeholderSource {
	width, height, fps := v.Width, v.Height, v.FrameRate
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	if fps <= 0 {
		fps = 30
	}

	frame := make([]byte, 10)
	// Frame tag: key frame, version 0, shown, first partition size 0.
	frame[0], frame[1], frame[2] = 0x10, 0x00, 0x00
	// Key frame start code.
	frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
	binary.LittleEndian.PutUint16(frame[6:8], uint16(width)&0x3fff)
	binary.LittleEndian.PutUint16(frame[8:10], uint16(height)&0x3fff)

	return &placeholderSource{
		frame:    frame,
		duration: time.Second / time.Duration(fps),
	}
}

func (p *placeholderSource) Next() (pionmedia.Sample, error) {
	return pionmedia.Sample{Data: p.frame, Duration: p.duration}, nil
}

func (p *placeholderSource) Close() error { return nil }
