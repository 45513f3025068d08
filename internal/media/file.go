package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const oggSampleRate = 48000

// FileProvider streams a VP8 IVF file and/or an Ogg Opus file as local
// media. When Loop is set the files restart at EOF.
type FileProvider struct {
	VideoPath string
	AudioPath string
	Loop      bool
	Logger    *slog.Logger
}

func (p FileProvider) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if p.VideoPath == "" && p.AudioPath == "" {
		return nil, ErrNoMedia
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		videoSrc, audioSrc source
		err                error
	)
	if p.VideoPath != "" {
		videoSrc, err = openIVF(p.VideoPath, p.Loop)
		if err != nil {
			return nil, err
		}
	}
	if p.AudioPath != "" {
		audioSrc, err = openOgg(p.AudioPath, p.Loop)
		if err != nil {
			if videoSrc != nil {
				videoSrc.Close()
			}
			return nil, err
		}
	}

	streamID := "calls-" + randomSuffix()
	var audio, video *webrtc.TrackLocalStaticSample
	if audioSrc != nil {
		if audio, err = newOpusTrack(streamID); err != nil {
			return nil, err
		}
	}
	if videoSrc != nil {
		if video, err = newVP8Track(streamID); err != nil {
			return nil, err
		}
	}

	s := NewLocalStream(streamID, audio, video, p.Logger)
	if audioSrc != nil {
		s.startAudio(audioSrc)
	}
	if videoSrc != nil {
		s.startVideo(videoSrc)
	}
	return s, nil
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}

// ivfSource reads VP8 frames from an IVF container.
type ivfSource struct {
	path     string
	loop     bool
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func openIVF(path string, loop bool) (*ivfSource, error) {
	s := &ivfSource{path: path, loop: loop}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("read ivf header %s: %w", s.path, err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return fmt.Errorf("%w: %s has fourcc %q, want VP80", ErrUnsupportedCodec, s.path, header.FourCC)
	}
	s.file, s.reader = f, reader
	s.duration = time.Second / 30
	if header.TimebaseDenominator > 0 {
		s.duration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return nil
}

func (s *ivfSource) Next() (pionmedia.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err == io.EOF && s.loop {
		s.file.Close()
		if err := s.open(); err != nil {
			return pionmedia.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return pionmedia.Sample{}, err
	}
	return pionmedia.Sample{Data: frame, Duration: s.duration}, nil
}

func (s *ivfSource) Close() error {
	return s.file.Close()
}

// oggSource reads Opus pages from an Ogg container.
type oggSource struct {
	path    string
	loop    bool
	file    *os.File
	reader  *oggreader.OggReader
	granule uint64
}

func openOgg(path string, loop bool) (*oggSource, error) {
	s := &oggSource{path: path, loop: loop}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("read ogg header %s: %w", s.path, err)
	}
	s.file, s.reader, s.granule = f, reader, 0
	return nil
}

func (s *oggSource) Next() (pionmedia.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if err == io.EOF && s.loop {
		s.file.Close()
		if err := s.open(); err != nil {
			return pionmedia.Sample{}, err
		}
		page, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return pionmedia.Sample{}, err
	}

	duration := opusFrameDuration
	if header.GranulePosition > s.granule {
		samples := header.GranulePosition - s.granule
		duration = time.Duration(samples) * time.Second / oggSampleRate
	}
	s.granule = header.GranulePosition
	return pionmedia.Sample{Data: page, Duration: duration}, nil
}

func (s *oggSource) Close() error {
	return s.file.Close()
}
