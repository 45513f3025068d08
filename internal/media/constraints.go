package media

import (
	"context"
	"errors"
)

// AudioConstraints mirror the capture flags a browser client requests.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VideoConstraints are ideal capture dimensions.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Constraints describe the local media to acquire.
type Constraints struct {
	Audio AudioConstraints
	Video VideoConstraints
}

func DefaultConstraints() Constraints {
	return Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video: VideoConstraints{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
		},
	}
}

var (
	ErrNoMedia          = errors.New("no audio or video source configured")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Provider acquires local audio/video tracks.
type Provider interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}
