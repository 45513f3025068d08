package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIOptions tunes the pion API shared by every peer connection of a client.
type APIOptions struct {
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
	// LoggerFactory receives pion's internal logging.
	LoggerFactory logging.LoggerFactory
}

// NewAPI builds a pion API with the default codecs (Opus, VP8, ...) and the
// default interceptors (NACK, RTCP reports, TWCC).
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
