package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	pionnet "github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// APIOptions configures the shared pion API every negotiator is built from.
type APIOptions struct {
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net pionnet.Net
	// LoggerFactory defaults to the pterm bridge.
	LoggerFactory logging.LoggerFactory
}

// NewAPI creates a pion API with the default audio/video codecs and the
// default interceptors (NACK, RTCP reports, TWCC).
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = opts.LoggerFactory
	if se.LoggerFactory == nil {
		se.LoggerFactory = util.PionLoggerFactory{}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// newPeerConnection creates a PeerConnection on api using the given STUN
// servers. No TURN: connectivity is whatever ICE finds directly.
func newPeerConnection(api *webrtc.API, stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: stunServers},
		}
	}
	return api.NewPeerConnection(config)
}

// drainRTCP reads RTCP for an outbound track until the sender is closed.
// Interceptors only process packets that are read.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}
