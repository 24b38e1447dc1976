package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// buildAPI assembles the WebRTC API from a prepared media engine. ICE
// timeouts come from config; the defaults are far too twitchy for relay
// paths that see short outages during re-keying or failover.
func buildAPI(mediaEngine *webrtc.MediaEngine, opts Options) (*webrtc.API, error) {
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 && opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceConfig(opts Options) webrtc.Configuration {
	if len(opts.STUNURLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: opts.STUNURLs}},
	}
}

// addRecvOnlyAudioTransceiver ensures the SDP still negotiates an inbound
// audio section when no local track was added.
func addRecvOnlyAudioTransceiver(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		log.Warnw("recv-only audio transceiver failed", "err", err)
	}
}
