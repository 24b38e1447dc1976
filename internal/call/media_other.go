//go:build !linux || !cgo

package call

import "github.com/pion/webrtc/v4"

// newAudioPeerConnection builds a receive-only peer connection. Mic
// capture is wired up only on Linux; elsewhere the call negotiates an
// inbound audio section and sends nothing.
func newAudioPeerConnection(opts Options) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	api, err := buildAPI(mediaEngine, opts)
	if err != nil {
		return nil, nil, err
	}
	pc, err := api.NewPeerConnection(iceConfig(opts))
	if err != nil {
		return nil, nil, err
	}

	log.Warnw("no audio capture support on this platform, receive-only call")
	addRecvOnlyAudioTransceiver(pc)
	return pc, nil, nil
}
