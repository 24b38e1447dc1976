//go:build linux && cgo

package call

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// newAudioPeerConnection creates a peer connection with the microphone
// captured and added as an Opus track. A capture failure (no device,
// device busy, permission denied) fails the whole call; the caller is
// expected to abort back to idle rather than place a silent call.
func newAudioPeerConnection(opts Options) (*webrtc.PeerConnection, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	api, err := buildAPI(mediaEngine, opts)
	if err != nil {
		return nil, nil, err
	}
	pc, err := api.NewPeerConnection(iceConfig(opts))
	if err != nil {
		return nil, nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("microphone capture: %w", err)
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnw("local track ended", "err", err)
			}
		})
		if _, err := pc.AddTrack(track); err != nil {
			for _, t := range tracks {
				t.Close()
			}
			pc.Close()
			return nil, nil, fmt.Errorf("add audio track: %w", err)
		}
	}

	stop := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return pc, stop, nil
}
