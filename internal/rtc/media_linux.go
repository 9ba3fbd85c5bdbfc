//go:build linux && cgo

package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initPeerConnection builds a VP8+Opus peer connection and captures the
// local camera/microphone via pion/mediadevices (V4L2 + malgo). A video
// request degrades to audio-only when the camera cannot be opened; if no
// track at all can be captured the connection is closed and
// ErrMediaUnavailable is returned; a call must never proceed without the
// media the user expects to send.
func initPeerConnection(opts Options) (*webrtc.PeerConnection, *LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts: a brief NAT/relay hiccup must not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, u := range opts.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}

	media, err := capture(pc, codecSelector, opts.Video)
	if err != nil {
		pc.Close()
		return nil, nil, err
	}
	return pc, media, nil
}

type captureAttempt struct {
	video bool
	label string
}

func capture(pc *webrtc.PeerConnection, codecSelector *mediadevices.CodecSelector, wantVideo bool) (*LocalMedia, error) {
	attempts := []captureAttempt{{video: wantVideo, label: "audio-only"}}
	if wantVideo {
		attempts = []captureAttempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw frame formats only: some cameras expose an MJPEG node
				// producing malformed frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("RTC: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		hasVideo := false
		for _, track := range tracks {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				hasVideo = true
			}
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debugf("RTC: local track ended: %v", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Warnf("RTC: AddTrack: %v", err)
			}
		}

		log.Infof("RTC: local media captured (%s), %d tracks", a.label, len(tracks))
		stop := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return NewLocalMedia(hasVideo, stop), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}
