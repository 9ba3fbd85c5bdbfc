//go:build !linux || !cgo

package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// initPeerConnection has no capture path off Linux; the pion/mediadevices
// drivers this module builds with (V4L2, malgo) are Linux-only. Starting a
// call here fails with ErrMediaUnavailable, which the call layer surfaces
// as a media acquisition error instead of leaving the peer ringing.
func initPeerConnection(_ Options) (*webrtc.PeerConnection, *LocalMedia, error) {
	return nil, nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaUnavailable)
}
