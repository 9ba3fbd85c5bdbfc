// Package rtc wraps the peer-to-peer media negotiation primitive (Pion
// WebRTC): offer/answer descriptions, trickled candidates, remote tracks
// and connection-state signaling. The call layer consumes it through a
// small interface so tests can substitute a fake.
package rtc

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rtc")

// SessionDescription is a serialized offer or answer. The JSON shape is
// the signaling-store wire format shared by both call parties.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one trickled network candidate in store wire format.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Track identifies a remote media track that started arriving.
type Track struct {
	ID   string
	Kind string // "audio" or "video"
}

// ConnState mirrors the peer connection lifecycle.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrMediaUnavailable marks a failure to open the local camera/microphone.
// Callers distinguish it from transport construction errors because the two
// abort a call setup differently.
var ErrMediaUnavailable = errors.New("rtc: local media unavailable")
