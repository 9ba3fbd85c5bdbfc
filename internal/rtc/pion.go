package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Options configures one peer transport.
type Options struct {
	// Video requests camera capture in addition to the microphone.
	Video bool
	// ICEServers lists STUN/TURN URLs. Empty falls back to DefaultSTUN.
	ICEServers []string
}

// DefaultSTUN is used when no ICE servers are configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// PeerTransport is the Pion-backed transport for one call. Construction
// also acquires local media; a capture failure closes the connection and
// reports ErrMediaUnavailable so no half-built transport leaks.
//
// Remote candidates that arrive before the remote description are buffered
// here and flushed after SetRemoteDescription; Pion rejects early
// AddICECandidate calls and trickled candidates must not be lost.
type PeerTransport struct {
	pc    *webrtc.PeerConnection
	media *LocalMedia

	mu        sync.Mutex
	remoteSet bool
	buffered  []Candidate
	closed    bool

	cbMu        sync.RWMutex
	onCandidate func(Candidate)
	onTrack     func(Track)
	onState     func(ConnState)
	// Local candidates discovered before OnCandidate was registered.
	// Gathering starts with the local description, which can precede the
	// handler; held here and flushed on registration.
	pendingLocal []Candidate
}

// New builds a peer connection with local capture attached.
func New(opts Options) (*PeerTransport, error) {
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = []string{DefaultSTUN}
	}
	pc, media, err := initPeerConnection(opts)
	if err != nil {
		return nil, err
	}

	t := &PeerTransport{pc: pc, media: media}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		j := c.ToJSON()
		cand := Candidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		}
		t.cbMu.Lock()
		fn := t.onCandidate
		if fn == nil {
			t.pendingLocal = append(t.pendingLocal, cand)
		}
		t.cbMu.Unlock()
		if fn != nil {
			fn(cand)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("RTC: remote %s track %s", track.Kind(), track.ID())
		t.cbMu.RLock()
		fn := t.onTrack
		t.cbMu.RUnlock()
		if fn != nil {
			fn(Track{ID: track.ID(), Kind: track.Kind().String()})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.cbMu.RLock()
		fn := t.onState
		t.cbMu.RUnlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	return t, nil
}

// Media returns the local capture handle. Never nil.
func (t *PeerTransport) Media() *LocalMedia { return t.media }

// CreateOffer produces the local offer and applies it as the local
// description, which starts candidate discovery.
func (t *PeerTransport) CreateOffer(_ context.Context) (SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer produces the local answer for an applied remote offer and
// sets it as the local description.
func (t *PeerTransport) CreateAnswer(_ context.Context) (SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the peer's offer or answer, then flushes
// every candidate buffered while the description was missing.
func (t *PeerTransport) SetRemoteDescription(sd SessionDescription) error {
	sdType := webrtc.NewSDPType(sd.Type)
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdType, SDP: sd.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	buffered := t.buffered
	t.buffered = nil
	t.mu.Unlock()

	for _, c := range buffered {
		if err := t.addCandidate(c); err != nil {
			log.Warnf("RTC: flush buffered candidate: %v", err)
		}
	}
	return nil
}

// AddCandidate feeds one remote candidate, buffering it when the remote
// description has not been applied yet.
func (t *PeerTransport) AddCandidate(c Candidate) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if !t.remoteSet {
		t.buffered = append(t.buffered, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.addCandidate(c)
}

func (t *PeerTransport) addCandidate(c Candidate) error {
	err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// OnCandidate registers the local-candidate handler and replays any
// candidates that were discovered before registration.
func (t *PeerTransport) OnCandidate(fn func(Candidate)) {
	t.cbMu.Lock()
	t.onCandidate = fn
	var pending []Candidate
	if fn != nil {
		pending = t.pendingLocal
		t.pendingLocal = nil
	}
	t.cbMu.Unlock()
	for _, c := range pending {
		fn(c)
	}
}

func (t *PeerTransport) OnTrack(fn func(Track)) {
	t.cbMu.Lock()
	t.onTrack = fn
	t.cbMu.Unlock()
}

func (t *PeerTransport) OnStateChange(fn func(ConnState)) {
	t.cbMu.Lock()
	t.onState = fn
	t.cbMu.Unlock()
}

// Close stops local media and tears down the peer connection. Idempotent.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.media.Stop()
	return t.pc.Close()
}

func mapState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
