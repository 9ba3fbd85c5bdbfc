package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/converse-chat/converse/internal/rtc"
	"github.com/converse-chat/converse/internal/store"
)

// Type distinguishes voice from video calls.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// State is the local call lifecycle. Transitions are monotonic within one
// session: Idle → Ringing → Connecting → Connected, then back to Idle on
// any terminal event. At most one non-idle session exists per client.
type State int

const (
	StateIdle State = iota
	StateRinging
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Direction of a history item relative to its owner.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// HistoryStatus is the terminal-converging status of one history copy.
type HistoryStatus string

const (
	StatusCalling  HistoryStatus = "calling"
	StatusMissed   HistoryStatus = "missed"
	StatusAnswered HistoryStatus = "answered"
	StatusDeclined HistoryStatus = "declined"
	StatusEnded    HistoryStatus = "ended"
)

// PartnerRef is the denormalized identity snapshot stored with records.
type PartnerRef struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

// Record is the signaling record for one call attempt. It lives at
// calls/{callee}/{id} only while the call is ringing or active; its
// removal is the authoritative call-ended signal for the peer. The caller
// creates it, the callee mutates it exactly once (adding the answer), and
// either party deletes it on termination.
type Record struct {
	ID        string                  `json:"id"`
	Type      Type                    `json:"type"`
	From      string                  `json:"from"`
	FromName  string                  `json:"fromName"`
	Offer     rtc.SessionDescription  `json:"offer"`
	Answer    *rtc.SessionDescription `json:"answer,omitempty"`
	CreatedAt int64                   `json:"createdAt"`
}

// HistoryItem is one participant's copy of a call-history entry. Each call
// produces two copies, written independently by the two sides; they
// converge eventually, not transactionally.
type HistoryItem struct {
	ID        string        `json:"id"`
	With      PartnerRef    `json:"with"`
	Type      Type          `json:"type"`
	Direction Direction     `json:"direction"`
	Status    HistoryStatus `json:"status"`
	Timestamp int64         `json:"timestamp"`
}

// IncomingCall is surfaced to the UI when a ringing record appears under
// the local user's calls path. A nil *IncomingCall on the subscription
// channel means the pending call went away (caller cancelled).
type IncomingCall struct {
	ID       string
	From     string
	FromName string
	Type     Type
	Offer    rtc.SessionDescription
}

// Event is one state-machine notification for the UI layer.
type Event struct {
	CallID   string
	State    State
	CallType Type
	Partner  PartnerRef
	// Reason is set when State is Idle: "ended", "remote-ended",
	// "rejected", "failed", "media-error" or "signaling-error".
	Reason string
}

// Transport is the slice of the negotiation primitive the state machine
// needs. rtc.PeerTransport satisfies it; tests substitute a fake.
type Transport interface {
	Media() *rtc.LocalMedia
	CreateOffer(ctx context.Context) (rtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (rtc.SessionDescription, error)
	SetRemoteDescription(sd rtc.SessionDescription) error
	AddCandidate(c rtc.Candidate) error
	OnCandidate(fn func(rtc.Candidate))
	OnTrack(fn func(rtc.Track))
	OnStateChange(fn func(rtc.ConnState))
	Close() error
}

// TransportFactory builds the transport (and acquires local media) for one
// call of the given type.
type TransportFactory func(t Type) (Transport, error)

// Recorder mirrors the local user's history writes into durable storage.
// Optional; a nil Recorder disables mirroring.
type Recorder interface {
	Record(item HistoryItem) error
	UpdateStatus(id string, status HistoryStatus) error
}

var (
	// ErrConcurrentCall rejects a second call while one is active. Local
	// only; nothing is written to the store.
	ErrConcurrentCall = errors.New("call: another call is already active")
	// ErrNoIncomingCall means Accept/Reject found nothing pending.
	ErrNoIncomingCall = errors.New("call: no incoming call pending")
	// ErrNoActiveCall means End found no session to end.
	ErrNoActiveCall = errors.New("call: no active call")
)

// MediaError wraps a device/permission failure during call setup. The
// setup is aborted; for an incoming call the pending record is actively
// rejected so the caller does not ring forever.
type MediaError struct {
	Err error
}

func (e *MediaError) Error() string { return fmt.Sprintf("call: media acquisition failed: %v", e.Err) }
func (e *MediaError) Unwrap() error { return e.Err }

// SignalingWriteError wraps a failed store write during call setup. All
// partial state is torn down before it is returned.
type SignalingWriteError struct {
	Path string
	Err  error
}

func (e *SignalingWriteError) Error() string {
	return fmt.Sprintf("call: signaling write %s: %v", e.Path, e.Err)
}
func (e *SignalingWriteError) Unwrap() error { return e.Err }

// Store path layout. Ownership: the caller writes the record and the
// caller candidate role, the callee writes the answer and the callee role,
// each side writes both history copies best-effort.
func recordPath(uid, callID string) string {
	return store.Join("calls", uid, callID)
}

func candidatesPath(callID string) string {
	return store.Join("candidates", callID)
}

func candidateRolePath(callID, role string) string {
	return store.Join("candidates", callID, role)
}

func historyPath(uid, callID string) string {
	return store.Join("callHistory", uid, callID)
}
