// Package call implements the call-signaling state machine: it
// establishes a direct audio/video session between two peers by exchanging
// an offer/answer pair and trickled candidates through the shared
// signaling store, tracks the call lifecycle, and reconciles the two
// independently written call-history copies.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/converse-chat/converse/internal/rtc"
	"github.com/converse-chat/converse/internal/store"
)

var log = logging.Logger("call")

// Manager owns the (at most one) active call session and the incoming-call
// watch for the local user.
type Manager struct {
	st           store.Client
	newTransport TransportFactory
	self         PartnerRef
	rec          Recorder

	mu             sync.Mutex
	cur            *session
	starting       bool
	incoming       *IncomingCall
	seen           map[string]bool
	lastCalls      store.Value // latest calls/{self} snapshot
	incomingCancel func()
	closed         bool

	lisMu        sync.RWMutex
	evListeners  map[chan Event]struct{}
	incListeners map[chan *IncomingCall]struct{}
	onTrack      func(rtc.Track)
}

// NewManager creates a call manager for self and starts watching
// calls/{self} for incoming call records. rec may be nil.
func NewManager(st store.Client, self PartnerRef, factory TransportFactory, rec Recorder) *Manager {
	m := &Manager{
		st:           st,
		newTransport: factory,
		self:         self,
		rec:          rec,
		seen:         make(map[string]bool),
		evListeners:  make(map[chan Event]struct{}),
		incListeners: make(map[chan *IncomingCall]struct{}),
	}

	ch, cancel := st.Watch(store.Join("calls", self.UID))
	m.incomingCancel = cancel
	go func() {
		for ev := range ch {
			m.scanIncoming(ev.Value)
		}
	}()

	return m
}

// Start places an outgoing call. It acquires local media, creates the
// offer, publishes the call record under the callee and begins ringing.
// Any store-write failure tears the partial state down: no orphaned
// record, no dangling media.
func (m *Manager) Start(ctx context.Context, partner PartnerRef, typ Type) (string, error) {
	m.mu.Lock()
	if m.cur != nil || m.starting {
		m.mu.Unlock()
		return "", ErrConcurrentCall
	}
	m.starting = true
	m.mu.Unlock()

	t, err := m.newTransport(typ)
	if err != nil {
		m.clearStarting()
		if errors.Is(err, rtc.ErrMediaUnavailable) {
			return "", &MediaError{Err: err}
		}
		return "", fmt.Errorf("call: create transport: %w", err)
	}

	callID := uuid.NewString()
	rel := newRelay(m.st, callID, roleCaller, t)
	// Forwarding is armed before the offer exists: candidates discovered
	// during negotiation must reach the store, not evaporate.
	rel.armForward()

	abort := func() {
		rel.stop()
		t.Close()
		_ = m.st.Remove(context.Background(), candidatesPath(callID))
		m.clearStarting()
	}

	offer, err := t.CreateOffer(ctx)
	if err != nil {
		abort()
		return "", fmt.Errorf("call: create offer: %w", err)
	}

	recPath := recordPath(partner.UID, callID)
	record := Record{
		ID:        callID,
		Type:      typ,
		From:      m.self.UID,
		FromName:  m.self.Name,
		Offer:     offer,
		CreatedAt: m.st.ServerNow(),
	}
	if err := m.st.Set(ctx, recPath, record); err != nil {
		abort()
		return "", &SignalingWriteError{Path: recPath, Err: err}
	}
	if err := m.writeInitialHistory(ctx, partner, typ, callID); err != nil {
		_ = m.st.Remove(context.Background(), recPath)
		abort()
		return "", err
	}

	s := &session{
		id:        callID,
		partner:   partner,
		typ:       typ,
		role:      roleCaller,
		state:     StateRinging,
		transport: t,
		relay:     rel,
	}

	m.mu.Lock()
	m.starting = false
	m.cur = s
	m.mu.Unlock()

	t.OnStateChange(func(cs rtc.ConnState) { m.handleConnState(s, cs) })
	t.OnTrack(func(tr rtc.Track) { m.emitTrack(tr) })
	s.relay.start()
	m.watchRecord(s, recPath)

	m.emit(Event{CallID: callID, State: StateRinging, CallType: typ, Partner: partner})
	log.Infof("CALL [%s]: ringing %s (%s)", callID, partner.UID, typ)
	return callID, nil
}

// Accept answers the pending incoming call. If media acquisition fails the
// call is actively rejected, never silently dropped, so the caller's
// ring ends. The callee does not observe its own answer: it transitions
// straight to Connected.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.cur != nil || m.starting {
		m.mu.Unlock()
		return ErrConcurrentCall
	}
	inc := m.incoming
	if inc == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.starting = true
	m.mu.Unlock()

	fail := func(err error) error {
		m.clearStarting()
		if rerr := m.rejectPending(ctx, inc); rerr != nil {
			log.Warnf("CALL [%s]: reject after failed accept: %v", inc.ID, rerr)
		}
		return err
	}

	t, err := m.newTransport(inc.Type)
	if err != nil {
		if errors.Is(err, rtc.ErrMediaUnavailable) {
			return fail(&MediaError{Err: err})
		}
		return fail(fmt.Errorf("call: create transport: %w", err))
	}

	rel := newRelay(m.st, inc.ID, roleCallee, t)
	// Armed before negotiation, same as the caller side: gathering starts
	// as soon as the answer becomes the local description.
	rel.armForward()

	abort := func() {
		rel.stop()
		t.Close()
		_ = m.st.Remove(context.Background(), candidateRolePath(inc.ID, roleCallee))
	}

	if err := t.SetRemoteDescription(inc.Offer); err != nil {
		abort()
		return fail(fmt.Errorf("call: apply offer: %w", err))
	}
	answer, err := t.CreateAnswer(ctx)
	if err != nil {
		abort()
		return fail(fmt.Errorf("call: create answer: %w", err))
	}

	recPath := recordPath(m.self.UID, inc.ID)
	answerPath := store.Join(recPath, "answer")
	if err := m.st.Set(ctx, answerPath, answer); err != nil {
		abort()
		return fail(&SignalingWriteError{Path: answerPath, Err: err})
	}

	partner := PartnerRef{UID: inc.From, Name: inc.FromName}
	s := &session{
		id:        inc.ID,
		partner:   partner,
		typ:       inc.Type,
		role:      roleCallee,
		state:     StateConnected,
		answered:  true,
		transport: t,
		relay:     rel,
	}

	m.mu.Lock()
	m.starting = false
	m.incoming = nil
	m.cur = s
	m.mu.Unlock()

	t.OnStateChange(func(cs rtc.ConnState) { m.handleConnState(s, cs) })
	t.OnTrack(func(tr rtc.Track) { m.emitTrack(tr) })
	s.relay.start()
	// Our own record vanishing means the caller hung up.
	m.watchRecord(s, recPath)

	if m.rec != nil {
		item := HistoryItem{
			ID:        inc.ID,
			With:      partner,
			Type:      inc.Type,
			Direction: DirectionIncoming,
			Status:    StatusAnswered,
			Timestamp: m.st.ServerNow(),
		}
		if err := m.rec.Record(item); err != nil {
			log.Warnf("CALL [%s]: history mirror: %v", inc.ID, err)
		}
	}
	m.setBothHistories(ctx, s, StatusAnswered)

	m.notifyIncoming(nil)
	m.emit(Event{CallID: inc.ID, State: StateConnected, CallType: inc.Type, Partner: partner})
	log.Infof("CALL [%s]: accepted from %s (%s)", inc.ID, inc.From, inc.Type)
	return nil
}

// Reject declines the pending incoming call. Idempotent; rejecting when
// nothing is pending is a no-op.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	inc := m.incoming
	m.mu.Unlock()
	if inc == nil {
		return nil
	}
	return m.rejectPending(ctx, inc)
}

// rejectPending removes the callee-side record (ending the caller's ring)
// and settles both history copies to declined.
func (m *Manager) rejectPending(ctx context.Context, inc *IncomingCall) error {
	m.mu.Lock()
	if m.incoming == inc {
		m.incoming = nil
	}
	m.mu.Unlock()

	recPath := recordPath(m.self.UID, inc.ID)
	if err := m.st.Remove(ctx, recPath); err != nil {
		return &SignalingWriteError{Path: recPath, Err: err}
	}
	patch := map[string]store.Value{"status": string(StatusDeclined)}
	if err := m.st.Update(ctx, historyPath(inc.From, inc.ID), patch); err != nil {
		log.Debugf("CALL [%s]: caller history: %v", inc.ID, err)
	}
	if err := m.st.Update(ctx, historyPath(m.self.UID, inc.ID), patch); err != nil {
		log.Debugf("CALL [%s]: own history: %v", inc.ID, err)
	}
	if m.rec != nil {
		item := HistoryItem{
			ID:        inc.ID,
			With:      PartnerRef{UID: inc.From, Name: inc.FromName},
			Type:      inc.Type,
			Direction: DirectionIncoming,
			Status:    StatusDeclined,
			Timestamp: m.st.ServerNow(),
		}
		if err := m.rec.Record(item); err != nil {
			log.Warnf("CALL [%s]: history mirror: %v", inc.ID, err)
		}
	}

	m.notifyIncoming(nil)
	m.rescanIncoming()
	log.Infof("CALL [%s]: rejected", inc.ID)
	return nil
}

// End hangs up the active call: history settles to ended, both call
// records and the candidate batch are removed, media stops and every
// subscription is cancelled before the state resets to Idle.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return ErrNoActiveCall
	}
	m.teardown(s, "ended")
	return nil
}

// ToggleMute flips the microphone of the active call. Returns the new
// muted state; no-op (false) without an active call.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return false
	}
	media := s.transport.Media()
	muted := media.SetAudioEnabled(!media.AudioEnabled())
	log.Debugf("CALL [%s]: muted=%v", s.id, muted)
	return muted
}

// ToggleVideo flips the camera of the active call. Returns the new
// disabled state; no-op (false) without an active call.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return false
	}
	media := s.transport.Media()
	disabled := media.SetVideoEnabled(!media.VideoEnabled())
	log.Debugf("CALL [%s]: video disabled=%v", s.id, disabled)
	return disabled
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return StateIdle
	}
	return m.cur.state
}

// Active returns the partner and type of the active call, if any.
func (m *Manager) Active() (PartnerRef, Type, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return PartnerRef{}, "", false
	}
	return m.cur.partner, m.cur.typ, true
}

// Pending returns the pending incoming call, if any.
func (m *Manager) Pending() *IncomingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incoming
}

// Subscribe returns a channel of state-machine events.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	m.lisMu.Lock()
	m.evListeners[ch] = struct{}{}
	m.lisMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.lisMu.Lock()
			delete(m.evListeners, ch)
			close(ch)
			m.lisMu.Unlock()
		})
	}
	return ch, cancel
}

// SubscribeIncoming returns a channel of incoming-call notifications. A
// nil value means the pending call was withdrawn or consumed.
func (m *Manager) SubscribeIncoming() (chan *IncomingCall, func()) {
	ch := make(chan *IncomingCall, 16)
	m.lisMu.Lock()
	m.incListeners[ch] = struct{}{}
	m.lisMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.lisMu.Lock()
			delete(m.incListeners, ch)
			close(ch)
			m.lisMu.Unlock()
		})
	}
	return ch, cancel
}

// OnRemoteTrack registers the handler for remote media tracks.
func (m *Manager) OnRemoteTrack(fn func(rtc.Track)) {
	m.lisMu.Lock()
	m.onTrack = fn
	m.lisMu.Unlock()
}

// Close ends any active call and stops the incoming watch.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	s := m.cur
	cancel := m.incomingCancel
	m.mu.Unlock()

	if s != nil {
		m.teardown(s, "ended")
	}
	if cancel != nil {
		cancel()
	}

	m.lisMu.Lock()
	for ch := range m.evListeners {
		close(ch)
	}
	m.evListeners = map[chan Event]struct{}{}
	for ch := range m.incListeners {
		close(ch)
	}
	m.incListeners = map[chan *IncomingCall]struct{}{}
	m.lisMu.Unlock()
}

// scanIncoming processes each snapshot of calls/{self}: new ringing
// records become incoming-call notifications, and the disappearance of
// the pending record means the caller cancelled. Snapshots replay, so
// records are deduped by id. A record that rings while we are busy is
// left unmarked so it resurfaces on the rescan after the line frees up.
func (m *Manager) scanIncoming(v store.Value) {
	records, _ := v.(map[string]store.Value)

	var notifyGone bool
	var fresh *IncomingCall

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.lastCalls = v
	if m.incoming != nil {
		if _, ok := records[m.incoming.ID]; !ok {
			log.Infof("CALL [%s]: caller cancelled", m.incoming.ID)
			m.incoming = nil
			notifyGone = true
		}
	}
	for id, rv := range records {
		if m.seen[id] {
			continue
		}

		var rec Record
		if err := store.Decode(rv, &rec); err != nil {
			m.seen[id] = true
			log.Warnf("CALL: bad record %s: %v", id, err)
			continue
		}
		if rec.From == m.self.UID || rec.Answer != nil {
			m.seen[id] = true
			continue
		}
		if m.cur != nil || m.starting || m.incoming != nil {
			continue // busy; stays unseen so it can surface later
		}
		m.seen[id] = true
		m.incoming = &IncomingCall{
			ID:       id,
			From:     rec.From,
			FromName: rec.FromName,
			Type:     rec.Type,
			Offer:    rec.Offer,
		}
		fresh = m.incoming
	}
	// Forget ids that left the tree so a re-created id is not ignored.
	for id := range m.seen {
		if _, ok := records[id]; !ok {
			delete(m.seen, id)
		}
	}
	m.mu.Unlock()

	if notifyGone {
		m.notifyIncoming(nil)
	}
	if fresh != nil {
		log.Infof("CALL [%s]: incoming %s call from %s", fresh.ID, fresh.Type, fresh.From)
		m.notifyIncoming(fresh)
	}
}

// rescanIncoming re-runs the incoming scan on the last calls snapshot.
// Called when a session or pending call goes away: a caller who rang
// while the line was busy is still in that snapshot, still ringing.
func (m *Manager) rescanIncoming() {
	m.mu.Lock()
	last := m.lastCalls
	m.mu.Unlock()
	if last != nil {
		m.scanIncoming(last)
	}
}

func (m *Manager) clearStarting() {
	m.mu.Lock()
	m.starting = false
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.lisMu.RLock()
	defer m.lisMu.RUnlock()
	for ch := range m.evListeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) notifyIncoming(inc *IncomingCall) {
	m.lisMu.RLock()
	defer m.lisMu.RUnlock()
	for ch := range m.incListeners {
		select {
		case ch <- inc:
		default:
		}
	}
}

func (m *Manager) emitTrack(tr rtc.Track) {
	m.lisMu.RLock()
	fn := m.onTrack
	m.lisMu.RUnlock()
	if fn != nil {
		fn(tr)
	}
}
