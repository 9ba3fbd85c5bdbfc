package call

import (
	"context"

	"github.com/converse-chat/converse/internal/rtc"
	"github.com/converse-chat/converse/internal/store"
)

// session is the single ActiveCallSession: it owns the transport (and
// through it the local media), the candidate relay and every store watch
// registered for this call. It exists only in-memory and only while the
// manager's cur pointer references it; every asynchronous callback
// re-checks that reference before acting, so a late result can never
// resurrect a torn-down call.
type session struct {
	id       string
	partner  PartnerRef
	typ      Type
	role     string
	state    State
	answered bool

	transport Transport
	relay     *relay
	cancels   []func()
}

// watchRecord subscribes to a call-record path and routes its events
// through the freshness-guarded handler. The cancel func joins the
// session's teardown set.
func (m *Manager) watchRecord(s *session, path string) {
	ch, cancel := m.st.Watch(path)

	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		cancel()
		return
	}
	s.cancels = append(s.cancels, cancel)
	m.mu.Unlock()

	go func() {
		for ev := range ch {
			m.handleRecord(s, ev.Value)
		}
	}()
}

// handleRecord reacts to the call record changing. For the caller an
// answer appearing moves the call forward; for either side the record
// vanishing is the authoritative "ended by the other party" signal.
func (m *Manager) handleRecord(s *session, v store.Value) {
	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		return
	}

	if v == nil {
		m.mu.Unlock()
		log.Infof("CALL [%s]: record removed by peer", s.id)
		m.teardown(s, "remote-ended")
		return
	}

	if s.role != roleCaller || s.state >= StateConnecting {
		m.mu.Unlock()
		return
	}

	var rec Record
	if err := store.Decode(v, &rec); err != nil || rec.Answer == nil {
		m.mu.Unlock()
		return
	}

	s.state = StateConnecting
	s.answered = true
	answer := *rec.Answer
	m.mu.Unlock()

	if err := s.transport.SetRemoteDescription(answer); err != nil {
		log.Warnf("CALL [%s]: apply answer: %v", s.id, err)
		m.teardown(s, "failed")
		return
	}

	m.setBothHistories(context.Background(), s, StatusAnswered)
	m.emit(Event{CallID: s.id, State: StateConnecting, CallType: s.typ, Partner: s.partner})
	log.Infof("CALL [%s]: answered by %s", s.id, s.partner.UID)
}

// handleConnState maps transport-level state to the call lifecycle.
func (m *Manager) handleConnState(s *session, cs rtc.ConnState) {
	switch cs {
	case rtc.StateConnected:
		m.mu.Lock()
		if m.cur != s || s.state >= StateConnected {
			m.mu.Unlock()
			return
		}
		s.state = StateConnected
		m.mu.Unlock()
		m.emit(Event{CallID: s.id, State: StateConnected, CallType: s.typ, Partner: s.partner})
		log.Infof("CALL [%s]: media connected", s.id)
	case rtc.StateFailed:
		log.Warnf("CALL [%s]: transport failed", s.id)
		m.teardown(s, "failed")
	}
}

// teardown is the single exit path for a session: it detaches the session
// from the manager, synchronously stops the relay and every watch, closes
// the transport (stopping local media), settles history, removes the
// call's store entries and emits the Idle event. Idempotent; the first
// caller wins; later invocations see a detached session and return.
func (m *Manager) teardown(s *session, reason string) {
	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	cancels := s.cancels
	s.cancels = nil
	m.mu.Unlock()

	// Stop relaying before any path is removed.
	s.relay.stop()
	for _, cancel := range cancels {
		cancel()
	}
	s.transport.Close()

	ctx := context.Background()
	if reason == "ended" || (reason == "failed" && s.answered) {
		m.setBothHistories(ctx, s, StatusEnded)
	}

	// Best-effort cleanup; the peer's own teardown covers what we miss.
	if err := m.st.Remove(ctx, recordPath(m.self.UID, s.id)); err != nil {
		log.Debugf("CALL [%s]: remove own record: %v", s.id, err)
	}
	if err := m.st.Remove(ctx, recordPath(s.partner.UID, s.id)); err != nil {
		log.Debugf("CALL [%s]: remove peer record: %v", s.id, err)
	}
	if err := m.st.Remove(ctx, candidatesPath(s.id)); err != nil {
		log.Debugf("CALL [%s]: remove candidates: %v", s.id, err)
	}

	m.emit(Event{CallID: s.id, State: StateIdle, CallType: s.typ, Partner: s.partner, Reason: reason})
	log.Infof("CALL [%s]: torn down (%s)", s.id, reason)

	// The line is free again; surface any call that rang while it was not.
	m.rescanIncoming()
}

// writeInitialHistory creates both history copies for an outgoing call:
// "calling" under the caller, a pending "missed" under the callee. The
// callee copy flips to answered/declined only if the call progresses.
func (m *Manager) writeInitialHistory(ctx context.Context, partner PartnerRef, typ Type, callID string) error {
	now := m.st.ServerNow()
	mine := HistoryItem{
		ID:        callID,
		With:      partner,
		Type:      typ,
		Direction: DirectionOutgoing,
		Status:    StatusCalling,
		Timestamp: now,
	}
	theirs := HistoryItem{
		ID:        callID,
		With:      m.self,
		Type:      typ,
		Direction: DirectionIncoming,
		Status:    StatusMissed,
		Timestamp: now,
	}

	minePath := historyPath(m.self.UID, callID)
	if err := m.st.Set(ctx, minePath, mine); err != nil {
		return &SignalingWriteError{Path: minePath, Err: err}
	}
	theirsPath := historyPath(partner.UID, callID)
	if err := m.st.Set(ctx, theirsPath, theirs); err != nil {
		return &SignalingWriteError{Path: theirsPath, Err: err}
	}

	if m.rec != nil {
		if err := m.rec.Record(mine); err != nil {
			log.Warnf("CALL [%s]: history mirror: %v", callID, err)
		}
	}
	return nil
}

// setBothHistories advances both copies of a call's history. Each side
// writes independently and best-effort; the copies converge eventually
// rather than transactionally.
func (m *Manager) setBothHistories(ctx context.Context, s *session, status HistoryStatus) {
	patch := map[string]store.Value{"status": string(status)}
	if err := m.st.Update(ctx, historyPath(m.self.UID, s.id), patch); err != nil {
		log.Debugf("CALL [%s]: own history: %v", s.id, err)
	}
	if err := m.st.Update(ctx, historyPath(s.partner.UID, s.id), patch); err != nil {
		log.Debugf("CALL [%s]: peer history: %v", s.id, err)
	}
	if m.rec != nil {
		if err := m.rec.UpdateStatus(s.id, status); err != nil {
			log.Warnf("CALL [%s]: history mirror: %v", s.id, err)
		}
	}
}
