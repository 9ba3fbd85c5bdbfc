package call

import (
	"context"
	"sort"
	"sync"

	"github.com/converse-chat/converse/internal/rtc"
	"github.com/converse-chat/converse/internal/store"
)

const (
	roleCaller = "caller"
	roleCallee = "callee"
)

// relay trickles candidates for one call: locally discovered candidates
// are appended to candidates/{callId}/{role}, and the peer role's entries
// are drained into the transport as they arrive. Store subscriptions
// replay existing children, so drained entries are deduped by child id.
// Stop halts both directions before teardown removes the paths, so a late
// candidate never resurrects a removed path.
type relay struct {
	st        store.Client
	callID    string
	role      string
	peerRole  string
	transport Transport

	mu      sync.Mutex
	stopped bool
	seen    map[string]bool
	cancel  func()
}

func newRelay(st store.Client, callID, role string, t Transport) *relay {
	peer := roleCallee
	if role == roleCallee {
		peer = roleCaller
	}
	return &relay{
		st:        st,
		callID:    callID,
		role:      role,
		peerRole:  peer,
		transport: t,
		seen:      make(map[string]bool),
	}
}

// armForward registers the local-candidate handler on the transport.
// Must run before the offer or answer is created: candidate discovery
// starts with the local description, and a candidate that fires with no
// handler in place would be lost.
func (r *relay) armForward() {
	r.transport.OnCandidate(r.forward)
}

func (r *relay) start() {
	r.armForward()

	ch, cancel := r.st.Watch(candidateRolePath(r.callID, r.peerRole))
	r.mu.Lock()
	r.cancel = cancel
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		cancel()
		return
	}

	go func() {
		for ev := range ch {
			r.drain(ev.Value)
		}
	}()
}

// forward pushes one locally discovered candidate to this side's batch.
func (r *relay) forward(c rtc.Candidate) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	path := candidateRolePath(r.callID, r.role)
	if _, err := r.st.Push(context.Background(), path, c); err != nil {
		log.Warnf("CALL [%s]: forward candidate: %v", r.callID, err)
	}
}

// drain applies every not-yet-seen child of a candidate batch snapshot, in
// push order.
func (r *relay) drain(v store.Value) {
	children, ok := v.(map[string]store.Value)
	if !ok {
		return
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys) // push ids sort in append order

	for _, key := range keys {
		r.mu.Lock()
		if r.stopped || r.seen[key] {
			r.mu.Unlock()
			continue
		}
		r.seen[key] = true
		r.mu.Unlock()

		var c rtc.Candidate
		if err := store.Decode(children[key], &c); err != nil {
			log.Warnf("CALL [%s]: bad candidate %s: %v", r.callID, key, err)
			continue
		}
		if err := r.transport.AddCandidate(c); err != nil {
			log.Warnf("CALL [%s]: add candidate: %v", r.callID, err)
		}
	}
}

// stop halts forwarding and draining. Idempotent; safe before start.
func (r *relay) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	r.transport.OnCandidate(nil)
	if cancel != nil {
		cancel()
	}
}
