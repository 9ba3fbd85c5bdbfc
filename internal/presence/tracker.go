// Package presence publishes the local user's connectivity state to the
// shared store and watches other users' state for display. Correctness on
// ungraceful termination comes from the store's server-side on-disconnect
// cleanup, not from client code running at disconnect time.
package presence

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/converse-chat/converse/internal/store"
)

var log = logging.Logger("presence")

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Info is another user's presence as read from users/{uid}.
type Info struct {
	OnlineStatus string `json:"onlineStatus"`
	LastSeen     int64  `json:"lastSeen,omitempty"`
}

// Tracker owns users/{self}/onlineStatus and users/{self}/lastSeen. Only
// the user a presence record describes ever writes it.
type Tracker struct {
	st  store.Client
	uid string

	mu      sync.Mutex
	cancel  func()
	started bool
}

// NewTracker creates a tracker for uid. Nothing is written until Start.
func NewTracker(st store.Client, uid string) *Tracker {
	return &Tracker{st: st, uid: uid}
}

// Start begins publishing presence. On every transition to connected it
// writes online and re-arms the on-disconnect action: a dropped
// connection clears prior registrations server-side, so each reconnect
// must register again. Presence writes are best-effort: the next
// reconnect recomputes everything.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ch, cancel := t.st.Connectivity()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		for connected := range ch {
			if !connected {
				continue
			}
			t.announce()
		}
	}()
	log.Infof("PRESENCE: tracking %s", t.uid)
}

func (t *Tracker) announce() {
	ctx := context.Background()
	path := t.userPath()

	if err := t.st.Update(ctx, path, map[string]store.Value{
		"onlineStatus": StatusOnline,
	}); err != nil {
		log.Warnf("PRESENCE: online write failed: %v", err)
	}

	// lastSeen is a placeholder the store resolves when the drop actually
	// happens; stamping it here would freeze the registration time.
	err := t.st.OnDisconnect(ctx, store.DisconnectOp{
		Path: path,
		Update: map[string]store.Value{
			"onlineStatus": StatusOffline,
			"lastSeen":     store.ServerTimestamp,
		},
	})
	if err != nil {
		log.Warnf("PRESENCE: on-disconnect registration failed: %v", err)
	}
}

// Stop proactively writes offline and stops re-arming. Used on manual
// logout, where the transport may stay open and the on-disconnect action
// alone would never fire.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.started = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	ctx := context.Background()
	if err := t.st.CancelDisconnect(ctx, t.userPath()); err != nil {
		log.Debugf("PRESENCE: cancel on-disconnect: %v", err)
	}
	if err := t.st.Update(ctx, t.userPath(), map[string]store.Value{
		"onlineStatus": StatusOffline,
		"lastSeen":     t.st.ServerNow(),
	}); err != nil {
		log.Warnf("PRESENCE: offline write failed: %v", err)
	}
	log.Infof("PRESENCE: stopped for %s", t.uid)
}

// WatchUser subscribes to another user's presence. The channel delivers
// the current state first, then every change.
func (t *Tracker) WatchUser(uid string) (<-chan Info, func()) {
	events, cancel := t.st.Watch(store.Join("users", uid))
	out := make(chan Info, 8)

	go func() {
		defer close(out)
		for ev := range events {
			var info Info
			if ev.Value != nil {
				if err := store.Decode(ev.Value, &info); err != nil {
					log.Debugf("PRESENCE: bad user record %s: %v", uid, err)
					continue
				}
			}
			if info.OnlineStatus == "" {
				info.OnlineStatus = StatusOffline
			}
			select {
			case out <- info:
			default:
			}
		}
	}()
	return out, cancel
}

func (t *Tracker) userPath() string {
	return store.Join("users", t.uid)
}
