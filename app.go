// Package converse is the real-time communication client: presence,
// one-to-one calls with trickled candidate exchange, and chat with
// delivery receipts, all coordinated through a shared signaling store.
package converse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/converse-chat/converse/internal/call"
	"github.com/converse-chat/converse/internal/chat"
	"github.com/converse-chat/converse/internal/config"
	"github.com/converse-chat/converse/internal/history"
	"github.com/converse-chat/converse/internal/presence"
	"github.com/converse-chat/converse/internal/rtc"
	"github.com/converse-chat/converse/internal/store"
)

var log = logging.Logger("app")

// Profile is the user record at users/{uid}. Presence starts only once
// the profile is complete: a record with a display name.
type Profile struct {
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

// App owns the store connection and the per-concern managers. One App
// per logged-in user.
type App struct {
	cfg config.Config

	mu        sync.Mutex
	st        store.Client
	ownsStore bool
	calls     *call.Manager
	chats     *chat.Manager
	pres      *presence.Tracker
	hist      *history.DB
	cfgWatch  *config.Watcher
	gateStop  func()
	loggedIn  bool

	iceMu      sync.RWMutex
	iceServers []string
}

// New prepares an App from config. Nothing connects until Login.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: config: %w", err)
	}

	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("app: open history: %w", err)
	}

	a := &App{cfg: cfg, hist: hist}
	a.setICEServers(cfg.ICEServers)
	return a, nil
}

// Login dials the store and brings up calls, chat and presence. Presence
// waits for the profile gate: it starts only once users/{uid} carries a
// complete profile, and a profile wiped later stops it again.
func (a *App) Login(ctx context.Context) error {
	st, err := store.DialWS(ctx, a.cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("app: dial store: %w", err)
	}
	return a.loginWith(st, true)
}

// LoginWith runs the same bring-up against a caller-supplied store. The
// caller keeps ownership: Logout will not close it.
func (a *App) LoginWith(st store.Client) error {
	return a.loginWith(st, false)
}

func (a *App) loginWith(st store.Client, owns bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loggedIn {
		if owns {
			st.Close()
		}
		return errors.New("app: already logged in")
	}

	self := call.PartnerRef{UID: a.cfg.Identity.UID, Name: a.cfg.Identity.Name}
	a.st = st
	a.ownsStore = owns
	a.calls = call.NewManager(st, self, a.newTransport, a.hist)
	a.chats = chat.NewManager(st, self.UID, self.Name, typingDebounce(a.cfg))
	a.pres = presence.NewTracker(st, self.UID)
	a.gateStop = a.startProfileGate()
	a.loggedIn = true

	log.Infof("APP [%s]: logged in", self.UID)
	return nil
}

// startProfileGate watches users/{self} and flips presence on profile
// completeness transitions.
func (a *App) startProfileGate() func() {
	uid := a.cfg.Identity.UID
	pres := a.pres
	events, cancel := a.st.Watch(store.Join("users", uid))

	go func() {
		started := false
		for ev := range events {
			var p Profile
			if ev.Value != nil {
				if err := store.Decode(ev.Value, &p); err != nil {
					log.Debugf("APP [%s]: bad profile record: %v", uid, err)
					continue
				}
			}
			complete := p.Name != ""
			if complete && !started {
				started = true
				pres.Start()
			} else if !complete && started {
				started = false
				pres.Stop()
			}
		}
	}()
	return cancel
}

// Logout tears down in dependency order: any active call first, then the
// proactive presence offline write while the connection is still up, then
// the store itself.
func (a *App) Logout(ctx context.Context) error {
	a.mu.Lock()
	if !a.loggedIn {
		a.mu.Unlock()
		return nil
	}
	a.loggedIn = false
	calls, chats, pres, st := a.calls, a.chats, a.pres, a.st
	gateStop, owns := a.gateStop, a.ownsStore
	a.calls, a.chats, a.pres, a.st, a.gateStop = nil, nil, nil, nil, nil
	a.mu.Unlock()

	if err := calls.End(ctx); err != nil && !errors.Is(err, call.ErrNoActiveCall) {
		log.Warnf("APP: end call on logout: %v", err)
	}
	calls.Close()
	chats.Close()
	gateStop()
	pres.Stop()
	if owns {
		st.Close()
	}
	log.Infof("APP [%s]: logged out", a.cfg.Identity.UID)
	return nil
}

// Close releases everything, logging out first if needed.
func (a *App) Close() error {
	if err := a.Logout(context.Background()); err != nil {
		return err
	}
	a.mu.Lock()
	w := a.cfgWatch
	a.cfgWatch = nil
	a.mu.Unlock()
	if w != nil {
		w.Close()
	}
	return a.hist.Close()
}

// Calls returns the call manager. Nil before Login.
func (a *App) Calls() *call.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Chat returns the chat manager. Nil before Login.
func (a *App) Chat() *chat.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats
}

// Presence returns the presence tracker. Nil before Login.
func (a *App) Presence() *presence.Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pres
}

// History returns the local call-history mirror.
func (a *App) History() *history.DB {
	return a.hist
}

// PublishProfile writes the local profile record. Completing it opens
// the presence gate.
func (a *App) PublishProfile(ctx context.Context, p Profile) error {
	a.mu.Lock()
	st := a.st
	a.mu.Unlock()
	if st == nil {
		return errors.New("app: not logged in")
	}
	path := store.Join("users", a.cfg.Identity.UID)
	if err := st.Update(ctx, path, map[string]store.Value{
		"name":     p.Name,
		"username": p.Username,
	}); err != nil {
		return fmt.Errorf("app: publish profile: %w", err)
	}
	return nil
}

// WatchConfigFile attaches a live reloader to the config file. Only the
// ICE-server list takes effect at runtime; it applies to the next call.
func (a *App) WatchConfigFile(path string) error {
	w, err := config.NewWatcher(path, func(cfg config.Config) {
		a.setICEServers(cfg.ICEServers)
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	old := a.cfgWatch
	a.cfgWatch = w
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (a *App) setICEServers(servers []config.ICEServer) {
	urls := make([]string, 0, len(servers))
	for _, s := range servers {
		urls = append(urls, s.URLs...)
	}
	a.iceMu.Lock()
	a.iceServers = urls
	a.iceMu.Unlock()
}

// newTransport is the factory handed to the call manager. It snapshots
// the current ICE-server list per call.
func (a *App) newTransport(t call.Type) (call.Transport, error) {
	a.iceMu.RLock()
	ice := append([]string(nil), a.iceServers...)
	a.iceMu.RUnlock()

	return rtc.New(rtc.Options{
		Video:      t == call.TypeVideo,
		ICEServers: ice,
	})
}

func typingDebounce(cfg config.Config) time.Duration {
	return time.Duration(cfg.Chat.TypingDebounceMs) * time.Millisecond
}
