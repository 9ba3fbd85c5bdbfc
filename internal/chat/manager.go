// Package chat implements the message-delivery pipeline: sending with
// atomic unread counting, per-message status advancement driven by the
// recipient, hard deletion, reply snapshots and the debounced typing
// indicator.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/converse-chat/converse/internal/store"
)

var log = logging.Logger("chat")

// DefaultTypingDebounce is the quiet period after the last keystroke
// before the typing flag clears.
const DefaultTypingDebounce = 2 * time.Second

// ErrEmptyMessage rejects sends with no visible content.
var ErrEmptyMessage = errors.New("chat: empty message")

// ErrConversationClosed rejects writes through a closed conversation view.
var ErrConversationClosed = errors.New("chat: conversation closed")

// Manager opens conversations for the local user.
type Manager struct {
	st       store.Client
	selfUID  string
	selfName string
	debounce time.Duration

	mu         sync.Mutex
	convs      map[*Conversation]struct{}
	connCancel func()
}

// NewManager creates a chat manager. debounce <= 0 selects the default.
func NewManager(st store.Client, selfUID, selfName string, debounce time.Duration) *Manager {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	m := &Manager{
		st:       st,
		selfUID:  selfUID,
		selfName: selfName,
		debounce: debounce,
		convs:    make(map[*Conversation]struct{}),
	}

	// A dropped connection fires the server-side typing removes and wipes
	// the registrations, so the client-side bookkeeping must be dropped
	// with it or the next raise would be skipped as already-set.
	ch, cancel := st.Connectivity()
	m.connCancel = cancel
	go func() {
		for connected := range ch {
			if connected {
				continue
			}
			m.dropTypingState()
		}
	}()
	return m
}

// Close stops the connectivity watch and closes every open conversation.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.connCancel
	m.connCancel = nil
	convs := make([]*Conversation, 0, len(m.convs))
	for c := range m.convs {
		convs = append(convs, c)
	}
	m.convs = make(map[*Conversation]struct{})
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range convs {
		c.Close()
	}
}

// dropTypingState invalidates every conversation's typing bookkeeping
// after a connection drop. Both the flag cache and the cleanup latch
// restart from zero: the server already removed the flag and cleared the
// registration.
func (m *Manager) dropTypingState() {
	m.mu.Lock()
	convs := make([]*Conversation, 0, len(m.convs))
	for c := range m.convs {
		convs = append(convs, c)
	}
	m.mu.Unlock()

	for _, c := range convs {
		c.mu.Lock()
		c.typingSet = false
		c.typingCleanup = false
		if c.typingTimer != nil {
			c.typingTimer.Stop()
			c.typingTimer = nil
		}
		c.mu.Unlock()
	}
}

func (m *Manager) forget(c *Conversation) {
	m.mu.Lock()
	delete(m.convs, c)
	m.mu.Unlock()
}

// Open starts watching the one-to-one conversation with peerUID and
// clears the local unread counter for that peer.
func (m *Manager) Open(peerUID string) *Conversation {
	c := m.newConversation(ConversationID(m.selfUID, peerUID), peerUID)
	log.Infof("CHAT [%s]: opened with %s", c.id, peerUID)
	return c
}

// OpenGroup starts watching a group conversation. Groups carry no unread
// counter and no per-peer typing target; the group id is the conversation
// id.
func (m *Manager) OpenGroup(groupID string) *Conversation {
	c := m.newConversation(groupID, "")
	log.Infof("CHAT [%s]: opened group", c.id)
	return c
}

func (m *Manager) newConversation(convID, peerUID string) *Conversation {
	c := &Conversation{
		m:           m,
		id:          convID,
		peer:        peerUID,
		listeners:   make(map[chan []Message]struct{}),
		statusCache: make(map[string]Status),
	}

	m.mu.Lock()
	m.convs[c] = struct{}{}
	m.mu.Unlock()

	if peerUID != "" {
		c.clearUnread()
	}

	ch, cancel := m.st.Watch(store.Join("messages", convID))
	c.cancel = cancel
	go func() {
		for ev := range ch {
			c.apply(ev.Value)
		}
	}()
	return c
}

// newTypingTimer arms the debounce clear for a conversation's typing
// flag. The callback re-checks the flag under the lock: a send or a
// fresh keystroke in the window wins over the timer.
func (m *Manager) newTypingTimer(c *Conversation) *time.Timer {
	return time.AfterFunc(m.debounce, func() {
		c.mu.Lock()
		if !c.typingSet {
			c.mu.Unlock()
			return
		}
		c.typingSet = false
		c.typingTimer = nil
		c.mu.Unlock()

		if err := m.st.Remove(context.Background(), c.typingPath()); err != nil {
			log.Debugf("CHAT [%s]: typing debounce clear: %v", c.id, err)
		}
	})
}
