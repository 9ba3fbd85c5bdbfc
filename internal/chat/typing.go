package chat

import (
	"context"

	"github.com/converse-chat/converse/internal/store"
)

// Typing raises the local typing flag for this conversation and arms the
// debounce timer; each call while typing continues pushes the clear out
// again. The first raise also registers a server-side on-disconnect
// remove, so a crashed client never leaves a stuck indicator.
func (c *Conversation) Typing() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasSet := c.typingSet
	needCleanup := !c.typingCleanup
	c.typingSet = true
	c.typingCleanup = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = c.m.newTypingTimer(c)
	c.mu.Unlock()

	ctx := context.Background()
	path := c.typingPath()
	if !wasSet {
		if err := c.m.st.Set(ctx, path, true); err != nil {
			log.Debugf("CHAT [%s]: typing set: %v", c.id, err)
		}
	}
	if needCleanup {
		err := c.m.st.OnDisconnect(ctx, store.DisconnectOp{Path: path, Remove: true})
		if err != nil {
			log.Debugf("CHAT [%s]: typing on-disconnect: %v", c.id, err)
		}
	}
}

// clearTypingNow drops the flag immediately, flushing any pending
// debounce. Called on send and on close.
func (c *Conversation) clearTypingNow() {
	c.mu.Lock()
	if !c.typingSet {
		c.mu.Unlock()
		return
	}
	c.typingSet = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	if err := c.m.st.Remove(context.Background(), c.typingPath()); err != nil {
		log.Debugf("CHAT [%s]: typing clear: %v", c.id, err)
	}
}

// WatchTyping reports whether the peer is currently typing in this
// conversation. The channel delivers the current state first.
func (c *Conversation) WatchTyping() (<-chan bool, func()) {
	events, cancel := c.m.st.Watch(store.Join("typing", c.id, c.peer))
	out := make(chan bool, 8)

	go func() {
		defer close(out)
		for ev := range events {
			on, _ := ev.Value.(bool)
			select {
			case out <- on:
			default:
			}
		}
	}()
	return out, cancel
}

func (c *Conversation) typingPath() string {
	return store.Join("typing", c.id, c.m.selfUID)
}
