package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/converse-chat/converse/internal/store"
)

// Conversation is one open chat view. It owns the message watch, the
// status-advancement writes for received messages and the local typing
// flag. Close cancels everything synchronously so no late snapshot can
// mutate a closed view.
type Conversation struct {
	m    *Manager
	id   string
	peer string // empty for group chats

	mu        sync.Mutex
	active    bool
	closed    bool
	cancel    func()
	last      []Message
	listeners map[chan []Message]struct{}

	// statusCache records the highest status already written (or
	// observed) per message, keeping advancement idempotent under the
	// store's at-least-once replay and preventing any regression.
	statusCache map[string]Status

	typingTimer   *time.Timer
	typingSet     bool
	typingCleanup bool
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Send writes a new message with status sent. For one-to-one chats the
// recipient's unread counter is incremented atomically; two concurrent
// senders both land their increment. A pending typing clear fires
// immediately. A failed send surfaces on this message only; later sends
// are unaffected.
func (c *Conversation) Send(ctx context.Context, text string, replyTo *Message) (string, error) {
	if len(text) == 0 {
		return "", ErrEmptyMessage
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrConversationClosed
	}
	c.mu.Unlock()

	to := c.peer
	if to == "" {
		to = c.id
	}
	msg := Message{
		From:     c.m.selfUID,
		FromName: c.m.selfName,
		To:       to,
		Text:     text,
		TS:       c.m.st.ServerNow(),
		Status:   StatusSent,
	}
	if replyTo != nil {
		msg.ReplyTo = snapshotRef(replyTo)
	}

	c.clearTypingNow()

	id, err := c.m.st.Push(ctx, store.Join("messages", c.id), msg)
	if err != nil {
		return "", fmt.Errorf("chat: send: %w", err)
	}

	if c.peer != "" {
		unread := store.Join("unread", c.peer, c.m.selfUID)
		if _, err := c.m.st.Increment(ctx, unread, 1); err != nil {
			log.Warnf("CHAT [%s]: unread increment: %v", c.id, err)
		}
	}

	log.Debugf("CHAT [%s]: sent %s", c.id, id)
	return id, nil
}

// Delete removes a message outright. No tombstone; reply snapshots
// pointing at it keep their stale copy.
func (c *Conversation) Delete(ctx context.Context, msgID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	c.mu.Unlock()

	path := store.Join("messages", c.id, msgID)
	if err := c.m.st.Remove(ctx, path); err != nil {
		return fmt.Errorf("chat: delete %s: %w", msgID, err)
	}
	return nil
}

// MarkActive flags whether this conversation is the open view. While
// active, received messages advance all the way to read and the unread
// counter stays cleared.
func (c *Conversation) MarkActive(active bool) {
	c.mu.Lock()
	if c.closed || c.active == active {
		c.mu.Unlock()
		return
	}
	c.active = active
	last := append([]Message(nil), c.last...)
	c.mu.Unlock()

	if active {
		if c.peer != "" {
			c.clearUnread()
		}
		// Re-run advancement: messages already delivered become read.
		c.advance(last)
	}
}

// Messages returns the latest ordered snapshot.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.last...)
}

// Subscribe returns a channel receiving the full ordered message list
// after every change.
func (c *Conversation) Subscribe() (chan []Message, func()) {
	ch := make(chan []Message, 16)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, ch)
			close(ch)
			c.mu.Unlock()
		})
	}
	return ch, cancel
}

// Close stops the watch, clears a live typing flag and drops all
// listeners. Synchronous: once Close returns no callback fires.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	listeners := c.listeners
	c.listeners = map[chan []Message]struct{}{}
	c.mu.Unlock()

	c.m.forget(c)
	if cancel != nil {
		cancel()
	}
	c.clearTypingNow()
	for ch := range listeners {
		close(ch)
	}
	log.Debugf("CHAT [%s]: closed", c.id)
}

// apply ingests one snapshot of messages/{conv}: decode, order, advance
// received statuses, publish.
func (c *Conversation) apply(v store.Value) {
	children, _ := v.(map[string]store.Value)

	msgs := make([]Message, 0, len(children))
	for id, mv := range children {
		var msg Message
		if err := store.Decode(mv, &msg); err != nil {
			log.Warnf("CHAT [%s]: bad message %s: %v", c.id, id, err)
			continue
		}
		msg.ID = id
		msgs = append(msgs, msg)
	}
	sortMessages(msgs)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.last = msgs
	// Forget deleted messages so the cache cannot grow unbounded.
	if len(c.statusCache) > len(msgs) {
		present := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			present[m.ID] = true
		}
		for id := range c.statusCache {
			if !present[id] {
				delete(c.statusCache, id)
			}
		}
	}
	listeners := make([]chan []Message, 0, len(c.listeners))
	for ch := range c.listeners {
		listeners = append(listeners, ch)
	}
	c.mu.Unlock()

	c.advance(msgs)

	out := append([]Message(nil), msgs...)
	for _, ch := range listeners {
		select {
		case ch <- out:
		default:
		}
	}
}

// advance upgrades the status of messages sent by others: delivered on
// sight, read while the view is active. Writes go through the status
// cache so replayed snapshots never rewrite and a status never moves
// backwards.
func (c *Conversation) advance(msgs []Message) {
	ctx := context.Background()
	for _, msg := range msgs {
		if msg.From == c.m.selfUID {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		target := StatusDelivered
		if c.active {
			target = StatusRead
		}
		known := msg.Status
		if rank(c.statusCache[msg.ID]) > rank(known) {
			known = c.statusCache[msg.ID]
		}
		if rank(target) <= rank(known) {
			c.mu.Unlock()
			continue
		}
		c.statusCache[msg.ID] = target
		c.mu.Unlock()

		path := store.Join("messages", c.id, msg.ID)
		if err := c.m.st.Update(ctx, path, map[string]store.Value{
			"status": string(target),
		}); err != nil {
			log.Warnf("CHAT [%s]: advance %s: %v", c.id, msg.ID, err)
		}
	}
}

// clearUnread drops the local user's unread counter for this peer.
func (c *Conversation) clearUnread() {
	path := store.Join("unread", c.m.selfUID, c.peer)
	if err := c.m.st.Remove(context.Background(), path); err != nil {
		log.Debugf("CHAT [%s]: clear unread: %v", c.id, err)
	}
}
