package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Client. It backs every test in this module
// and doubles as an embedded store for single-machine use. Disconnects are
// simulated through SetConnected, which fires registered on-disconnect ops
// exactly once, the way the real server does.
type MemoryStore struct {
	mu     sync.Mutex
	root   *node
	seq    int64
	closed bool

	connected    bool
	watchers     map[*watcher]struct{}
	connWatchers map[*connWatcher]struct{}
	pending      []DisconnectOp
}

type node struct {
	value    Value            // set when leaf
	children map[string]*node // set when interior
	order    []string         // child keys in insertion order
}

type watcher struct {
	path string
	ch   chan Event
}

type connWatcher struct {
	ch chan bool
}

// watcherBuf bounds each subscription queue. Events carry full snapshots,
// so when a slow consumer overflows the queue the oldest snapshot is
// dropped; the latest state always gets through.
const watcherBuf = 128

// NewMemoryStore returns an empty, connected store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root:         &node{},
		connected:    true,
		watchers:     make(map[*watcher]struct{}),
		connWatchers: make(map[*connWatcher]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, path string) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return snapshot(s.lookup(Split(path))), nil
}

func (s *MemoryStore) Set(_ context.Context, path string, v Value) error {
	norm, err := Normalize(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.write(Split(path), norm)
	s.notify(path)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, path string, children map[string]Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	parts := Split(path)
	for key, v := range children {
		norm, err := Normalize(v)
		if err != nil {
			return err
		}
		s.write(append(append([]string{}, parts...), key), norm)
	}
	s.notify(path)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.write(Split(path), nil)
	s.notify(path)
	return nil
}

func (s *MemoryStore) Push(_ context.Context, path string, v Value) (string, error) {
	norm, err := Normalize(v)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	id := s.pushID()
	s.write(append(Split(path), id), norm)
	s.notify(path)
	return id, nil
}

func (s *MemoryStore) Increment(_ context.Context, path string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	cur := AsInt64(snapshot(s.lookup(Split(path))))
	next := cur + delta
	s.write(Split(path), float64(next))
	s.notify(path)
	return next, nil
}

func (s *MemoryStore) Watch(path string) (<-chan Event, func()) {
	w := &watcher{path: strings.Trim(path, "/"), ch: make(chan Event, watcherBuf)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(w.ch)
		return w.ch, func() {}
	}
	s.watchers[w] = struct{}{}
	w.ch <- Event{Path: w.path, Value: snapshot(s.lookup(Split(path)))}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, w)
			close(w.ch)
			s.mu.Unlock()
		})
	}
	return w.ch, cancel
}

func (s *MemoryStore) OnDisconnect(_ context.Context, op DisconnectOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending = append(s.pending, op)
	return nil
}

func (s *MemoryStore) CancelDisconnect(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	kept := s.pending[:0]
	for _, op := range s.pending {
		if op.Path != path {
			kept = append(kept, op)
		}
	}
	s.pending = kept
	return nil
}

func (s *MemoryStore) Connectivity() (<-chan bool, func()) {
	w := &connWatcher{ch: make(chan bool, 8)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(w.ch)
		return w.ch, func() {}
	}
	s.connWatchers[w] = struct{}{}
	w.ch <- s.connected
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.connWatchers, w)
			close(w.ch)
			s.mu.Unlock()
		})
	}
	return w.ch, cancel
}

func (s *MemoryStore) ServerNow() int64 { return time.Now().UnixMilli() }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		close(w.ch)
	}
	s.watchers = map[*watcher]struct{}{}
	for w := range s.connWatchers {
		close(w.ch)
	}
	s.connWatchers = map[*connWatcher]struct{}{}
	return nil
}

// SetConnected simulates a transport transition. Going offline fires every
// registered on-disconnect op once and clears the registrations, exactly
// like a dropped server connection would.
func (s *MemoryStore) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.connected == connected {
		return
	}
	s.connected = connected
	if !connected {
		ops := s.pending
		s.pending = nil
		for _, op := range ops {
			if op.Remove {
				s.write(Split(op.Path), nil)
			} else {
				parts := Split(op.Path)
				for key, v := range op.Update {
					if v == ServerTimestamp {
						v = float64(time.Now().UnixMilli())
					}
					norm, _ := Normalize(v)
					s.write(append(append([]string{}, parts...), key), norm)
				}
			}
			s.notify(op.Path)
		}
	}
	for w := range s.connWatchers {
		sendOrDropOldestBool(w.ch, connected)
	}
}

// ── tree internals (s.mu held) ──────────────────────────────────────────

func (s *MemoryStore) lookup(parts []string) *node {
	n := s.root
	for _, p := range parts {
		next, ok := n.children[p]
		if !ok {
			return nil
		}
		n = next
	}
	return n
}

// write replaces the subtree at parts with v; v == nil deletes it. Empty
// interior nodes left behind by a delete are pruned so that absence is
// observable as a nil snapshot.
func (s *MemoryStore) write(parts []string, v Value) {
	if len(parts) == 0 {
		s.root = &node{}
		if v != nil {
			s.graft(s.root, v)
		}
		return
	}
	if v == nil {
		s.prune(s.root, parts)
		return
	}
	n := s.root
	for _, p := range parts {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		next, ok := n.children[p]
		if !ok {
			next = &node{}
			n.children[p] = next
			n.order = append(n.order, p)
		}
		n = next
	}
	n.value = nil
	n.children = nil
	n.order = nil
	s.graft(n, v)
}

func (s *MemoryStore) graft(n *node, v Value) {
	m, ok := v.(map[string]Value)
	if !ok {
		n.value = v
		return
	}
	n.children = make(map[string]*node, len(m))
	// Deterministic child order for freshly grafted maps.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		child := &node{}
		s.graft(child, m[k])
		n.children[k] = child
		n.order = append(n.order, k)
	}
}

func (s *MemoryStore) prune(n *node, parts []string) bool {
	key := parts[0]
	child, ok := n.children[key]
	if !ok {
		return false
	}
	if len(parts) == 1 {
		delete(n.children, key)
		removeKey(n, key)
		return true
	}
	if !s.prune(child, parts[1:]) {
		return false
	}
	if len(child.children) == 0 && child.value == nil {
		delete(n.children, key)
		removeKey(n, key)
	}
	return true
}

func removeKey(n *node, key string) {
	for i, k := range n.order {
		if k == key {
			n.order = append(n.order[:i], n.order[i+1:]...)
			return
		}
	}
}

// snapshot deep-copies a subtree into plain maps/scalars.
func snapshot(n *node) Value {
	if n == nil {
		return nil
	}
	if n.children == nil {
		return n.value
	}
	if len(n.children) == 0 {
		return nil
	}
	out := make(map[string]Value, len(n.children))
	for _, k := range n.order {
		out[k] = snapshot(n.children[k])
	}
	return out
}

// notify delivers fresh snapshots to every watcher whose path overlaps the
// changed path (ancestor or descendant).
func (s *MemoryStore) notify(changed string) {
	cp := Split(changed)
	for w := range s.watchers {
		wp := Split(w.path)
		if !overlaps(cp, wp) {
			continue
		}
		sendOrDropOldest(w.ch, Event{Path: w.path, Value: snapshot(s.lookup(wp))})
	}
}

func overlaps(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sendOrDropOldest(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func sendOrDropOldestBool(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// pushID generates a child ID that sorts lexicographically after every ID
// generated before it: millisecond timestamp, a per-store sequence and a
// random suffix for cross-client uniqueness.
func (s *MemoryStore) pushID() string {
	s.seq++
	return fmt.Sprintf("%013x-%06x-%s", time.Now().UnixMilli(), s.seq, uuid.NewString()[:8])
}
