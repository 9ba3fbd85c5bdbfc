package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMemorySetGetRemove(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "users/u1/name", "Alice"); err != nil {
		t.Fatal(err)
	}

	v, err := s.Get(ctx, "users/u1/name")
	if err != nil {
		t.Fatal(err)
	}
	if v != "Alice" {
		t.Fatalf("expected Alice, got %v", v)
	}

	// Parent read returns the subtree as a map.
	v, err = s.Get(ctx, "users/u1")
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.(map[string]Value)
	if !ok || m["name"] != "Alice" {
		t.Fatalf("expected map with name, got %v", v)
	}

	if err := s.Remove(ctx, "users/u1/name"); err != nil {
		t.Fatal(err)
	}
	// Empty interiors prune away: absence reads as nil all the way up.
	for _, path := range []string{"users/u1/name", "users/u1", "users"} {
		v, _ := s.Get(ctx, path)
		if v != nil {
			t.Fatalf("expected nil at %s after remove, got %v", path, v)
		}
	}
}

func TestMemoryUpdatePatchesChildren(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "users/u1", map[string]Value{"name": "Alice", "onlineStatus": "offline"})
	if err := s.Update(ctx, "users/u1", map[string]Value{"onlineStatus": "online"}); err != nil {
		t.Fatal(err)
	}

	v, _ := s.Get(ctx, "users/u1")
	m := v.(map[string]Value)
	if m["name"] != "Alice" {
		t.Fatalf("update clobbered sibling: %v", m)
	}
	if m["onlineStatus"] != "online" {
		t.Fatalf("update missed target: %v", m)
	}
}

func TestMemoryPushOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		id, err := s.Push(ctx, "messages/c1", map[string]Value{"n": float64(i)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if !sort.StringsAreSorted(ids) {
		t.Fatalf("push ids not lexicographically ordered: %v", ids)
	}

	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate push id %s", id)
		}
		seen[id] = true
	}
}

func TestMemoryWatchSnapshotThenUpdates(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "calls/u2/c1", map[string]Value{"from": "u1"})

	ch, cancel := s.Watch("calls/u2")
	defer cancel()

	// First event is the current snapshot.
	ev := waitEvent(t, ch)
	m, ok := ev.Value.(map[string]Value)
	if !ok || m["c1"] == nil {
		t.Fatalf("expected snapshot with c1, got %v", ev.Value)
	}

	// A write below the watched path delivers the full watched value.
	s.Set(ctx, "calls/u2/c1/answer", map[string]Value{"type": "answer"})
	ev = waitEvent(t, ch)
	c1 := ev.Value.(map[string]Value)["c1"].(map[string]Value)
	if c1["answer"] == nil {
		t.Fatalf("expected answer in snapshot, got %v", ev.Value)
	}

	// Removal of the subtree reads as nil.
	s.Remove(ctx, "calls/u2")
	ev = waitEvent(t, ch)
	if ev.Value != nil {
		t.Fatalf("expected nil after remove, got %v", ev.Value)
	}

	// Writes to unrelated paths do not reach this watcher.
	s.Set(ctx, "calls/u9/cX", map[string]Value{"from": "u8"})
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for unrelated path: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryIncrementConcurrent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "unread/u2/u1", 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	v, _ := s.Get(ctx, "unread/u2/u1")
	if got := AsInt64(v); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestMemoryOnDisconnect(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "users/u1", map[string]Value{"onlineStatus": "online"})
	err := s.OnDisconnect(ctx, DisconnectOp{
		Path:   "users/u1",
		Update: map[string]Value{"onlineStatus": "offline", "lastSeen": float64(123)},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.OnDisconnect(ctx, DisconnectOp{Path: "typing/a_b/u1", Remove: true})
	s.Set(ctx, "typing/a_b/u1", true)

	s.SetConnected(false)

	v, _ := s.Get(ctx, "users/u1/onlineStatus")
	if v != "offline" {
		t.Fatalf("expected offline after disconnect, got %v", v)
	}
	if v, _ := s.Get(ctx, "typing/a_b/u1"); v != nil {
		t.Fatalf("expected typing flag removed, got %v", v)
	}

	// Registrations fire once: a second drop must not resurrect anything.
	s.SetConnected(true)
	s.Set(ctx, "users/u1/onlineStatus", "online")
	s.SetConnected(false)
	if v, _ := s.Get(ctx, "users/u1/onlineStatus"); v != "online" {
		t.Fatalf("on-disconnect op fired twice: %v", v)
	}
}

func TestMemoryOnDisconnectServerTimestamp(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	err := s.OnDisconnect(ctx, DisconnectOp{
		Path:   "users/u1",
		Update: map[string]Value{"lastSeen": ServerTimestamp},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The placeholder resolves when the drop happens, not at registration.
	time.Sleep(50 * time.Millisecond)
	before := time.Now().UnixMilli()
	s.SetConnected(false)

	v, _ := s.Get(ctx, "users/u1/lastSeen")
	got := AsInt64(v)
	if got == 0 {
		t.Fatalf("placeholder not substituted: %v", v)
	}
	if got < before {
		t.Fatalf("lastSeen %d stamped before the drop at %d", got, before)
	}
}

func TestMemoryCancelDisconnect(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "users/u1/onlineStatus", "online")
	s.OnDisconnect(ctx, DisconnectOp{
		Path:   "users/u1",
		Update: map[string]Value{"onlineStatus": "offline"},
	})
	if err := s.CancelDisconnect(ctx, "users/u1"); err != nil {
		t.Fatal(err)
	}

	s.SetConnected(false)
	if v, _ := s.Get(ctx, "users/u1/onlineStatus"); v != "online" {
		t.Fatalf("cancelled op still fired: %v", v)
	}
}

func TestMemoryConnectivity(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ch, cancel := s.Connectivity()
	defer cancel()

	if got := <-ch; !got {
		t.Fatal("expected connected snapshot first")
	}
	s.SetConnected(false)
	if got := <-ch; got {
		t.Fatal("expected disconnect edge")
	}
	s.SetConnected(true)
	if got := <-ch; !got {
		t.Fatal("expected reconnect edge")
	}
}

func TestMemorySlowWatcherKeepsLatest(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	ch, cancel := s.Watch("counter")
	defer cancel()

	// Overflow the subscription queue without reading.
	for i := 0; i < watcherBuf*2; i++ {
		s.Set(ctx, "counter", float64(i))
	}

	var last Event
	for {
		var ok bool
		select {
		case last, ok = <-ch:
			if !ok {
				t.Fatal("channel closed")
			}
			continue
		default:
		}
		break
	}
	if got := AsInt64(last.Value); got != watcherBuf*2-1 {
		t.Fatalf("expected latest value %d, got %d", watcherBuf*2-1, got)
	}
}

func TestMemoryClosed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Close()

	if err := s.Set(ctx, "x", 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	ch, cancel := s.Watch("x")
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel from Watch after Close")
	}
}
