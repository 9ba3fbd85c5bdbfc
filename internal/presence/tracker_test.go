package presence

import (
	"context"
	"testing"
	"time"

	"github.com/converse-chat/converse/internal/store"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func status(st store.Client, uid string) string {
	v, _ := st.Get(context.Background(), store.Join("users", uid, "onlineStatus"))
	s, _ := v.(string)
	return s
}

func TestStartWritesOnline(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	tr := NewTracker(st, "u1")
	tr.Start()
	waitFor(t, "online", func() bool { return status(st, "u1") == "online" })
}

func TestAbruptDisconnectObservableOffline(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	tr := NewTracker(st, "u1")
	tr.Start()
	waitFor(t, "online", func() bool { return status(st, "u1") == "online" })

	// Another client watching u1 sees the flip with zero cooperation from
	// the disconnected client: the store fires the registered cleanup.
	watch, cancel := tr.WatchUser("u1")
	defer cancel()
	if info := <-watch; info.OnlineStatus != "online" {
		t.Fatalf("expected online snapshot, got %+v", info)
	}

	st.SetConnected(false)

	for {
		select {
		case info := <-watch:
			if info.OnlineStatus == "offline" {
				if info.LastSeen == 0 {
					t.Fatal("lastSeen not set by on-disconnect op")
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("offline never observed")
		}
	}
}

func TestLastSeenStampedAtDrop(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	tr := NewTracker(st, "u1")
	tr.Start()
	waitFor(t, "online", func() bool { return status(st, "u1") == "online" })

	// Let the session age: a lastSeen frozen at registration time would
	// now lag behind the actual drop moment.
	time.Sleep(150 * time.Millisecond)
	before := time.Now().UnixMilli()
	st.SetConnected(false)
	waitFor(t, "offline", func() bool { return status(st, "u1") == "offline" })

	v, _ := st.Get(context.Background(), "users/u1/lastSeen")
	if got := store.AsInt64(v); got < before {
		t.Fatalf("lastSeen %d predates the disconnect moment %d", got, before)
	}
}

func TestReconnectReArmsCleanup(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	tr := NewTracker(st, "u1")
	tr.Start()
	waitFor(t, "online", func() bool { return status(st, "u1") == "online" })

	// First drop consumes the registration.
	st.SetConnected(false)
	waitFor(t, "offline", func() bool { return status(st, "u1") == "offline" })

	// Reconnect: the tracker must write online and register again.
	st.SetConnected(true)
	waitFor(t, "online again", func() bool { return status(st, "u1") == "online" })

	st.SetConnected(false)
	waitFor(t, "offline again", func() bool { return status(st, "u1") == "offline" })
}

func TestStopWritesOfflineProactively(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	tr := NewTracker(st, "u1")
	tr.Start()
	waitFor(t, "online", func() bool { return status(st, "u1") == "online" })

	// Manual logout: the transport stays connected, so only the proactive
	// write can flip the status.
	tr.Stop()
	if got := status(st, "u1"); got != "offline" {
		t.Fatalf("expected offline after Stop, got %q", got)
	}

	// The cancelled registration must not fire later.
	st.Set(context.Background(), "users/u1/onlineStatus", "online")
	st.SetConnected(false)
	if got := status(st, "u1"); got != "online" {
		t.Fatalf("stale on-disconnect op fired: %q", got)
	}
}

func TestWatchUserAbsentReadsOffline(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	tr := NewTracker(st, "u1")
	watch, cancel := tr.WatchUser("ghost")
	defer cancel()

	if info := <-watch; info.OnlineStatus != "offline" {
		t.Fatalf("absent user should read offline, got %+v", info)
	}
}
