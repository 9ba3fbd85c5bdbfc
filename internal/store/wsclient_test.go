package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testStoreServer speaks the store frame protocol over a websocket,
// backed by a MemoryStore, so WSClient is exercised against real wire
// traffic.
type testStoreServer struct {
	mem *MemoryStore
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestStoreServer(t *testing.T) *testStoreServer {
	t.Helper()
	s := &testStoreServer{mem: NewMemoryStore()}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.serve(conn)
	}))

	t.Cleanup(func() {
		s.srv.Close()
		s.mem.Close()
	})
	return s
}

func (s *testStoreServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// dropConns closes every live connection, simulating a network cut.
func (s *testStoreServer) dropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *testStoreServer) serve(conn *websocket.Conn) {
	ctx := context.Background()
	var writeMu sync.Mutex
	write := func(f frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteJSON(f)
	}

	cancels := map[string]func(){}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
		conn.Close()
	}()

	ack := func(id string, f frame) {
		f.ID = id
		f.Op = "ack"
		write(f)
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case "get":
			v, err := s.mem.Get(ctx, f.Path)
			if err != nil {
				ack(f.ID, frame{Error: err.Error()})
				continue
			}
			raw, _ := json.Marshal(v)
			ack(f.ID, frame{Value: raw})
		case "set":
			var v Value
			json.Unmarshal(f.Value, &v)
			s.ackErr(ack, f.ID, s.mem.Set(ctx, f.Path, v))
		case "update":
			var m map[string]Value
			json.Unmarshal(f.Value, &m)
			s.ackErr(ack, f.ID, s.mem.Update(ctx, f.Path, m))
		case "remove":
			s.ackErr(ack, f.ID, s.mem.Remove(ctx, f.Path))
		case "push":
			var v Value
			json.Unmarshal(f.Value, &v)
			key, err := s.mem.Push(ctx, f.Path, v)
			if err != nil {
				ack(f.ID, frame{Error: err.Error()})
				continue
			}
			ack(f.ID, frame{Key: key})
		case "incr":
			n, err := s.mem.Increment(ctx, f.Path, f.Delta)
			if err != nil {
				ack(f.ID, frame{Error: err.Error()})
				continue
			}
			raw, _ := json.Marshal(n)
			ack(f.ID, frame{Value: raw})
		case "watch":
			events, cancel := s.mem.Watch(f.Path)
			cancels[f.ID] = cancel
			watchID := f.ID
			go func() {
				for ev := range events {
					raw, _ := json.Marshal(ev.Value)
					write(frame{Op: "event", Watch: watchID, Path: ev.Path, Value: raw})
				}
			}()
		case "unwatch":
			if cancel, ok := cancels[f.ID]; ok {
				cancel()
				delete(cancels, f.ID)
			}
		case "ondisc":
			s.ackErr(ack, f.ID, s.mem.OnDisconnect(ctx, DisconnectOp{
				Path: f.Path, Remove: f.Remove, Update: f.Update,
			}))
		case "canceldisc":
			s.ackErr(ack, f.ID, s.mem.CancelDisconnect(ctx, f.Path))
		case "time":
			write(frame{Op: "time", Now: time.Now().UnixMilli()})
		}
	}
}

func (s *testStoreServer) ackErr(ack func(string, frame), id string, err error) {
	if err != nil {
		ack(id, frame{Error: err.Error()})
		return
	}
	ack(id, frame{})
}

func TestWSClientRoundTrip(t *testing.T) {
	srv := newTestStoreServer(t)
	c, err := DialWS(context.Background(), srv.wsURL())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		if err := c.Set(ctx, "users/u1/name", "Alice"); err != nil {
			t.Fatal(err)
		}
		v, err := c.Get(ctx, "users/u1/name")
		if err != nil {
			t.Fatal(err)
		}
		if v != "Alice" {
			t.Fatalf("expected Alice, got %v", v)
		}
	})

	t.Run("push returns server key", func(t *testing.T) {
		id, err := c.Push(ctx, "messages/a_b", map[string]Value{"text": "hi"})
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("expected non-empty push id")
		}
		v, _ := c.Get(ctx, Join("messages/a_b", id, "text"))
		if v != "hi" {
			t.Fatalf("pushed value not readable: %v", v)
		}
	})

	t.Run("increment", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			n, err := c.Increment(ctx, "unread/u2/u1", 1)
			if err != nil {
				t.Fatal(err)
			}
			if n != i {
				t.Fatalf("expected %d, got %d", i, n)
			}
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := c.Remove(ctx, "users/u1"); err != nil {
			t.Fatal(err)
		}
		v, _ := c.Get(ctx, "users/u1")
		if v != nil {
			t.Fatalf("expected nil after remove, got %v", v)
		}
	})
}

func TestWSClientWatch(t *testing.T) {
	srv := newTestStoreServer(t)
	c, err := DialWS(context.Background(), srv.wsURL())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "calls/u2/c1", map[string]Value{"from": "u1"})

	ch, cancel := c.Watch("calls/u2")
	defer cancel()

	ev := waitEvent(t, ch)
	m, ok := ev.Value.(map[string]any)
	if !ok || m["c1"] == nil {
		t.Fatalf("expected snapshot with c1, got %v", ev.Value)
	}

	c.Remove(ctx, "calls/u2")
	for {
		ev = waitEvent(t, ch)
		if ev.Value == nil {
			break
		}
	}
}

func TestWSClientReconnect(t *testing.T) {
	srv := newTestStoreServer(t)
	c, err := DialWS(context.Background(), srv.wsURL())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	conn, connCancel := c.Connectivity()
	defer connCancel()
	if got := <-conn; !got {
		t.Fatal("expected connected snapshot")
	}

	c.Set(ctx, "users/u1/name", "Alice")
	ch, cancel := c.Watch("users/u1")
	defer cancel()
	waitEvent(t, ch) // initial snapshot

	srv.dropConns()

	if got := <-conn; got {
		t.Fatal("expected disconnect edge")
	}
	select {
	case got := <-conn:
		if !got {
			t.Fatal("expected reconnect edge")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}

	// Re-armed watch replays a snapshot from the new connection.
	ev := waitEvent(t, ch)
	m, ok := ev.Value.(map[string]any)
	if !ok || m["name"] != "Alice" {
		t.Fatalf("expected replayed snapshot, got %v", ev.Value)
	}

	// Requests work again.
	if err := c.Set(ctx, "users/u1/name", "Bob"); err != nil {
		t.Fatal(err)
	}
}

func TestWSClientServerNow(t *testing.T) {
	srv := newTestStoreServer(t)
	c, err := DialWS(context.Background(), srv.wsURL())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// The time frame answer is async; give the read pump a moment.
	time.Sleep(100 * time.Millisecond)

	now := time.Now().UnixMilli()
	got := c.ServerNow()
	if got < now-5000 || got > now+5000 {
		t.Fatalf("server clock wildly off: got %d, local %d", got, now)
	}
}

func TestWSClientClosed(t *testing.T) {
	srv := newTestStoreServer(t)
	c, err := DialWS(context.Background(), srv.wsURL())
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	if err := c.Set(context.Background(), "x", 1); err == nil {
		t.Fatal("expected error after Close")
	}
	ch, cancel := c.Watch("x")
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel from Watch after Close")
	}
}
