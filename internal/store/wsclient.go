package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("store")

// frame is one JSON message on the store websocket, in both directions.
// Client→server frames carry an op and an id; the server answers with an
// "ack" frame echoing the id, and pushes "event" frames for live watches.
type frame struct {
	ID    string          `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Key   string          `json:"key,omitempty"`
	Delta int64           `json:"delta,omitempty"`
	Now   int64           `json:"now,omitempty"`
	Watch string          `json:"watch,omitempty"`
	Error string          `json:"error,omitempty"`

	// on-disconnect registration
	Remove bool             `json:"remove,omitempty"`
	Update map[string]Value `json:"update,omitempty"`
}

const (
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 25 * time.Second
	wsReadDeadline  = 60 * time.Second
	reconnectFloor  = 500 * time.Millisecond
	reconnectCeil   = 15 * time.Second
	requestCapacity = 1
)

// WSClient is a Client backed by a remote store server over a websocket.
// Watches survive reconnects: after every successful redial the client
// re-registers them and the server replies with fresh snapshots, which is
// exactly the replay the at-least-once contract already requires consumers
// to tolerate.
type WSClient struct {
	url string

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	closed       bool
	skew         int64 // serverNow - localNow, sampled at connect
	pending      map[string]chan frame
	watches      map[string]*wsWatch
	connWatchers map[*connWatcher]struct{}
	done         chan struct{}
}

type wsWatch struct {
	id   string
	path string
	ch   chan Event
}

// DialWS connects to a store server and starts the read/redial loops. The
// initial dial is synchronous so a bad URL fails fast.
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	c := &WSClient{
		url:          url,
		pending:      make(map[string]chan frame),
		watches:      make(map[string]*wsWatch),
		connWatchers: make(map[*connWatcher]struct{}),
		done:         make(chan struct{}),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", url, err)
	}
	c.adopt(conn)
	go c.readPump(conn)
	go c.pingLoop()
	_ = c.send(frame{Op: "time"}) // server pushes back its clock for skew
	log.Infof("STORE: connected to %s", url)
	return c, nil
}

func (c *WSClient) Get(ctx context.Context, path string) (Value, error) {
	ack, err := c.request(ctx, frame{Op: "get", Path: path})
	if err != nil {
		return nil, err
	}
	var v Value
	if len(ack.Value) > 0 {
		if err := json.Unmarshal(ack.Value, &v); err != nil {
			return nil, fmt.Errorf("get %s: %w", path, err)
		}
	}
	return v, nil
}

func (c *WSClient) Set(ctx context.Context, path string, v Value) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	_, err = c.request(ctx, frame{Op: "set", Path: path, Value: raw})
	return err
}

func (c *WSClient) Update(ctx context.Context, path string, children map[string]Value) error {
	raw, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	_, err = c.request(ctx, frame{Op: "update", Path: path, Value: raw})
	return err
}

func (c *WSClient) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, frame{Op: "remove", Path: path})
	return err
}

func (c *WSClient) Push(ctx context.Context, path string, v Value) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("push %s: %w", path, err)
	}
	ack, err := c.request(ctx, frame{Op: "push", Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return ack.Key, nil
}

func (c *WSClient) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	ack, err := c.request(ctx, frame{Op: "incr", Path: path, Delta: delta})
	if err != nil {
		return 0, err
	}
	var v Value
	if len(ack.Value) > 0 {
		_ = json.Unmarshal(ack.Value, &v)
	}
	return AsInt64(v), nil
}

func (c *WSClient) Watch(path string) (<-chan Event, func()) {
	w := &wsWatch{id: uuid.NewString(), path: path, ch: make(chan Event, watcherBuf)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(w.ch)
		return w.ch, func() {}
	}
	c.watches[w.id] = w
	c.mu.Unlock()

	// Best effort: if the socket is down the redial path re-registers.
	_ = c.send(frame{Op: "watch", ID: w.id, Path: path})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, w.id)
			close(w.ch)
			c.mu.Unlock()
			_ = c.send(frame{Op: "unwatch", ID: w.id})
		})
	}
	return w.ch, cancel
}

func (c *WSClient) OnDisconnect(ctx context.Context, op DisconnectOp) error {
	_, err := c.request(ctx, frame{Op: "ondisc", Path: op.Path, Remove: op.Remove, Update: op.Update})
	return err
}

func (c *WSClient) CancelDisconnect(ctx context.Context, path string) error {
	_, err := c.request(ctx, frame{Op: "canceldisc", Path: path})
	return err
}

func (c *WSClient) Connectivity() (<-chan bool, func()) {
	w := &connWatcher{ch: make(chan bool, 8)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(w.ch)
		return w.ch, func() {}
	}
	c.connWatchers[w] = struct{}{}
	w.ch <- c.connected
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.connWatchers, w)
			close(w.ch)
			c.mu.Unlock()
		})
	}
	return w.ch, cancel
}

func (c *WSClient) ServerNow() int64 {
	c.mu.Lock()
	skew := c.skew
	c.mu.Unlock()
	return time.Now().UnixMilli() + skew
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	for _, w := range c.watches {
		close(w.ch)
	}
	c.watches = map[string]*wsWatch{}
	for w := range c.connWatchers {
		close(w.ch)
	}
	c.connWatchers = map[*connWatcher]struct{}{}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ── connection internals ────────────────────────────────────────────────

func (c *WSClient) adopt(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	for w := range c.connWatchers {
		sendOrDropOldestBool(w.ch, true)
	}
	c.mu.Unlock()
}

func (c *WSClient) send(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(f)
}

func (c *WSClient) request(ctx context.Context, f frame) (frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, ErrClosed
	}
	f.ID = uuid.NewString()
	ch := make(chan frame, requestCapacity)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.dropPending(f.ID)
		return frame{}, fmt.Errorf("%s %s: %w", f.Op, f.Path, err)
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("%s %s: connection lost", f.Op, f.Path)
		}
		if ack.Error != "" {
			return frame{}, fmt.Errorf("%s %s: %s", f.Op, f.Path, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		c.dropPending(f.ID)
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, ErrClosed
	}
}

func (c *WSClient) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.connectionLost(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		switch f.Op {
		case "ack":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case "event":
			var v Value
			if len(f.Value) > 0 {
				if err := json.Unmarshal(f.Value, &v); err != nil {
					log.Warnf("STORE: bad event payload on %s: %v", f.Path, err)
					continue
				}
			}
			c.mu.Lock()
			w, ok := c.watches[f.Watch]
			c.mu.Unlock()
			if ok {
				sendOrDropOldest(w.ch, Event{Path: w.path, Value: v})
			}
		case "time":
			c.mu.Lock()
			c.skew = f.Now - time.Now().UnixMilli()
			c.mu.Unlock()
		default:
			log.Debugf("STORE: unknown frame op %q", f.Op)
		}
	}
}

// connectionLost fails every in-flight request, flips connectivity and
// starts the redial loop. On-disconnect registrations live server-side and
// are consumed by the drop, so consumers re-arm them on the next
// connected=true event.
func (c *WSClient) connectionLost(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	for w := range c.connWatchers {
		sendOrDropOldestBool(w.ch, false)
	}
	c.mu.Unlock()

	log.Warnf("STORE: connection lost: %v, reconnecting", err)
	go c.redialLoop()
}

func (c *WSClient) redialLoop() {
	backoff := reconnectFloor
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			backoff *= 2
			if backoff > reconnectCeil {
				backoff = reconnectCeil
			}
			continue
		}
		c.adopt(conn)
		go c.readPump(conn)

		// Re-register live watches; the server answers each with a fresh
		// snapshot event.
		c.mu.Lock()
		watches := make([]*wsWatch, 0, len(c.watches))
		for _, w := range c.watches {
			watches = append(watches, w)
		}
		c.mu.Unlock()
		_ = c.send(frame{Op: "time"})
		for _, w := range watches {
			_ = c.send(frame{Op: "watch", ID: w.id, Path: w.path})
		}
		log.Infof("STORE: reconnected to %s (%d watches re-armed)", c.url, len(watches))
		return
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.Debugf("STORE: ping failed: %v", err)
			}
		}
	}
}
