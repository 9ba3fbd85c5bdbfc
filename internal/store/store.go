// Package store defines the boundary to the shared signaling store: an
// order-preserving, path-addressed value tree with live subscriptions,
// atomic counters and server-side on-disconnect cleanup. The store itself
// is an external collaborator; this package ships the Client interface,
// an in-process MemoryStore and a websocket-backed network client.
//
// Path ownership is a protocol, not a schema. Each path family has exactly
// one writer role and the store is treated as an at-least-once,
// order-preserving channel; every subscriber must tolerate replay.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Value is a decoded store value: nil, bool, string, float64 or
// map[string]Value, mirroring what JSON round-tripping produces.
type Value = any

// Event is delivered on a Watch channel. The first event after Watch (and
// after every reconnect) is a full snapshot of the watched path; subsequent
// events carry the full current value after each change, in applied order.
// A nil Value means the path does not exist.
type Event struct {
	Path  string
	Value Value
}

// ServerTimestamp is a placeholder value the store replaces with its own
// clock at the moment the write is applied. On-disconnect updates need
// it: the client registering the op cannot know when the connection will
// eventually drop.
const ServerTimestamp = ".sv:timestamp"

// DisconnectOp is a cleanup action the store server applies when this
// client's connection drops.
type DisconnectOp struct {
	Path   string
	Remove bool             // remove the path entirely
	Update map[string]Value // merge these children (when Remove is false)
}

// Client is the signaling-store surface the rest of the system consumes.
type Client interface {
	Get(ctx context.Context, path string) (Value, error)
	Set(ctx context.Context, path string, v Value) error
	// Update merges children into the value at path without touching
	// siblings that are not named.
	Update(ctx context.Context, path string, children map[string]Value) error
	Remove(ctx context.Context, path string) error
	// Push stores v under a fresh child ID that sorts after all IDs
	// generated earlier, and returns that ID.
	Push(ctx context.Context, path string, v Value) (string, error)
	// Increment atomically adds delta to the integer at path (absent counts
	// as zero) and returns the new value.
	Increment(ctx context.Context, path string, delta int64) (int64, error)

	// Watch subscribes to path. The returned channel receives a snapshot
	// first, then one event per applied change. cancel closes the channel
	// synchronously; no event is delivered after cancel returns.
	Watch(path string) (<-chan Event, func())

	// OnDisconnect registers a server-side cleanup op for this connection.
	// Registrations are cleared when the connection drops (after firing),
	// so they must be re-armed after every reconnect.
	OnDisconnect(ctx context.Context, op DisconnectOp) error
	// CancelDisconnect drops every registered op for path.
	CancelDisconnect(ctx context.Context, path string) error

	// Connectivity reports connection health: a snapshot of the current
	// state first, then one event per transition.
	Connectivity() (<-chan bool, func())

	// ServerNow returns the server-adjusted wall clock in unix millis.
	ServerNow() int64

	Close() error
}

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("store: client closed")

// Join builds a slash-separated store path from non-empty segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Split returns the cleaned segments of a store path.
func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Normalize round-trips v through JSON so that stored values are always
// plain maps and scalars regardless of what the caller passed in.
func Normalize(v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}

// Decode unmarshals a store value into out (a pointer to a struct, map or
// scalar) via a JSON round trip.
func Decode(v Value, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// AsInt64 coerces the numeric shapes a store value can take into an int64.
func AsInt64(v Value) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
