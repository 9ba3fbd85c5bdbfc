package chat

import (
	"sort"
	"strings"
)

// Status is the per-message delivery state. It is advanced only by the
// recipient's client and never regresses: sent → delivered → read, with
// read terminal.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func rank(s Status) int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// ReplyRef is the denormalized snapshot attached to a reply at send time.
// It deliberately goes stale if the original message is later edited or
// deleted.
type ReplyRef struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	FromName string `json:"fromName,omitempty"`
}

// replyTextMax bounds the quoted text carried by a reply snapshot.
const replyTextMax = 80

// Message is one conversation entry. The store key doubles as the id; the
// value itself does not repeat it.
type Message struct {
	ID       string    `json:"-"`
	From     string    `json:"from"`
	FromName string    `json:"fromName,omitempty"`
	To       string    `json:"to"`
	Text     string    `json:"text"`
	TS       int64     `json:"ts"`
	Status   Status    `json:"status"`
	ReplyTo  *ReplyRef `json:"replyTo,omitempty"`
}

// snapshotRef builds the reply snapshot for a target message.
func snapshotRef(target *Message) *ReplyRef {
	text := target.Text
	if len(text) > replyTextMax {
		text = text[:replyTextMax]
	}
	return &ReplyRef{ID: target.ID, Text: text, FromName: target.FromName}
}

// sortMessages orders by timestamp, with the store key as tiebreaker so
// replayed snapshots produce a stable order.
func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].TS != msgs[j].TS {
			return msgs[i].TS < msgs[j].TS
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// ConversationID returns the deterministic id for a one-to-one chat: both
// uids sorted lexicographically and joined, so either side computes the
// same id without coordination.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, "_")
}
