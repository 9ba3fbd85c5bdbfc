package history

import (
	"testing"

	"github.com/converse-chat/converse/internal/call"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func item(id string, status call.HistoryStatus, ts int64) call.HistoryItem {
	return call.HistoryItem{
		ID:        id,
		With:      call.PartnerRef{UID: "bob", Name: "Bob"},
		Type:      call.TypeVideo,
		Direction: call.DirectionOutgoing,
		Status:    status,
		Timestamp: ts,
	}
}

func TestRecordAndList(t *testing.T) {
	db := openTestDB(t)

	if err := db.Record(item("c1", call.StatusCalling, 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.Record(item("c2", call.StatusAnswered, 2000)); err != nil {
		t.Fatal(err)
	}

	items, err := db.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	// Newest first.
	if items[0].ID != "c2" || items[1].ID != "c1" {
		t.Fatalf("wrong order: %s, %s", items[0].ID, items[1].ID)
	}
	if items[1].With.UID != "bob" || items[1].Type != call.TypeVideo {
		t.Fatalf("fields lost: %+v", items[1])
	}
}

func TestRecordUpsert(t *testing.T) {
	db := openTestDB(t)

	db.Record(item("c1", call.StatusCalling, 1000))
	db.Record(item("c1", call.StatusAnswered, 1000))

	items, err := db.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("replay duplicated the row: %d items", len(items))
	}
	if items[0].Status != call.StatusAnswered {
		t.Fatalf("expected answered, got %s", items[0].Status)
	}
}

func TestUpdateStatus(t *testing.T) {
	db := openTestDB(t)

	db.Record(item("c1", call.StatusCalling, 1000))
	if err := db.UpdateStatus("c1", call.StatusEnded); err != nil {
		t.Fatal(err)
	}

	items, _ := db.List(0)
	if items[0].Status != call.StatusEnded {
		t.Fatalf("expected ended, got %s", items[0].Status)
	}

	// Unknown ids are a quiet no-op.
	if err := db.UpdateStatus("ghost", call.StatusEnded); err != nil {
		t.Fatal(err)
	}
}

func TestListLimit(t *testing.T) {
	db := openTestDB(t)

	for i := int64(0); i < 5; i++ {
		db.Record(item(string(rune('a'+i)), call.StatusEnded, 1000+i))
	}

	items, err := db.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.Record(item("c1", call.StatusEnded, 1000))
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	items, err := db2.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "c1" {
		t.Fatalf("history lost on reopen: %+v", items)
	}
}

func TestClear(t *testing.T) {
	db := openTestDB(t)
	db.Record(item("c1", call.StatusEnded, 1000))
	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}
	items, _ := db.List(0)
	if len(items) != 0 {
		t.Fatalf("expected empty history, got %d items", len(items))
	}
}
