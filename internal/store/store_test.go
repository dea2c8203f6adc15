package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2", result.Version)
	}
	if result.From != 2 {
		t.Errorf("from = %d, want 2", result.From)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("result = %+v, want 0 -> 2 changed", result)
	}
}

func TestOpenMigrated(t *testing.T) {
	db, err := OpenMigrated(filepath.Join(t.TempDir(), "gigchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec(`INSERT INTO sync_state (key, value) VALUES ('k', 'v')`); err != nil {
		t.Fatalf("schema missing: %v", err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	entry := &OutboxEntry{
		ClientMsgID:    "cid-1",
		ConversationID: "conv-1",
		SenderID:       "userA",
		RecipientID:    "userB",
		MessageType:    "TEXT",
		Body:           "hello",
	}
	if err := db.QueueOutbox(entry); err != nil {
		t.Fatal(err)
	}

	pending, err := db.ListOutbox(OutboxPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Body != "hello" || pending[0].Attempts != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if len(pending[0].Attachments) != 0 {
		t.Errorf("attachments = %v, want empty", pending[0].Attachments)
	}

	if err := db.MarkOutboxSent("cid-1", "srv-1", []string{"asset-1"}); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetOutbox("cid-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OutboxSent || got.ServerMsgID != "srv-1" {
		t.Errorf("entry = %+v, want sent srv-1", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "asset-1" {
		t.Errorf("attachments = %v", got.Attachments)
	}

	pending, _ = db.ListOutbox(OutboxPending)
	if len(pending) != 0 {
		t.Errorf("pending after sent = %d, want 0", len(pending))
	}
}

func TestOutboxFailAndRetry(t *testing.T) {
	db := testDB(t)
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "cid-1", ConversationID: "c", MessageType: "TEXT"}); err != nil {
		t.Fatal(err)
	}

	if err := db.RetryOutbox("cid-1"); !errors.Is(err, ErrOutboxNotFound) {
		t.Errorf("retry of pending row err = %v, want ErrOutboxNotFound", err)
	}
	if err := db.MarkOutboxFailed("cid-1", "upload failed"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetOutbox("cid-1")
	if got.Status != OutboxFailed || got.ErrorMessage != "upload failed" {
		t.Fatalf("entry = %+v", got)
	}

	if err := db.RetryOutbox("cid-1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetOutbox("cid-1")
	if got.Status != OutboxPending || got.Attempts != 2 || got.ErrorMessage != "" {
		t.Errorf("after retry = %+v", got)
	}

	if err := db.DeleteOutbox("cid-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetOutbox("cid-1"); !errors.Is(err, ErrOutboxNotFound) {
		t.Errorf("get after delete err = %v", err)
	}
}

func TestFailAbandonedOutbox(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b"} {
		if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: id, ConversationID: "c"}); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.MarkOutboxSent("b", "srv", nil)

	n, err := db.FailAbandonedOutbox("daemon restarted")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("failed %d rows, want 1", n)
	}
	failed, _ := db.ListOutbox(OutboxFailed)
	if len(failed) != 1 || failed[0].ClientMsgID != "a" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestMarkUnknownOutbox(t *testing.T) {
	db := testDB(t)
	if err := db.MarkOutboxSent("nope", "", nil); !errors.Is(err, ErrOutboxNotFound) {
		t.Errorf("err = %v, want ErrOutboxNotFound", err)
	}
}

func TestConversationCacheRoundTrip(t *testing.T) {
	db := testDB(t)

	raws := []json.RawMessage{
		json.RawMessage(`{"_id":"c2","type":"DIRECT"}`),
		json.RawMessage(`{"_id":"c1","type":"GROUP"}`),
	}
	if err := db.SaveConversations("userA", raws, []string{"c2", "c1"}); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadConversations("userA")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("cache = %+v", got)
	}
	if string(got[1].Raw) != `{"_id":"c1","type":"GROUP"}` {
		t.Errorf("raw = %s", got[1].Raw)
	}

	if err := db.SaveConversations("userA", raws[:1], []string{"c2"}); err != nil {
		t.Fatal(err)
	}
	got, _ = db.LoadConversations("userA")
	if len(got) != 1 {
		t.Errorf("cache after resave = %d rows, want 1", len(got))
	}

	if err := db.SaveConversations("userA", raws, []string{"only-one"}); err == nil {
		t.Error("mismatched ids should fail")
	}
	if err := db.SaveConversations("", raws, []string{"c2", "c1"}); err == nil {
		t.Error("empty user id should fail")
	}
	if err := db.ClearConversations("userA"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.LoadConversations("userA")
	if len(got) != 0 {
		t.Errorf("cache after clear = %d rows", len(got))
	}
}

func TestConversationCacheIsPerUser(t *testing.T) {
	db := testDB(t)

	a := []json.RawMessage{json.RawMessage(`{"_id":"c1"}`)}
	b := []json.RawMessage{json.RawMessage(`{"_id":"c1","name":"b"}`), json.RawMessage(`{"_id":"c9"}`)}
	if err := db.SaveConversations("userA", a, []string{"c1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveConversations("userB", b, []string{"c1", "c9"}); err != nil {
		t.Fatal(err)
	}

	gotA, _ := db.LoadConversations("userA")
	gotB, _ := db.LoadConversations("userB")
	if len(gotA) != 1 || string(gotA[0].Raw) != `{"_id":"c1"}` {
		t.Errorf("userA cache = %+v", gotA)
	}
	if len(gotB) != 2 {
		t.Errorf("userB cache = %d rows, want 2", len(gotB))
	}
	if got, _ := db.LoadConversations("userC"); len(got) != 0 {
		t.Errorf("userC sees %d cached rows", len(got))
	}

	if err := db.ClearConversations("userB"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.LoadConversations("userA"); len(got) != 1 {
		t.Error("clearing userB dropped userA rows")
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.SyncState("last_full_sync"); err != nil || ok {
		t.Fatalf("unset key: ok=%v err=%v", ok, err)
	}
	if err := db.SetSyncState("last_full_sync", "100"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState("last_full_sync", "200"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.SyncState("last_full_sync")
	if err != nil || !ok || v != "200" {
		t.Errorf("SyncState = %q %v %v, want 200", v, ok, err)
	}

	if err := db.DeleteSyncState("last_full_sync"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.SyncState("last_full_sync"); ok {
		t.Error("key still set after delete")
	}
	if err := db.DeleteSyncState("never-set"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
}
