package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roundtrip.db")
	ctx := context.Background()

	// Open, write data, close.
	s1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	m := mustAppend(t, s1, storedMessage(t, 1, "a", "b", "t1"))
	mustAppend(t, s1, storedMessage(t, 2, "b", "a", ""))
	key := m.ConversationKey
	if n, err := s1.MarkRead(ctx, "b", key, testEpoch.Add(time.Minute)); err != nil || n != 1 {
		t.Fatalf("mark read: %d %v", n, err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and verify everything survived.
	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { s2.Close() })

	got, err := s2.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.ReadAt == nil || !got.ReadAt.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("expected read_at to survive reopen, got %v", got.ReadAt)
	}
	if _, ok, _ := s2.FindByToken(ctx, "a", "t1"); !ok {
		t.Fatalf("expected idempotency token to survive reopen")
	}
	if _, dup, err := s2.Append(ctx, storedMessage(t, 3, "a", "b", "t1")); err != nil || !dup {
		t.Fatalf("expected duplicate after reopen, got dup=%v err=%v", dup, err)
	}
	wm, ok, err := s2.Watermark(ctx, "b", key)
	if err != nil || !ok || !wm.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("watermark after reopen: %v %v %v", wm, ok, err)
	}
	heads, err := s2.ConversationHeads(ctx, "a", "", 10)
	if err != nil || len(heads) != 1 || heads[0].UnreadCount != 1 {
		t.Fatalf("heads after reopen: %+v %v", heads, err)
	}
}

func TestSQLiteUsesParticipantIndexes(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "plan.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var names []string
	if err := s.db.Select(&names, `SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'messages' ORDER BY name`); err != nil {
		t.Fatalf("list indexes: %v", err)
	}
	want := map[string]bool{
		"messages_sender_created":    false,
		"messages_recipient_created": false,
		"messages_sender_token":      false,
	}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, found := range want {
		if !found {
			t.Fatalf("missing index %s (have %v)", n, names)
		}
	}
}

func TestSQLitePingAfterClose(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}
