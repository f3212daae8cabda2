package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func storeBackends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			s := NewMemoryStore()
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
			if err != nil {
				t.Fatalf("new sqlite store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"snapshot": func(t *testing.T) Store {
			s, err := NewSnapshotStore(filepath.Join(t.TempDir(), "chat.json"))
			if err != nil {
				t.Fatalf("new snapshot store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func storedMessage(t *testing.T, seq int, from, to, token string) Message {
	t.Helper()
	key, err := ResolveKey(from, to, "")
	if err != nil {
		t.Fatalf("resolve key: %v", err)
	}
	created := testEpoch.Add(time.Duration(seq) * time.Second)
	return Message{
		ID:               fmt.Sprintf("m-%020d-test", created.UnixNano()),
		ConversationKey:  key,
		SenderID:         from,
		RecipientID:      to,
		Body:             Body{Text: fmt.Sprintf("message %d", seq)},
		IdempotencyToken: token,
		CreatedAt:        created,
	}
}

func mustAppend(t *testing.T, s Store, m Message) Message {
	t.Helper()
	out, dup, err := s.Append(context.Background(), m)
	if err != nil {
		t.Fatalf("append %s: %v", m.ID, err)
	}
	if dup {
		t.Fatalf("append %s: unexpected duplicate", m.ID)
	}
	return out
}

func TestStoreAppendAndGet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := storedMessage(t, 1, "a", "b", "")
		m.Body.MediaRef = "media/1.jpg"
		m.ContextID = ""
		mustAppend(t, s, m)

		got, err := s.Get(ctx, m.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Body != m.Body || got.SenderID != "a" || !got.CreatedAt.Equal(m.CreatedAt) {
			t.Fatalf("unexpected message %+v", got)
		}
		if got.Read() || got.Delivered() {
			t.Fatalf("expected fresh message to be unread and undelivered")
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("expected ErrMessageNotFound, got %v", err)
		}
	})
}

func TestStoreAppendIdempotentByToken(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := mustAppend(t, s, storedMessage(t, 1, "a", "b", "t1"))

		retry := storedMessage(t, 2, "a", "b", "t1")
		got, dup, err := s.Append(ctx, retry)
		if err != nil {
			t.Fatalf("append retry: %v", err)
		}
		if !dup || got.ID != first.ID {
			t.Fatalf("expected duplicate of %s, got dup=%v id=%s", first.ID, dup, got.ID)
		}

		// Same token from another sender is a different message.
		mustAppend(t, s, storedMessage(t, 3, "b", "a", "t1"))

		found, ok, err := s.FindByToken(ctx, "a", "t1")
		if err != nil || !ok || found.ID != first.ID {
			t.Fatalf("find by token: %+v %v %v", found, ok, err)
		}
		msgs, err := s.ListMessages(ctx, first.ConversationKey, MessageQuery{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 stored messages, got %d", len(msgs))
		}
	})
}

func TestStoreConversationHeads(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustAppend(t, s, storedMessage(t, 1, "a", "b", ""))
		mustAppend(t, s, storedMessage(t, 2, "a", "b", ""))
		mustAppend(t, s, storedMessage(t, 3, "b", "a", ""))
		mustAppend(t, s, storedMessage(t, 4, "a", "b", ""))
		mustAppend(t, s, storedMessage(t, 5, "c", "a", ""))
		mustAppend(t, s, storedMessage(t, 6, "c", "d", ""))

		heads, err := s.ConversationHeads(ctx, "a", "", 10)
		if err != nil {
			t.Fatalf("heads: %v", err)
		}
		if len(heads) != 2 {
			t.Fatalf("expected 2 heads, got %d", len(heads))
		}
		if heads[0].Counterpart != "c" || heads[0].UnreadCount != 1 {
			t.Fatalf("unexpected first head %+v", heads[0])
		}
		if heads[1].Counterpart != "b" || heads[1].UnreadCount != 1 || heads[1].LastMessage.Body.Text != "message 4" {
			t.Fatalf("unexpected second head %+v", heads[1])
		}

		heads, err = s.ConversationHeads(ctx, "b", "", 10)
		if err != nil {
			t.Fatalf("heads b: %v", err)
		}
		if len(heads) != 1 || heads[0].UnreadCount != 3 {
			t.Fatalf("unexpected heads for b %+v", heads)
		}

		page, err := s.ConversationHeads(ctx, "a", "", 1)
		if err != nil || len(page) != 1 {
			t.Fatalf("page 1: %+v %v", page, err)
		}
		page, err = s.ConversationHeads(ctx, "a", page[0].LastMessage.ID, 1)
		if err != nil || len(page) != 1 || page[0].Counterpart != "b" {
			t.Fatalf("page 2: %+v %v", page, err)
		}

		none, err := s.ConversationHeads(ctx, "nobody", "", 10)
		if err != nil || len(none) != 0 {
			t.Fatalf("expected no heads, got %+v %v", none, err)
		}
	})
}

func TestStoreListMessagesOrderAndFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var ids []string
		for i := 1; i <= 5; i++ {
			from, to := "a", "b"
			if i%2 == 0 {
				from, to = "b", "a"
			}
			ids = append(ids, mustAppend(t, s, storedMessage(t, i, from, to, "")).ID)
		}
		key, _ := ResolveKey("a", "b", "")

		all, err := s.ListMessages(ctx, key, MessageQuery{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for i, m := range all {
			if m.ID != ids[i] {
				t.Fatalf("position %d: expected %s, got %s", i, ids[i], m.ID)
			}
		}

		since, err := s.ListMessages(ctx, key, MessageQuery{Since: testEpoch.Add(3 * time.Second)})
		if err != nil || len(since) != 2 || since[0].ID != ids[3] {
			t.Fatalf("since: %+v %v", since, err)
		}

		after, err := s.ListMessages(ctx, key, MessageQuery{AfterID: ids[1], Limit: 2})
		if err != nil || len(after) != 2 || after[0].ID != ids[2] || after[1].ID != ids[3] {
			t.Fatalf("after: %+v %v", after, err)
		}
	})
}

func TestStoreMarkReadIdempotentAndBounded(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustAppend(t, s, storedMessage(t, 1, "a", "b", ""))
		mustAppend(t, s, storedMessage(t, 2, "a", "b", ""))
		mustAppend(t, s, storedMessage(t, 3, "b", "a", ""))
		late := mustAppend(t, s, storedMessage(t, 10, "a", "b", ""))
		key, _ := ResolveKey("a", "b", "")

		through := testEpoch.Add(5 * time.Second)
		n, err := s.MarkRead(ctx, "b", key, through)
		if err != nil || n != 2 {
			t.Fatalf("first mark read: n=%d err=%v", n, err)
		}
		n, err = s.MarkRead(ctx, "b", key, through)
		if err != nil || n != 0 {
			t.Fatalf("second mark read: n=%d err=%v", n, err)
		}

		got, err := s.Get(ctx, late.ID)
		if err != nil {
			t.Fatalf("get late: %v", err)
		}
		if got.Read() {
			t.Fatalf("message created after the boundary must stay unread")
		}

		wm, ok, err := s.Watermark(ctx, "b", key)
		if err != nil || !ok || !wm.Equal(through) {
			t.Fatalf("watermark: %v %v %v", wm, ok, err)
		}
		// Watermark never moves backwards.
		if _, err := s.MarkRead(ctx, "b", key, testEpoch); err != nil {
			t.Fatalf("stale mark read: %v", err)
		}
		wm, _, _ = s.Watermark(ctx, "b", key)
		if !wm.Equal(through) {
			t.Fatalf("watermark moved backwards to %v", wm)
		}
		if _, ok, _ := s.Watermark(ctx, "a", key); ok {
			t.Fatalf("expected no watermark for a")
		}
	})
}

func TestStoreReadAtNeverMovesEarlier(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := mustAppend(t, s, storedMessage(t, 1, "a", "b", ""))
		key := m.ConversationKey

		first := testEpoch.Add(5 * time.Second)
		if _, err := s.MarkRead(ctx, "b", key, first); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if _, err := s.MarkRead(ctx, "b", key, testEpoch.Add(2*time.Second)); err != nil {
			t.Fatalf("mark read earlier: %v", err)
		}
		if _, err := s.MarkAllRead(ctx, "b", testEpoch.Add(9*time.Second)); err != nil {
			t.Fatalf("mark all read: %v", err)
		}
		got, _ := s.Get(ctx, m.ID)
		if got.ReadAt == nil || !got.ReadAt.Equal(first) {
			t.Fatalf("expected read_at %v, got %v", first, got.ReadAt)
		}
	})
}

func TestStoreMarkAllRead(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustAppend(t, s, storedMessage(t, 1, "a", "b", ""))
		mustAppend(t, s, storedMessage(t, 2, "c", "b", ""))
		mustAppend(t, s, storedMessage(t, 3, "c", "b", ""))
		mustAppend(t, s, storedMessage(t, 4, "b", "a", ""))

		marked, err := s.MarkAllRead(ctx, "b", testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("mark all read: %v", err)
		}
		ab, _ := ResolveKey("a", "b", "")
		bc, _ := ResolveKey("b", "c", "")
		if len(marked) != 2 || marked[ab] != 1 || marked[bc] != 2 {
			t.Fatalf("unexpected marked map %+v", marked)
		}
		heads, _ := s.ConversationHeads(ctx, "b", "", 10)
		for _, h := range heads {
			if h.UnreadCount != 0 {
				t.Fatalf("expected no unread after mark all, got %+v", h)
			}
		}
		heads, _ = s.ConversationHeads(ctx, "a", "", 10)
		if len(heads) != 1 || heads[0].UnreadCount != 1 {
			t.Fatalf("a's unread must be untouched, got %+v", heads)
		}
		again, err := s.MarkAllRead(ctx, "b", testEpoch.Add(time.Minute))
		if err != nil || len(again) != 0 {
			t.Fatalf("expected nothing left to mark, got %+v %v", again, err)
		}
	})
}

func TestStoreMarkDeliveredOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := mustAppend(t, s, storedMessage(t, 1, "a", "b", ""))
		ok, err := s.MarkDelivered(ctx, m.ID, testEpoch.Add(time.Second))
		if err != nil || !ok {
			t.Fatalf("first mark delivered: %v %v", ok, err)
		}
		ok, err = s.MarkDelivered(ctx, m.ID, testEpoch.Add(2*time.Second))
		if err != nil || ok {
			t.Fatalf("second mark delivered: %v %v", ok, err)
		}
		got, _ := s.Get(ctx, m.ID)
		if got.DeliveredAt == nil || !got.DeliveredAt.Equal(testEpoch.Add(time.Second)) {
			t.Fatalf("unexpected delivered_at %v", got.DeliveredAt)
		}
		if _, err := s.MarkDelivered(ctx, "missing", testEpoch); !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("expected ErrMessageNotFound, got %v", err)
		}
	})
}

func TestStoreConcurrentMarkReadCountsOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 1; i <= 20; i++ {
			mustAppend(t, s, storedMessage(t, i, "a", "b", ""))
		}
		key, _ := ResolveKey("a", "b", "")
		through := testEpoch.Add(time.Hour)

		var wg sync.WaitGroup
		var mu sync.Mutex
		total := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.MarkRead(ctx, "b", key, through)
				if err != nil {
					t.Errorf("mark read: %v", err)
					return
				}
				mu.Lock()
				total += n
				mu.Unlock()
			}()
		}
		wg.Wait()
		if total != 20 {
			t.Fatalf("expected 20 marked across all callers, got %d", total)
		}
	})
}

func TestStoreConcurrentAppendSameToken(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const senders = 16
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			ids   = map[string]bool{}
			fresh int
		)
		attempts := make([]Message, senders)
		for i := range attempts {
			attempts[i] = storedMessage(t, i+1, "a", "b", "t1")
		}
		for _, m := range attempts {
			wg.Add(1)
			go func(m Message) {
				defer wg.Done()
				got, dup, err := s.Append(ctx, m)
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[got.ID] = true
				if !dup {
					fresh++
				}
			}(m)
		}
		wg.Wait()
		if len(ids) != 1 || fresh != 1 {
			t.Fatalf("expected one stored message, got ids=%v fresh=%d", ids, fresh)
		}
		key, _ := ResolveKey("a", "b", "")
		msgs, err := s.ListMessages(ctx, key, MessageQuery{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected 1 stored message, got %d", len(msgs))
		}
	})
}

func TestStoreClosedOrCanceled(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Append(ctx, storedMessage(t, 1, "a", "b", "")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
