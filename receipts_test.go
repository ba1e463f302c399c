package chatsync

import (
	"context"
	"slices"
	"testing"
	"time"
)

func insertPeer(t *testing.T, store *MemoryStore, body string) Message {
	t.Helper()
	m, err := store.Insert(context.Background(), Message{ConversationID: testConv, SenderID: testBob, Kind: KindText, Body: body})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return m
}

func TestReadReceiptsOnOpen(t *testing.T) {
	store := NewMemoryStore()
	store.Put(
		textMsg("m1", testBob, "a", testEpoch),
		textMsg("m2", testAlice, "b", testEpoch.Add(time.Second)),
		textMsg("m3", testBob, "c", testEpoch.Add(2*time.Second)),
	)
	s := openTestSession(t, store, testAlice)

	eventually(t, "mark read write", func() bool { return len(store.MarkReadCalls()) == 1 })
	call := store.MarkReadCalls()[0]
	slices.Sort(call)
	if !slices.Equal(call, []string{"m1", "m3"}) {
		t.Fatalf("expected peer messages m1,m3 in one write, got %v", call)
	}
	for _, m := range s.Messages() {
		if m.SenderID == testBob && !m.Read {
			t.Fatalf("%s should be read locally", m.ID)
		}
	}
}

func TestReadReceiptsCoalesce(t *testing.T) {
	store := NewMemoryStore()
	s := openTestSession(t, store, testAlice, WithReadBatchWindow(150*time.Millisecond))

	for _, body := range []string{"one", "two", "three"} {
		insertPeer(t, store, body)
	}
	eventually(t, "batched write", func() bool { return len(store.MarkReadCalls()) >= 1 })
	time.Sleep(200 * time.Millisecond)

	calls := store.MarkReadCalls()
	if len(calls) != 1 || len(calls[0]) != 3 {
		t.Fatalf("expected one write with 3 ids, got %v", calls)
	}
	for _, m := range s.Messages() {
		if !m.Read {
			t.Fatalf("%s should be read", m.ID)
		}
	}
}

func TestReadReceiptsRetry(t *testing.T) {
	store := NewMemoryStore()
	store.Put(textMsg("m1", testBob, "a", testEpoch), textMsg("m2", testBob, "b", testEpoch.Add(time.Second)))

	cache := NewCache()
	msgs, _ := store.QueryRecent(context.Background(), testConv, 10, time.Time{})
	for _, m := range msgs {
		cache.Append(m)
	}
	var o options
	o.defaults()
	r := newReadReceipts(cache, store, testConv, testAlice, &o)
	defer r.Close()

	store.SetOffline(true)
	if err := r.Flush(context.Background()); err == nil {
		t.Fatal("expected flush to fail while offline")
	}
	if r.Pending() != 2 {
		t.Fatalf("expected 2 pending ids, got %d", r.Pending())
	}
	if unread := cache.UnreadFrom(testAlice); len(unread) != 0 {
		t.Fatalf("local read state must not roll back, unread=%v", unread)
	}

	store.SetOffline(false)
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", r.Pending())
	}
	calls := store.MarkReadCalls()
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("expected retried write with 2 ids, got %v", calls)
	}
	for _, id := range []string{"m1", "m2"} {
		if m, _ := store.Get(id); !m.Read {
			t.Fatalf("%s should be read in the store", id)
		}
	}
}

func TestReadReceiptsForeground(t *testing.T) {
	store := NewMemoryStore()
	s := openTestSession(t, store, testAlice)
	s.SetForeground(false)
	time.Sleep(30 * time.Millisecond) // let the flush scheduled on open run

	m := insertPeer(t, store, "while away")
	time.Sleep(50 * time.Millisecond)
	if got, _ := s.Message(m.ID); got.Read {
		t.Fatal("message must stay unread while backgrounded")
	}
	if n := len(store.MarkReadCalls()); n != 0 {
		t.Fatalf("expected no writes while backgrounded, got %d", n)
	}

	s.SetForeground(true)
	eventually(t, "read on foreground", func() bool {
		got, _ := s.Message(m.ID)
		return got.Read && len(store.MarkReadCalls()) == 1
	})
}

func TestReadReceiptsNothingToDo(t *testing.T) {
	store := NewMemoryStore()
	s := openTestSession(t, store, testAlice)
	if _, err := s.SendText("only mine"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	s.sends.wait()
	s.MarkRead()
	time.Sleep(50 * time.Millisecond)
	if n := len(store.MarkReadCalls()); n != 0 {
		t.Fatalf("own messages must not produce receipts, got %d writes", n)
	}
}
