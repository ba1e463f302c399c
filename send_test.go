package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// heldEchoStore holds back insert notifications until released, so the insert
// ack arrives before the echo.
type heldEchoStore struct {
	*MemoryStore
	stripNonce bool

	mu      sync.Mutex
	held    []Change
	handler ChangeHandler
}

func (s *heldEchoStore) Subscribe(ctx context.Context, conversationID string, h ChangeHandler) (Subscription, error) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	return s.MemoryStore.Subscribe(ctx, conversationID, func(ch Change) {
		if ch.Op != OpInsert {
			h(ch)
			return
		}
		if s.stripNonce {
			m := *ch.Message
			m.ClientNonce = ""
			ch.Message = &m
		}
		s.mu.Lock()
		s.held = append(s.held, ch)
		s.mu.Unlock()
	})
}

func (s *heldEchoStore) release() {
	s.mu.Lock()
	held, h := s.held, s.handler
	s.held = nil
	s.mu.Unlock()
	for _, ch := range held {
		h(ch)
	}
}

func TestSendReconcilesExactlyOnce(t *testing.T) {
	t.Run("echo before ack", func(t *testing.T) {
		store := NewMemoryStore()
		s := openTestSession(t, store, testAlice)

		sent, err := s.SendText("Olá")
		if err != nil {
			t.Fatalf("SendText: %v", err)
		}
		if !sent.IsProvisional() || sent.ClientNonce == "" {
			t.Fatalf("expected provisional message with nonce, got %+v", sent)
		}
		s.sends.wait()

		msgs := s.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if msgs[0].IsProvisional() {
			t.Fatalf("message was not reconciled: %s", msgs[0].ID)
		}
		if store.Count(testConv) != 1 {
			t.Fatalf("expected 1 stored row, got %d", store.Count(testConv))
		}
	})

	t.Run("ack before echo", func(t *testing.T) {
		store := &heldEchoStore{MemoryStore: NewMemoryStore()}
		s := openTestSession(t, store, testAlice)

		sent, err := s.SendText("Olá")
		if err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.sends.wait()

		if state, ok := s.sends.state(sent.ID); !ok || state != SendAcknowledged {
			t.Fatalf("expected acknowledged, got %q %v", state, ok)
		}
		if msgs := s.Messages(); len(msgs) != 1 || msgs[0].ID != sent.ID {
			t.Fatalf("provisional entry should remain until the echo: %v", ids(msgs))
		}

		store.release()
		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].IsProvisional() {
			t.Fatalf("expected one reconciled message, got %v", ids(msgs))
		}
		if _, ok := s.sends.state(sent.ID); ok {
			t.Fatal("send should no longer be tracked")
		}
	})

	t.Run("echo without nonce matches server id", func(t *testing.T) {
		store := &heldEchoStore{MemoryStore: NewMemoryStore(), stripNonce: true}
		s := openTestSession(t, store, testAlice)

		if _, err := s.SendText("Olá"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.sends.wait()
		store.release()

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].IsProvisional() {
			t.Fatalf("expected one reconciled message, got %v", ids(msgs))
		}
	})

	t.Run("refetch of reconciled message is ignored", func(t *testing.T) {
		store := NewMemoryStore()
		s := openTestSession(t, store, testAlice)

		if _, err := s.SendText("Olá"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.sends.wait()
		if err := s.resync(context.Background()); err != nil {
			t.Fatalf("resync: %v", err)
		}
		if n := len(s.Messages()); n != 1 {
			t.Fatalf("expected 1 message after refetch, got %d", n)
		}
	})
}

func TestSendConcurrent(t *testing.T) {
	store := NewMemoryStore()
	s := openTestSession(t, store, testAlice)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.SendText(fmt.Sprintf("message %d", i)); err != nil {
				t.Errorf("SendText %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	s.sends.wait()

	msgs := s.Messages()
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.IsProvisional() {
			t.Fatalf("message %d not reconciled", i)
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("out of order at %d", i)
		}
	}
	if store.Count(testConv) != 20 {
		t.Fatalf("expected 20 rows, got %d", store.Count(testConv))
	}
}

func TestSendRollback(t *testing.T) {
	t.Run("rejected insert restores compose buffer", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailInserts(-1, Rejected("insert", errors.New("permission denied")))
		s := openTestSession(t, store, testAlice)
		rec := &recorder{}
		s.OnEvent(rec.handle)

		s.SetInput("Olá")
		sent, err := s.SendText(s.Input())
		if err != nil {
			t.Fatalf("SendText: %v", err)
		}
		if s.Input() != "" {
			t.Fatalf("compose buffer should be cleared on send, got %q", s.Input())
		}
		s.sends.wait()

		if n := len(s.Messages()); n != 0 {
			t.Fatalf("provisional message should be removed, got %d messages", n)
		}
		if s.Input() != "Olá" {
			t.Fatalf("expected compose buffer restored to %q, got %q", "Olá", s.Input())
		}
		failed := rec.of(EventSendFailed)
		if len(failed) != 1 {
			t.Fatalf("expected 1 send failure event, got %d", len(failed))
		}
		if failed[0].Message.ID != sent.ID || !errors.Is(failed[0].Err, ErrRejected) {
			t.Fatalf("unexpected failure event: %+v", failed[0])
		}
		if store.InsertAttempts() != 1 {
			t.Fatalf("rejected insert must not be retried, got %d attempts", store.InsertAttempts())
		}
	})

	t.Run("transient errors are retried", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailInserts(2, Transient("insert", errBoom))
		s := openTestSession(t, store, testAlice)

		if _, err := s.SendText("Olá"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.sends.wait()

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].IsProvisional() {
			t.Fatalf("expected reconciled message after retries, got %v", ids(msgs))
		}
		if store.InsertAttempts() != 3 {
			t.Fatalf("expected 3 attempts, got %d", store.InsertAttempts())
		}
	})

	t.Run("retries exhausted", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailInserts(-1, Transient("insert", errBoom))
		s := openTestSession(t, store, testAlice)
		rec := &recorder{}
		s.OnEvent(rec.handle)

		if _, err := s.SendText("Olá"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.sends.wait()

		if n := len(s.Messages()); n != 0 {
			t.Fatalf("expected rollback, got %d messages", n)
		}
		if failed := rec.of(EventSendFailed); len(failed) != 1 || !errors.Is(failed[0].Err, ErrTransient) {
			t.Fatalf("expected one transient failure event, got %+v", failed)
		}
		if store.InsertAttempts() != 3 {
			t.Fatalf("expected 3 attempts, got %d", store.InsertAttempts())
		}
	})

	t.Run("newer draft is not overwritten", func(t *testing.T) {
		store := &heldEchoStore{MemoryStore: NewMemoryStore()}
		store.FailInserts(-1, Rejected("insert", errBoom))
		s := openTestSession(t, store, testAlice)

		if _, err := s.SendText("first"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.SetInput("second")
		s.sends.wait()
		if s.Input() != "second" {
			t.Fatalf("expected draft to survive rollback, got %q", s.Input())
		}
	})
}

func TestSendDefaultRetries(t *testing.T) {
	t.Run("transient failure retried without options", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailInserts(1, Transient("insert", errBoom))
		s, err := Open(context.Background(), store, Conversation{ID: testConv}, testAlice)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer s.Close()

		s.SetInput("Olá")
		if _, err := s.SendText(s.Input()); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.sends.wait()

		if store.InsertAttempts() != 2 {
			t.Fatalf("expected the default retry to run, got %d attempts", store.InsertAttempts())
		}
		if store.Count(testConv) != 1 {
			t.Fatalf("expected the message stored, got %d rows", store.Count(testConv))
		}
		eventually(t, "reconciled message", func() bool {
			msgs := s.Messages()
			return len(msgs) == 1 && !msgs[0].IsProvisional()
		})
		if s.Input() != "" {
			t.Fatalf("compose buffer should stay cleared, got %q", s.Input())
		}
	})

	t.Run("explicit zero disables retries", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailInserts(1, Transient("insert", errBoom))
		s, err := Open(context.Background(), store, Conversation{ID: testConv}, testAlice, WithSendRetries(0, 0))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer s.Close()

		if _, err := s.SendText("Olá"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		s.sends.wait()

		if store.InsertAttempts() != 1 {
			t.Fatalf("expected a single attempt, got %d", store.InsertAttempts())
		}
		if n := len(s.Messages()); n != 0 {
			t.Fatalf("expected rollback, got %d messages", n)
		}
	})
}

// slowInsertStore completes every insert after a delay unless its context
// ends first.
type slowInsertStore struct {
	*MemoryStore
	delay time.Duration
}

func (s *slowInsertStore) Insert(ctx context.Context, m Message) (Message, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return Message{}, Transient("insert", ctx.Err())
	}
	return s.MemoryStore.Insert(ctx, m)
}

func TestSendSurvivesClose(t *testing.T) {
	store := &slowInsertStore{MemoryStore: NewMemoryStore(), delay: 100 * time.Millisecond}
	s, err := Open(context.Background(), store, Conversation{ID: testConv}, testAlice, WithSendRetries(0, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := &recorder{}
	s.OnEvent(rec.handle)

	if _, err := s.SendText("Olá"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.Count(testConv) != 0 {
		t.Fatal("insert should still be pending when Close returns")
	}
	s.sends.wait()

	if store.Count(testConv) != 1 {
		t.Fatalf("in-flight insert should complete after Close, got %d rows", store.Count(testConv))
	}
	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].IsProvisional() {
		t.Fatalf("late ack must not touch the closed session's cache, got %v", ids(msgs))
	}
	if len(rec.of(EventSendFailed)) != 0 {
		t.Fatal("no failure expected for a send that completed")
	}
}

func TestSendTimeout(t *testing.T) {
	store := &slowInsertStore{MemoryStore: NewMemoryStore(), delay: time.Hour}
	s := openTestSession(t, store, testAlice, WithSendRetries(0, 0), WithSendTimeout(20*time.Millisecond))
	rec := &recorder{}
	s.OnEvent(rec.handle)

	if _, err := s.SendText("Olá"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	s.sends.wait()

	if failed := rec.of(EventSendFailed); len(failed) != 1 || !errors.Is(failed[0].Err, ErrTransient) {
		t.Fatalf("expected a transient failure after the send timeout, got %+v", failed)
	}
	if n := len(s.Messages()); n != 0 {
		t.Fatalf("expected rollback, got %d messages", n)
	}
}

func TestSendValidation(t *testing.T) {
	store := NewMemoryStore()
	s := openTestSession(t, store, testAlice)

	if _, err := s.SendText("   "); err == nil {
		t.Fatal("expected error for blank text")
	}
	if _, err := s.Send(Message{Kind: KindVoice, Attachment: &Attachment{URL: "https://x"}}); err == nil {
		t.Fatal("expected error for voice without duration")
	}
	if n := len(s.Messages()); n != 0 {
		t.Fatalf("invalid sends must not touch the cache, got %d messages", n)
	}
	if store.InsertAttempts() != 0 {
		t.Fatalf("invalid sends must not reach the store, got %d", store.InsertAttempts())
	}
}

func TestSendAfterClose(t *testing.T) {
	store := NewMemoryStore()
	s := openTestSession(t, store, testAlice)
	s.Close()
	if _, err := s.SendText("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSendNotifies(t *testing.T) {
	store := NewMemoryStore()
	var mu sync.Mutex
	var kinds []NotifyKind
	n := NotifierFunc(func(k NotifyKind) {
		mu.Lock()
		kinds = append(kinds, k)
		mu.Unlock()
	})
	s := openTestSession(t, store, testAlice, WithNotifier(n))

	if _, err := s.SendText("hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	s.sends.wait()

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != NotifySent {
		t.Fatalf("expected one sent notification, got %v", kinds)
	}
}
