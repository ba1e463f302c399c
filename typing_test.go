package chatsync

import (
	"context"
	"slices"
	"testing"
	"time"
)

func newTestTracker(store Store, clock *fakeClock, idle time.Duration) *TypingTracker {
	o := options{now: clock.Now, typingIdle: idle}
	o.defaults()
	return newTypingTracker(store, testConv, testAlice, &o)
}

func lastTyping(store *MemoryStore) (TypingSignal, int) {
	sigs := store.TypingSignals()
	if len(sigs) == 0 {
		return TypingSignal{}, 0
	}
	return sigs[len(sigs)-1], len(sigs)
}

func TestTypingRemoteExpiry(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(NewMemoryStore(), clock, time.Second)
	defer tr.Close()

	tr.Observe(TypingSignal{ConversationID: testConv, UserID: testBob, Typing: true})
	if got := tr.Peers(); !slices.Equal(got, []string{testBob}) {
		t.Fatalf("expected [bob], got %v", got)
	}

	clock.Advance(2900 * time.Millisecond)
	if got := tr.Peers(); len(got) != 1 {
		t.Fatalf("bob should still be typing at 2.9s, got %v", got)
	}

	// No "stopped" signal ever arrives.
	clock.Advance(200 * time.Millisecond)
	if got := tr.Peers(); len(got) != 0 {
		t.Fatalf("bob should have expired, got %v", got)
	}
}

func TestTypingRemoteSignals(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(NewMemoryStore(), clock, time.Second)
	defer tr.Close()

	t.Run("self is ignored", func(t *testing.T) {
		tr.Observe(TypingSignal{ConversationID: testConv, UserID: testAlice, Typing: true})
		if got := tr.Peers(); len(got) != 0 {
			t.Fatalf("expected no peers, got %v", got)
		}
	})

	t.Run("stop removes immediately", func(t *testing.T) {
		tr.Observe(TypingSignal{ConversationID: testConv, UserID: testBob, Typing: true})
		tr.Observe(TypingSignal{ConversationID: testConv, UserID: testBob, Typing: false})
		if got := tr.Peers(); len(got) != 0 {
			t.Fatalf("expected no peers, got %v", got)
		}
	})

	t.Run("refresh extends the window", func(t *testing.T) {
		tr.Observe(TypingSignal{ConversationID: testConv, UserID: "carol", Typing: true})
		clock.Advance(2 * time.Second)
		tr.Observe(TypingSignal{ConversationID: testConv, UserID: "carol", Typing: true})
		clock.Advance(2 * time.Second)
		if got := tr.Peers(); !slices.Equal(got, []string{"carol"}) {
			t.Fatalf("expected [carol], got %v", got)
		}
	})

	t.Run("sorted", func(t *testing.T) {
		tr.Observe(TypingSignal{ConversationID: testConv, UserID: "zed", Typing: true})
		tr.Observe(TypingSignal{ConversationID: testConv, UserID: "amy", Typing: true})
		got := tr.Peers()
		if !slices.IsSorted(got) {
			t.Fatalf("expected sorted peers, got %v", got)
		}
	})
}

func TestTypingLocalPublish(t *testing.T) {
	t.Run("keystrokes are debounced", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newTestTracker(store, newFakeClock(), time.Minute)
		defer tr.Close()

		for _, text := range []string{"O", "Ol", "Olá", "Olá!"} {
			tr.InputChanged(text)
		}
		tr.wg.Wait()

		sigs := store.TypingSignals()
		if len(sigs) != 1 || !sigs[0].Typing || sigs[0].UserID != testAlice {
			t.Fatalf("expected a single typing=true publish, got %+v", sigs)
		}
	})

	t.Run("stop publishes false", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newTestTracker(store, newFakeClock(), time.Minute)
		defer tr.Close()

		tr.InputChanged("hi")
		tr.Stop()
		tr.wg.Wait()

		last, n := lastTyping(store)
		if n == 0 || last.Typing {
			t.Fatalf("expected final typing=false, got %+v (n=%d)", last, n)
		}
		if tr.Typing() {
			t.Fatal("tracker should not be typing")
		}
	})

	t.Run("empty input stops", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newTestTracker(store, newFakeClock(), time.Minute)
		defer tr.Close()

		tr.InputChanged("hi")
		tr.InputChanged("")
		tr.wg.Wait()

		if last, _ := lastTyping(store); last.Typing {
			t.Fatal("expected typing=false after clearing input")
		}
	})

	t.Run("idle timeout stops", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newTestTracker(store, newFakeClock(), 20*time.Millisecond)
		defer tr.Close()

		tr.InputChanged("hi")
		eventually(t, "idle stop", func() bool {
			last, n := lastTyping(store)
			return n >= 1 && !last.Typing
		})
	})

	t.Run("superseded idle timer is ignored", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newTestTracker(store, newFakeClock(), time.Hour)
		defer tr.Close()

		tr.InputChanged("h")
		tr.mu.Lock()
		stale := tr.idleGen
		tr.mu.Unlock()

		tr.InputChanged("he")
		// The first timer's callback got the lock only after the re-arm.
		tr.idleExpired(stale)
		tr.wg.Wait()
		if !tr.Typing() {
			t.Fatal("stale idle callback must not stop typing")
		}
		if last, _ := lastTyping(store); !last.Typing {
			t.Fatal("stale idle callback must not publish typing=false")
		}

		tr.mu.Lock()
		current := tr.idleGen
		tr.mu.Unlock()
		tr.idleExpired(current)
		tr.wg.Wait()
		if tr.Typing() {
			t.Fatal("current idle callback should stop typing")
		}
	})

	t.Run("stop when idle is a no-op", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newTestTracker(store, newFakeClock(), time.Minute)
		tr.Stop()
		tr.Close()
		if _, n := lastTyping(store); n != 0 {
			t.Fatalf("expected no publishes, got %d", n)
		}
	})

	t.Run("close clears typing", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newTestTracker(store, newFakeClock(), time.Minute)
		tr.InputChanged("hi")
		tr.Close()

		if last, _ := lastTyping(store); last.Typing {
			t.Fatal("expected typing=false after close")
		}
		tr.InputChanged("after close")
		tr.wg.Wait()
		if last, _ := lastTyping(store); last.Typing {
			t.Fatal("closed tracker must not publish")
		}
	})
}

func TestTypingPublishFailureDoesNotBlock(t *testing.T) {
	store := NewMemoryStore()
	store.SetOffline(true)
	tr := newTestTracker(store, newFakeClock(), time.Minute)
	defer tr.Close()

	done := make(chan struct{})
	go func() {
		tr.InputChanged("hi")
		tr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("typing calls blocked on a failing store")
	}
}

func TestSessionTypingEvents(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	s := openTestSession(t, store, testAlice, WithClock(clock.Now))
	rec := &recorder{}
	s.OnEvent(rec.handle)

	if err := store.SetTyping(context.Background(), TypingSignal{ConversationID: testConv, UserID: testBob, Typing: true}); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if got := s.TypingPeers(); !slices.Equal(got, []string{testBob}) {
		t.Fatalf("expected [bob], got %v", got)
	}

	clock.Advance(DefaultTypingExpiry)
	eventually(t, "typing expiry event", func() bool {
		evs := rec.of(EventTypingChanged)
		return len(evs) >= 2 && len(evs[len(evs)-1].Peers) == 0
	})
	if first := rec.of(EventTypingChanged)[0]; !slices.Equal(first.Peers, []string{testBob}) {
		t.Fatalf("first typing event should list bob, got %v", first.Peers)
	}
}
