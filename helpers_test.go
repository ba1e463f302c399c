package chatsync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testConv  = "conv-001"
	testAlice = "alice"
	testBob   = "bob"
)

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func textMsg(id, sender, body string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: testConv,
		SenderID:       sender,
		Body:           body,
		Kind:           KindText,
		CreatedAt:      at,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func openTestSession(t *testing.T, store Store, userID string, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithReconnect(ReconnectConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 5}),
		WithSendRetries(2, time.Millisecond),
		WithReadBatchWindow(10 * time.Millisecond),
		WithTypingTick(10 * time.Millisecond),
	}
	s, err := Open(context.Background(), store, Conversation{ID: testConv, ParticipantIDs: []string{testAlice, testBob}}, userID, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder collects session events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) of(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// stubTranslator counts calls and can be slowed down or made to fail.
type stubTranslator struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
	out   string
}

func (s *stubTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	s.mu.Lock()
	s.calls++
	delay, err, out := s.delay, s.err, s.out
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if out == "" {
		out = "[" + target + "] " + text
	}
	return out, nil
}

func (s *stubTranslator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubBlobs records uploads.
type stubBlobs struct {
	mu      sync.Mutex
	paths   []string
	types   []string
	sizes   []int
	err     error
	baseURL string
}

func (b *stubBlobs) Upload(_ context.Context, data []byte, path, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.paths = append(b.paths, path)
	b.types = append(b.types, contentType)
	b.sizes = append(b.sizes, len(data))
	base := b.baseURL
	if base == "" {
		base = "https://cdn.test/"
	}
	return base + path, nil
}

var errBoom = errors.New("boom")

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
