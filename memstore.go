package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. Server ids are ULIDs and
// timestamps come from the store clock. Changes are delivered synchronously
// on the writer's goroutine, after the write is visible to queries.
//
// It is meant for tests, demos and the CLI's offline mode; SetOffline and
// FailInserts simulate an unreliable backend.
type MemoryStore struct {
	// Now is the store clock. It defaults to time.Now.
	Now func() time.Time

	mu       sync.RWMutex
	messages map[string]*Message
	byNonce  map[string]string // conversation/sender/nonce -> id
	subs     map[*memSubscription]struct{}
	typing   []TypingSignal
	reads    [][]string
	inserts  int

	offline     bool
	failInserts int
	failErr     error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:      time.Now,
		messages: make(map[string]*Message),
		byNonce:  make(map[string]string),
		subs:     make(map[*memSubscription]struct{}),
	}
}

// ── Messages ─────────────────────────────────────────────

// Insert stores m under a new server id. Inserts that repeat a client nonce
// return the row written the first time.
func (s *MemoryStore) Insert(ctx context.Context, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, Transient("insert", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, Rejected("insert", err)
	}

	s.mu.Lock()
	s.inserts++
	if s.offline {
		s.mu.Unlock()
		return Message{}, Transient("insert", errors.New("store offline"))
	}
	if s.failInserts != 0 {
		if s.failInserts > 0 {
			s.failInserts--
		}
		err := s.failErr
		s.mu.Unlock()
		return Message{}, err
	}
	nonceKey := ""
	if m.ClientNonce != "" {
		nonceKey = m.ConversationID + "/" + m.SenderID + "/" + m.ClientNonce
		if id, ok := s.byNonce[nonceKey]; ok {
			existing := s.messages[id].clone()
			s.mu.Unlock()
			return existing, nil
		}
	}

	row := m.clone()
	row.ID = ulid.Make().String()
	row.CreatedAt = s.Now()
	row.Read = false
	s.messages[row.ID] = &row
	if nonceKey != "" {
		s.byNonce[nonceKey] = row.ID
	}
	out := row.clone()
	subs := s.subscribersLocked(row.ConversationID)
	s.mu.Unlock()

	deliver(subs, Change{Op: OpInsert, Message: &out})
	return out.clone(), nil
}

// Put stores rows as-is without notifying subscribers. It is used to seed
// history.
func (s *MemoryStore) Put(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		row := m.clone()
		s.messages[row.ID] = &row
	}
}

func (s *MemoryStore) UpdateFields(ctx context.Context, u FieldUpdate) error {
	if err := ctx.Err(); err != nil {
		return Transient("update", err)
	}
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return Transient("update", errors.New("store offline"))
	}
	m, ok := s.messages[u.ID]
	if !ok {
		s.mu.Unlock()
		return Rejected("update", fmt.Errorf("message %s not found", u.ID))
	}
	if u.Read != nil && *u.Read {
		m.Read = true
	}
	if u.Translation != nil {
		t := *u.Translation
		m.Translation = &t
	}
	subs := s.subscribersLocked(m.ConversationID)
	s.mu.Unlock()

	deliver(subs, Change{Op: OpUpdate, Update: &u})
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return Transient("mark read", err)
	}
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return Transient("mark read", errors.New("store offline"))
	}
	s.reads = append(s.reads, append([]string(nil), ids...))
	var changed []string
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && m.ConversationID == conversationID && !m.Read {
			m.Read = true
			changed = append(changed, id)
		}
	}
	subs := s.subscribersLocked(conversationID)
	s.mu.Unlock()

	read := true
	for _, id := range changed {
		deliver(subs, Change{Op: OpUpdate, Update: &FieldUpdate{ID: id, Read: &read}})
	}
	return nil
}

func (s *MemoryStore) QueryRecent(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("query", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, Transient("query", errors.New("store offline"))
	}

	var result []Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		result = append(result, m.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) SetTyping(ctx context.Context, sig TypingSignal) error {
	if err := ctx.Err(); err != nil {
		return Transient("typing", err)
	}
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return Transient("typing", errors.New("store offline"))
	}
	s.typing = append(s.typing, sig)
	subs := s.subscribersLocked(sig.ConversationID)
	s.mu.Unlock()

	deliver(subs, Change{Op: OpTyping, Typing: &sig})
	return nil
}

// ── Subscriptions ────────────────────────────────────────

func (s *MemoryStore) Subscribe(ctx context.Context, conversationID string, h ChangeHandler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("subscribe", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, Transient("subscribe", errors.New("store offline"))
	}
	sub := &memSubscription{
		store:          s,
		conversationID: conversationID,
		handler:        h,
		done:           make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// SetOffline simulates a network partition. Going offline ends every live
// subscription with a transient error and fails all calls until the store is
// back online.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	var dropped []*memSubscription
	if offline {
		for sub := range s.subs {
			dropped = append(dropped, sub)
			delete(s.subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range dropped {
		sub.end(Transient("subscribe", errors.New("connection lost")))
	}
}

// FailInserts makes the next n inserts fail with err. A negative n fails all
// inserts until FailInserts(0, nil) is called.
func (s *MemoryStore) FailInserts(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInserts = n
	s.failErr = err
}

// ── Inspection ───────────────────────────────────────────

// Get returns a stored row.
func (s *MemoryStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Count returns the number of rows in a conversation.
func (s *MemoryStore) Count(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n
}

// InsertAttempts returns how many times Insert was called.
func (s *MemoryStore) InsertAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserts
}

// MarkReadCalls returns the id batches passed to MarkRead, in call order.
func (s *MemoryStore) MarkReadCalls() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]string, len(s.reads))
	copy(out, s.reads)
	return out
}

// TypingSignals returns every typing signal written so far.
func (s *MemoryStore) TypingSignals() []TypingSignal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TypingSignal(nil), s.typing...)
}

// Subscribers returns the number of live subscriptions.
func (s *MemoryStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *MemoryStore) subscribersLocked(conversationID string) []*memSubscription {
	var out []*memSubscription
	for sub := range s.subs {
		if sub.conversationID == conversationID {
			out = append(out, sub)
		}
	}
	return out
}

func deliver(subs []*memSubscription, ch Change) {
	for _, sub := range subs {
		sub.deliver(ch)
	}
}

// ============================================================================
// memSubscription
// ============================================================================

type memSubscription struct {
	store          *MemoryStore
	conversationID string
	handler        ChangeHandler

	deliverMu sync.Mutex
	once      sync.Once
	mu        sync.Mutex
	err       error
	done      chan struct{}
}

func (s *memSubscription) deliver(ch Change) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.handler(ch)
}

func (s *memSubscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *memSubscription) Done() <-chan struct{} { return s.done }

func (s *memSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memSubscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()
	s.end(nil)
	return nil
}
