package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TypingTracker publishes the local user's typing flag and derives the set of
// peers currently typing. Remote membership is computed from local receipt
// times only, so a lost "stopped" signal still expires.
type TypingTracker struct {
	store          Store
	conversationID string
	userID         string
	log            zerolog.Logger
	now            func() time.Time
	idle           time.Duration
	expiry         time.Duration
	timeout        time.Duration
	limiter        *rate.Limiter

	mu        sync.Mutex
	typing    bool
	idleTimer *time.Timer
	idleGen   uint64
	peers     map[string]time.Time
	closed    bool

	pubMu   sync.Mutex
	pubSeq  uint64
	lastSeq uint64
	wg      sync.WaitGroup
}

func newTypingTracker(store Store, conversationID, userID string, o *options) *TypingTracker {
	return &TypingTracker{
		store:          store,
		conversationID: conversationID,
		userID:         userID,
		log:            o.logger,
		now:            o.now,
		idle:           o.typingIdle,
		expiry:         o.typingExpiry,
		timeout:        o.signalTimeout,
		limiter:        rate.NewLimiter(rate.Every(o.typingPublishInterval), 1),
		peers:          make(map[string]time.Time),
	}
}

// InputChanged reacts to an edit of the compose buffer. Non-empty text marks
// the user as typing and re-arms the idle timer; empty text stops typing.
func (t *TypingTracker) InputChanged(text string) {
	if strings.TrimSpace(text) == "" {
		t.Stop()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleGen++
	gen := t.idleGen
	t.idleTimer = time.AfterFunc(t.idle, func() { t.idleExpired(gen) })
	started := !t.typing
	t.typing = true
	publish := t.limiter.Allow() || started
	t.mu.Unlock()

	if publish {
		t.publishAsync(true)
	}
}

// Stop publishes "stopped" if the local user is currently typing.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	publish := t.stopLocked()
	t.mu.Unlock()
	if publish {
		t.publishAsync(false)
	}
}

// idleExpired runs when the idle timer of generation gen fires. A timer that
// was re-armed while its callback waited for the lock does nothing.
func (t *TypingTracker) idleExpired(gen uint64) {
	t.mu.Lock()
	if gen != t.idleGen {
		t.mu.Unlock()
		return
	}
	publish := t.stopLocked()
	t.mu.Unlock()
	if publish {
		t.publishAsync(false)
	}
}

func (t *TypingTracker) stopLocked() bool {
	t.idleGen++
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.closed || !t.typing {
		return false
	}
	t.typing = false
	return true
}

// Typing reports whether the local user is marked as typing.
func (t *TypingTracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Observe applies a remote typing signal. Signals from the local user are
// ignored.
func (t *TypingTracker) Observe(sig TypingSignal) {
	if sig.UserID == "" || sig.UserID == t.userID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sig.Typing {
		t.peers[sig.UserID] = t.now()
	} else {
		delete(t.peers, sig.UserID)
	}
}

// Peers returns the sorted ids of peers whose last "typing" signal is younger
// than the expiry window. Expired entries are dropped.
func (t *TypingTracker) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ids := make([]string, 0, len(t.peers))
	for id, seen := range t.peers {
		if now.Sub(seen) >= t.expiry {
			delete(t.peers, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels the idle timer and publishes "stopped" once more if needed.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	wasTyping := t.typing
	t.typing = false
	t.mu.Unlock()

	if wasTyping {
		t.publishAsync(false)
	}
	t.wg.Wait()
}

// publishAsync writes the flag without blocking the caller. A publish that
// loses the race to a newer one is dropped so the store ends on the latest
// value.
func (t *TypingTracker) publishAsync(typing bool) {
	t.pubMu.Lock()
	t.pubSeq++
	seq := t.pubSeq
	t.pubMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.pubMu.Lock()
		defer t.pubMu.Unlock()
		if seq < t.lastSeq {
			return
		}
		t.lastSeq = seq

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		err := t.store.SetTyping(ctx, TypingSignal{
			ConversationID: t.conversationID,
			UserID:         t.userID,
			Typing:         typing,
			At:             t.now(),
		})
		if err != nil {
			t.log.Debug().Err(err).Bool("typing", typing).Msg("publish typing")
		}
	}()
}
