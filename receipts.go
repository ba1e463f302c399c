package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReadReceipts batches read acknowledgements. Triggers inside one window
// coalesce into a single flush and a single store write.
type ReadReceipts struct {
	cache          *Cache
	store          Store
	conversationID string
	userID         string
	window         time.Duration
	timeout        time.Duration
	log            zerolog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	retry  map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newReadReceipts(cache *Cache, store Store, conversationID, userID string, o *options) *ReadReceipts {
	return &ReadReceipts{
		cache:          cache,
		store:          store,
		conversationID: conversationID,
		userID:         userID,
		window:         o.readBatchWindow,
		timeout:        o.signalTimeout,
		log:            o.logger,
		retry:          make(map[string]struct{}),
	}
}

// Trigger schedules a flush at the end of the current batch window.
func (r *ReadReceipts) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.timer != nil {
		return
	}
	r.wg.Add(1)
	r.timer = time.AfterFunc(r.window, func() {
		defer r.wg.Done()
		r.mu.Lock()
		r.timer = nil
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Flush(ctx); err != nil {
			r.log.Warn().Err(err).Msg("read receipts flush failed, will retry")
		}
	})
}

// Flush marks every unread peer message read, locally and in the store, in
// one write. Ids whose write failed are kept and retried on the next flush.
func (r *ReadReceipts) Flush(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.retry))
	for id := range r.retry {
		ids = append(ids, id)
	}
	clear(r.retry)
	r.mu.Unlock()

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range r.cache.MarkRead(r.cache.UnreadFrom(r.userID)...) {
		if _, dup := seen[id]; !dup {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	if err := r.store.MarkRead(ctx, r.conversationID, ids); err != nil {
		r.mu.Lock()
		for _, id := range ids {
			r.retry[id] = struct{}{}
		}
		r.mu.Unlock()
		return fmt.Errorf("mark %d read: %w", len(ids), err)
	}
	r.log.Debug().Int("count", len(ids)).Msg("read receipts written")
	return nil
}

// Pending returns the number of ids waiting for a retry.
func (r *ReadReceipts) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retry)
}

// Close cancels a scheduled flush and waits for a running one.
func (r *ReadReceipts) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil && r.timer.Stop() {
		r.timer = nil
		r.wg.Done()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
