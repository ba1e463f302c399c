package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pendingSend tracks one outgoing message from submit until it is reconciled
// or rolled back.
type pendingSend struct {
	msg      Message // provisional copy as appended to the cache
	state    SendState
	serverID string
}

// sendCoordinator owns the optimistic send lifecycle. The provisional entry
// is replaced exactly once, whichever of insert ack and echo comes first.
type sendCoordinator struct {
	cache      *Cache
	store      Store
	log        zerolog.Logger
	metrics    *metrics
	notifier   Notifier
	now        func() time.Time
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
	closed     func() bool

	onReconciled func(provisionalID string, m Message)
	onFailed     func(m Message, err error)

	mu      sync.Mutex
	pending map[string]*pendingSend
	wg      sync.WaitGroup
}

func newSendCoordinator(cache *Cache, store Store, o *options, closed func() bool) *sendCoordinator {
	return &sendCoordinator{
		cache:      cache,
		store:      store,
		log:        o.logger,
		notifier:   o.notifier,
		now:        o.now,
		retries:    o.sendRetries,
		retryDelay: o.sendRetryDelay,
		timeout:    o.sendTimeout,
		closed:     closed,
		pending:    make(map[string]*pendingSend),
	}
}

// submit appends a provisional copy of m and starts the insert. The insert
// runs under its own deadline and is not cancelled by session teardown.
func (c *sendCoordinator) submit(m Message) (Message, error) {
	m.ID = ProvisionalPrefix + uuid.NewString()
	m.ClientNonce = uuid.NewString()
	m.CreatedAt = c.now()
	m.Read = false
	m.Translation = nil
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("send: %w", err)
	}

	p := &pendingSend{msg: m.clone(), state: SendPending}
	c.mu.Lock()
	c.pending[m.ID] = p
	c.mu.Unlock()
	c.cache.Append(m)

	c.log.Debug().Str("message_id", m.ID).Str("kind", string(m.Kind)).Msg("send submitted")

	c.wg.Add(1)
	go c.insert(p)
	return m.clone(), nil
}

func (c *sendCoordinator) insert(p *pendingSend) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var (
		saved Message
		err   error
	)
	for attempt := 0; ; attempt++ {
		saved, err = c.store.Insert(ctx, p.msg)
		if err == nil || !IsRetryable(err) || attempt >= c.retries {
			break
		}
		c.log.Warn().Err(err).Str("message_id", p.msg.ID).Int("attempt", attempt+1).Msg("insert failed, retrying")
		if !sleepCtx(ctx, c.retryDelay*time.Duration(attempt+1)) {
			break
		}
	}
	if c.closed() {
		return
	}
	if err != nil {
		c.fail(p, err)
		return
	}
	c.acknowledge(p, saved)
}

func (c *sendCoordinator) acknowledge(p *pendingSend, saved Message) {
	c.metrics.send("acknowledged")
	c.notifier.Notify(NotifySent)

	c.mu.Lock()
	if p.state != SendPending {
		c.mu.Unlock()
		return
	}
	p.state = SendAcknowledged
	p.serverID = saved.ID
	c.mu.Unlock()

	c.log.Debug().Str("message_id", p.msg.ID).Str("server_id", saved.ID).Msg("send acknowledged")

	// The echo may already have been appended without a correlation key.
	if _, ok := c.cache.Get(saved.ID); ok {
		c.reconcile(saved)
	}
}

func (c *sendCoordinator) fail(p *pendingSend, err error) {
	c.mu.Lock()
	if p.state != SendPending {
		c.mu.Unlock()
		return
	}
	p.state = SendFailed
	delete(c.pending, p.msg.ID)
	c.mu.Unlock()

	c.cache.Remove(p.msg.ID)
	p.state = SendRemoved

	c.metrics.send("failed")
	c.notifier.Notify(NotifyError)
	c.log.Error().Err(err).Str("message_id", p.msg.ID).Msg("send failed, rolled back")
	if c.onFailed != nil {
		c.onFailed(p.msg.clone(), err)
	}
}

// reconcile merges an authoritative message sent by the local user into the
// cache. It reports false when no outstanding send matches.
func (c *sendCoordinator) reconcile(m Message) bool {
	c.mu.Lock()
	p := c.matchLocked(m)
	if p == nil {
		c.mu.Unlock()
		return false
	}
	p.state = SendReconciled
	delete(c.pending, p.msg.ID)
	c.mu.Unlock()

	if !c.cache.Replace(p.msg.ID, m) {
		c.cache.Append(m)
	}
	c.log.Debug().Str("message_id", p.msg.ID).Str("server_id", m.ID).Msg("send reconciled")
	if c.onReconciled != nil {
		c.onReconciled(p.msg.ID, m)
	}
	return true
}

// matchLocked correlates by nonce, then by the server id from the insert ack,
// then by (sender, exact timestamp, kind).
func (c *sendCoordinator) matchLocked(m Message) *pendingSend {
	if m.ClientNonce != "" {
		for _, p := range c.pending {
			if p.msg.ClientNonce == m.ClientNonce {
				return p
			}
		}
	}
	for _, p := range c.pending {
		if p.serverID != "" && p.serverID == m.ID {
			return p
		}
	}
	for _, p := range c.pending {
		if p.msg.SenderID == m.SenderID && p.msg.Kind == m.Kind && p.msg.CreatedAt.Equal(m.CreatedAt) {
			return p
		}
	}
	return nil
}

// state returns the lifecycle state of an outstanding send, or false when the
// id is no longer tracked.
func (c *sendCoordinator) state(provisionalID string) (SendState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[provisionalID]
	if !ok {
		return "", false
	}
	return p.state, true
}

// wait blocks until every in-flight insert has returned.
func (c *sendCoordinator) wait() {
	c.wg.Wait()
}
