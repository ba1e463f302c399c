package chatsync

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// ReconnectConfig bounds the subscription retry loop.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c *ReconnectConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
}

// SubscriptionState represents the state of the change feed.
type SubscriptionState string

const (
	StateDisconnected SubscriptionState = "disconnected"
	StateConnecting   SubscriptionState = "connecting"
	StateSubscribed   SubscriptionState = "subscribed"
	StateFailed       SubscriptionState = "failed"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector counts consecutive failed attempts. A successful subscribe
// resets it.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config ReconnectConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.BaseDelay,
		maxDelay:    config.MaxDelay,
		maxAttempts: config.MaxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// SubscriptionManager
// ============================================================================

// SubscriptionManager keeps one conversation subscription alive. After every
// reconnect it calls the resync hook so changes missed while disconnected are
// merged back in.
type SubscriptionManager struct {
	store          Store
	conversationID string
	handler        ChangeHandler
	resync         func(ctx context.Context) error
	onState        func(SubscriptionState, error)
	config         ReconnectConfig
	log            zerolog.Logger
	metrics        *metrics

	mu      sync.Mutex
	state   SubscriptionState
	started bool
	stopped bool
	sub     Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

// ManagerConfig wires a SubscriptionManager.
type ManagerConfig struct {
	Store          Store
	ConversationID string
	Handler        ChangeHandler
	// Resync is called after each successful re-subscribe, never after the
	// first one.
	Resync    func(ctx context.Context) error
	OnState   func(state SubscriptionState, err error)
	Reconnect ReconnectConfig
	Logger    zerolog.Logger
	metrics   *metrics
}

// NewSubscriptionManager returns a manager in the Disconnected state.
func NewSubscriptionManager(cfg ManagerConfig) *SubscriptionManager {
	cfg.Reconnect.defaults()
	return &SubscriptionManager{
		store:          cfg.Store,
		conversationID: cfg.ConversationID,
		handler:        cfg.Handler,
		resync:         cfg.Resync,
		onState:        cfg.OnState,
		config:         cfg.Reconnect,
		log:            cfg.Logger.With().Str("conversation_id", cfg.ConversationID).Logger(),
		metrics:        cfg.metrics,
		state:          StateDisconnected,
	}
}

// State returns the current subscription state.
func (m *SubscriptionManager) State() SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start makes the first subscribe attempt synchronously and then keeps the
// feed alive in the background. A transient first failure is retried in the
// background; a rejected one is returned.
func (m *SubscriptionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadySubscribed
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.setState(StateConnecting, nil)
	sub, err := m.store.Subscribe(loopCtx, m.conversationID, m.handler)
	if err != nil && !IsRetryable(err) {
		cancel()
		close(m.done)
		m.setState(StateFailed, err)
		return fmt.Errorf("subscribe: %w", err)
	}
	if err == nil {
		if !m.attach(sub) {
			sub = nil
		}
	} else {
		m.log.Warn().Err(err).Msg("initial subscribe failed, retrying")
		m.setState(StateDisconnected, err)
	}

	go m.run(loopCtx, sub)
	return nil
}

// Stop disposes the subscription and waits for the retry loop to exit. It is
// safe to call more than once.
func (m *SubscriptionManager) Stop() {
	m.mu.Lock()
	cancel, done, sub := m.cancel, m.done, m.sub
	m.cancel = nil
	m.sub = nil
	m.stopped = true
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if sub != nil {
		if err := sub.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close subscription")
		}
	}
	<-done
	m.setState(StateDisconnected, nil)
}

func (m *SubscriptionManager) run(ctx context.Context, sub Subscription) {
	defer close(m.done)
	recon := newReconnector(m.config)

	for {
		if sub != nil {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
			}
			err := sub.Err()
			m.detach(sub)
			sub = nil
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Err(err).Msg("subscription lost")
			m.setState(StateDisconnected, err)
		}

		if !recon.shouldReconnect() {
			m.log.Error().Int("attempts", recon.attempt).Msg("giving up on subscription")
			m.setState(StateFailed, &Error{Kind: KindDisconnected, Op: "subscribe",
				Err: fmt.Errorf("gave up after %d attempts", recon.attempt)})
			return
		}
		delay := recon.nextDelay()
		m.metrics.reconnect()
		m.log.Info().Int("attempt", recon.attempt).Dur("delay", delay).Msg("reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}

		m.setState(StateConnecting, nil)
		next, err := m.store.Subscribe(ctx, m.conversationID, m.handler)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !IsRetryable(err) {
				m.setState(StateFailed, err)
				return
			}
			m.log.Warn().Err(err).Int("attempt", recon.attempt).Msg("subscribe failed")
			m.setState(StateDisconnected, err)
			continue
		}
		recon.reset()
		if !m.attach(next) {
			return
		}
		sub = next

		if m.resync != nil {
			if err := m.resync(ctx); err != nil {
				m.log.Warn().Err(err).Msg("resync after reconnect failed")
			}
		}
	}
}

// attach records sub as the live handle. A handle that arrives after Stop
// is closed here instead, and attach reports false.
func (m *SubscriptionManager) attach(sub Subscription) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		if err := sub.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close late subscription")
		}
		return false
	}
	m.sub = sub
	m.mu.Unlock()
	m.setState(StateSubscribed, nil)
	return true
}

func (m *SubscriptionManager) detach(sub Subscription) {
	m.mu.Lock()
	if m.sub == sub {
		m.sub = nil
	}
	m.mu.Unlock()
}

func (m *SubscriptionManager) setState(s SubscriptionState, err error) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.metrics.state(s)
	m.log.Debug().Str("state", string(s)).Msg("subscription state")
	if m.onState != nil {
		m.onState(s, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
