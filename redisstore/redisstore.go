// Package redisstore is a chatsync.Store on Redis.
//
// Layout, per conversation C under the key prefix P:
//
//	P:conv:C:msgs     hash      message id -> JSON row
//	P:conv:C:idx      zset      message id scored by CreatedAt (unix micros)
//	P:conv:C:events   channel   JSON chatsync.Change
//	P:msgconv         hash      message id -> conversation id
//	P:nonce:C:S:N     string    message id for sender S and client nonce N
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
)

const (
	DefaultPrefix   = "chatsync"
	DefaultNonceTTL = 24 * time.Hour
	maxTxRetries    = 5
)

// Config holds connection settings.
type Config struct {
	Address  string `toml:"address" mapstructure:"address"`
	Password string `toml:"password,omitempty" mapstructure:"password"`
	DB       int    `toml:"db,omitempty" mapstructure:"db"`
	Prefix   string `toml:"prefix,omitempty" mapstructure:"prefix"`
}

// Store implements chatsync.Store.
type Store struct {
	client   redis.UniversalClient
	prefix   string
	nonceTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

var _ chatsync.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithNonceTTL sets how long a client nonce is remembered for idempotent
// inserts.
func WithNonceTTL(d time.Duration) Option {
	return func(s *Store) { s.nonceTTL = d }
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if cfg.Prefix != "" {
		opts = append([]Option{WithPrefix(cfg.Prefix)}, opts...)
	}
	return New(client, opts...), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		prefix:   DefaultPrefix,
		nonceTTL: DefaultNonceTTL,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ============================================================================
// Keys
// ============================================================================

func (s *Store) msgsKey(conv string) string   { return s.prefix + ":conv:" + conv + ":msgs" }
func (s *Store) idxKey(conv string) string    { return s.prefix + ":conv:" + conv + ":idx" }
func (s *Store) eventsKey(conv string) string { return s.prefix + ":conv:" + conv + ":events" }
func (s *Store) msgConvKey() string           { return s.prefix + ":msgconv" }

func (s *Store) nonceKey(conv, sender, nonce string) string {
	return s.prefix + ":nonce:" + conv + ":" + sender + ":" + nonce
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// ============================================================================
// chatsync.Store
// ============================================================================

func (s *Store) Insert(ctx context.Context, m chatsync.Message) (chatsync.Message, error) {
	if err := m.Validate(); err != nil {
		return chatsync.Message{}, chatsync.Rejected("insert", err)
	}

	m.ID = ulid.Make().String()
	m.CreatedAt = s.now().UTC()
	m.Read = false

	if m.ClientNonce != "" {
		key := s.nonceKey(m.ConversationID, m.SenderID, m.ClientNonce)
		ok, err := s.client.SetNX(ctx, key, m.ID, s.nonceTTL).Result()
		if err != nil {
			return chatsync.Message{}, classify("insert", err)
		}
		if !ok {
			return s.existing(ctx, m.ConversationID, key)
		}
	}

	row, err := json.Marshal(m)
	if err != nil {
		return chatsync.Message{}, chatsync.Rejected("insert", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.msgsKey(m.ConversationID), m.ID, row)
		p.ZAdd(ctx, s.idxKey(m.ConversationID), redis.Z{Score: score(m.CreatedAt), Member: m.ID})
		p.HSet(ctx, s.msgConvKey(), m.ID, m.ConversationID)
		return nil
	})
	if err != nil {
		if m.ClientNonce != "" {
			s.client.Del(context.WithoutCancel(ctx), s.nonceKey(m.ConversationID, m.SenderID, m.ClientNonce))
		}
		return chatsync.Message{}, classify("insert", err)
	}

	s.publish(ctx, m.ConversationID, chatsync.Change{Op: chatsync.OpInsert, Message: &m})
	return m, nil
}

// existing returns the row already written for a repeated nonce.
func (s *Store) existing(ctx context.Context, conv, nonceKey string) (chatsync.Message, error) {
	id, err := s.client.Get(ctx, nonceKey).Result()
	if err != nil {
		return chatsync.Message{}, classify("insert", err)
	}
	m, err := s.row(ctx, conv, id)
	if errors.Is(err, redis.Nil) {
		// The first insert holds the nonce but has not written its row yet.
		return chatsync.Message{}, chatsync.Transient("insert", errors.New("duplicate insert in progress"))
	}
	if err != nil {
		return chatsync.Message{}, classify("insert", err)
	}
	return m, nil
}

func (s *Store) UpdateFields(ctx context.Context, u chatsync.FieldUpdate) error {
	conv, err := s.client.HGet(ctx, s.msgConvKey(), u.ID).Result()
	if errors.Is(err, redis.Nil) {
		return chatsync.Rejected("update", fmt.Errorf("message %s not found", u.ID))
	}
	if err != nil {
		return classify("update", err)
	}

	changed, err := s.rewrite(ctx, "update", conv, []string{u.ID}, func(m *chatsync.Message) bool {
		if u.Read != nil {
			m.Read = *u.Read
		}
		if u.Translation != nil {
			t := *u.Translation
			m.Translation = &t
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return chatsync.Rejected("update", fmt.Errorf("message %s not found", u.ID))
	}
	s.publish(ctx, conv, chatsync.Change{Op: chatsync.OpUpdate, Update: &u})
	return nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	changed, err := s.rewrite(ctx, "mark read", conversationID, ids, func(m *chatsync.Message) bool {
		if m.Read {
			return false
		}
		m.Read = true
		return true
	})
	if err != nil {
		return err
	}
	read := true
	for _, id := range changed {
		s.publish(ctx, conversationID, chatsync.Change{Op: chatsync.OpUpdate, Update: &chatsync.FieldUpdate{ID: id, Read: &read}})
	}
	return nil
}

// rewrite applies fn to the named rows inside an optimistic transaction and
// returns the ids fn reported as changed. Unknown ids are skipped.
func (s *Store) rewrite(ctx context.Context, op, conv string, ids []string, fn func(*chatsync.Message) bool) ([]string, error) {
	key := s.msgsKey(conv)
	var changed []string
	txf := func(tx *redis.Tx) error {
		changed = changed[:0]
		vals, err := tx.HMGet(ctx, key, ids...).Result()
		if err != nil {
			return err
		}
		updates := make([]any, 0, 2*len(ids))
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var m chatsync.Message
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				s.log.Warn().Err(err).Str("id", ids[i]).Msg("skipping corrupt row")
				continue
			}
			if !fn(&m) {
				continue
			}
			row, err := json.Marshal(m)
			if err != nil {
				return err
			}
			updates = append(updates, ids[i], row)
			changed = append(changed, ids[i])
		}
		if len(updates) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, updates...)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return changed, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, classify(op, err)
		}
	}
	return nil, chatsync.Transient(op, errors.New("too much contention"))
}

func (s *Store) QueryRecent(ctx context.Context, conversationID string, limit int, before time.Time) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = chatsync.DefaultRecentLimit
	}
	max := "+inf"
	if !before.IsZero() {
		max = "(" + strconv.FormatFloat(score(before), 'f', -1, 64)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.idxKey(conversationID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, classify("query", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.client.HMGet(ctx, s.msgsKey(conversationID), ids...).Result()
	if err != nil {
		return nil, classify("query", err)
	}
	out := make([]chatsync.Message, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m chatsync.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.log.Warn().Err(err).Str("id", ids[i]).Msg("skipping corrupt row")
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) SetTyping(ctx context.Context, sig chatsync.TypingSignal) error {
	if sig.At.IsZero() {
		sig.At = s.now().UTC()
	}
	data, err := json.Marshal(chatsync.Change{Op: chatsync.OpTyping, Typing: &sig})
	if err != nil {
		return chatsync.Rejected("typing", err)
	}
	if err := s.client.Publish(ctx, s.eventsKey(sig.ConversationID), data).Err(); err != nil {
		return classify("typing", err)
	}
	return nil
}

// publish is best effort; subscribers close gaps by refetching after they
// reconnect.
func (s *Store) publish(ctx context.Context, conv string, ch chatsync.Change) {
	data, err := json.Marshal(ch)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.eventsKey(conv), data).Err(); err != nil {
		s.log.Warn().Err(err).Str("conversation", conv).Str("op", string(ch.Op)).Msg("publish failed")
	}
}

func (s *Store) row(ctx context.Context, conv, id string) (chatsync.Message, error) {
	raw, err := s.client.HGet(ctx, s.msgsKey(conv), id).Bytes()
	if err != nil {
		return chatsync.Message{}, err
	}
	var m chatsync.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return chatsync.Message{}, err
	}
	return m, nil
}

// ============================================================================
// Subscription
// ============================================================================

// Subscribe listens on the conversation channel. The feed ends with a
// transient error on any connection problem instead of silently
// resubscribing, so the caller knows to refetch.
func (s *Store) Subscribe(ctx context.Context, conversationID string, h chatsync.ChangeHandler) (chatsync.Subscription, error) {
	ps := s.client.Subscribe(ctx, s.eventsKey(conversationID))
	// Wait for the confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, classify("subscribe", err)
	}

	sub := &subscription{ps: ps, done: make(chan struct{}), log: s.log.With().Str("conversation", conversationID).Logger()}
	go sub.loop(ctx, h)
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	log  zerolog.Logger
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *subscription) loop(ctx context.Context, h chatsync.ChangeHandler) {
	defer close(s.done)
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = chatsync.Transient("subscribe", err)
			}
			s.mu.Unlock()
			return
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		var ch chatsync.Change
		if err := json.Unmarshal([]byte(m.Payload), &ch); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed change")
			continue
		}
		h(ch)
	}
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.ps.Close()
	<-s.done
	return err
}

// ============================================================================
// Errors
// ============================================================================

// classify maps Redis failures onto chatsync error kinds. Server replies such
// as WRONGTYPE are permanent; everything else is treated as a network problem.
func classify(op string, err error) error {
	var redisErr redis.Error
	if errors.As(err, &redisErr) && !errors.Is(err, redis.Nil) && !isRetryableReply(redisErr) {
		return chatsync.Rejected(op, err)
	}
	return chatsync.Transient(op, err)
}

func isRetryableReply(err redis.Error) bool {
	for _, prefix := range []string{"LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN"} {
		if strings.HasPrefix(err.Error(), prefix) {
			return true
		}
	}
	return false
}
