package chatsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is the presentation boundary for one open conversation. It owns
// the message cache, the change subscription and all timers; Close releases
// them and turns every late continuation into a no-op.
type Session struct {
	eventEmitter

	conv    Conversation
	userID  string
	store   Store
	opts    options
	log     zerolog.Logger
	metrics *metrics

	cache    *Cache
	sends    *sendCoordinator
	subs     *SubscriptionManager
	typing   *TypingTracker
	receipts *ReadReceipts
	overlay  *TranslationOverlay

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	input      string
	foreground bool
	lastPeers  []string
}

// Open subscribes to the conversation, loads the recent window and starts
// the typing tick. The subscription is established before the initial load
// so nothing written in between is missed.
func Open(ctx context.Context, store Store, conv Conversation, userID string, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, errors.New("chatsync: nil store")
	}
	if conv.ID == "" || userID == "" {
		return nil, errors.New("chatsync: conversation id and user id are required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.defaults()
	o.logger = o.logger.With().Str("conversation_id", conv.ID).Str("user_id", userID).Logger()

	s := &Session{
		conv:       conv,
		userID:     userID,
		store:      store,
		opts:       o,
		log:        o.logger,
		cache:      NewCache(),
		stopCh:     make(chan struct{}),
		foreground: true,
	}
	s.eventEmitter.log = s.log
	if o.registerer != nil {
		s.metrics = newMetrics(o.registerer)
	}
	s.sends = newSendCoordinator(s.cache, store, &s.opts, s.closed.Load)
	s.sends.metrics = s.metrics
	s.sends.onReconciled = s.onReconciled
	s.sends.onFailed = s.onSendFailed

	s.typing = newTypingTracker(store, conv.ID, userID, &s.opts)
	s.receipts = newReadReceipts(s.cache, store, conv.ID, userID, &s.opts)
	s.overlay = newTranslationOverlay(s.cache, store, o.translator, s.log)
	s.overlay.metrics = s.metrics

	s.subs = NewSubscriptionManager(ManagerConfig{
		Store:          store,
		ConversationID: conv.ID,
		Handler:        s.handleChange,
		Resync:         s.resync,
		OnState:        s.onState,
		Reconnect:      o.reconnect,
		Logger:         o.logger,
		metrics:        s.metrics,
	})
	if err := s.subs.Start(ctx); err != nil {
		return nil, err
	}
	if err := s.load(ctx, time.Time{}); err != nil {
		s.Close()
		return nil, fmt.Errorf("load recent messages: %w", err)
	}

	s.receipts.Trigger()
	s.wg.Add(1)
	go s.tickLoop()

	s.log.Info().Int("messages", s.cache.Len()).Msg("session opened")
	return s, nil
}

// ── reads ────────────────────────────────────────────────

func (s *Session) Conversation() Conversation { return s.conv }
func (s *Session) UserID() string             { return s.userID }

// Messages returns the ordered message list.
func (s *Session) Messages() []Message { return s.cache.Snapshot() }

// Message returns one cached message.
func (s *Session) Message(id string) (Message, bool) { return s.cache.Get(id) }

// TypingPeers returns the peers currently typing.
func (s *Session) TypingPeers() []string { return s.typing.Peers() }

// State returns the subscription state.
func (s *Session) State() SubscriptionState { return s.subs.State() }

// Input returns the compose buffer.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// ── user actions ─────────────────────────────────────────

// SetInput replaces the compose buffer and drives the typing indicator.
func (s *Session) SetInput(text string) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
	s.typing.InputChanged(text)
}

// SendText sends a text message. The returned message is the provisional
// copy; it is replaced in Messages once the store echoes it back.
func (s *Session) SendText(text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, errors.New("send: text message body is empty")
	}
	return s.Send(Message{Kind: KindText, Body: text})
}

// SendSticker sends a sticker that is already hosted; nothing is uploaded.
func (s *Session) SendSticker(stickerID, url, culturalTag string) (Message, error) {
	return s.Send(Message{
		Kind: KindSticker,
		Attachment: &Attachment{
			URL:         url,
			StickerID:   stickerID,
			CulturalTag: culturalTag,
		},
	})
}

// Send submits any message shape. Sender, conversation, id, nonce and
// timestamp are assigned here.
func (s *Session) Send(m Message) (Message, error) {
	if s.closed.Load() {
		return Message{}, ErrClosed
	}
	m.ConversationID = s.conv.ID
	m.SenderID = s.userID
	sent, err := s.sends.submit(m)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	s.input = ""
	s.mu.Unlock()
	s.typing.Stop()

	s.emit(Event{Type: EventMessagesChanged, Message: &sent})
	return sent, nil
}

// SendAttachment uploads media and then sends it. No message exists until the
// upload has produced a URL; EventUploadStarted lets the UI show a
// placeholder meanwhile.
func (s *Session) SendAttachment(ctx context.Context, in AttachmentInput) (Message, error) {
	if s.closed.Load() {
		return Message{}, ErrClosed
	}
	if s.opts.blobs == nil {
		return Message{}, &Error{Kind: KindUploadFailed, Op: "upload", Err: errors.New("no blob store configured")}
	}
	prep, err := prepareAttachment(in, s.opts.maxImageDimension)
	if err != nil {
		return Message{}, fmt.Errorf("attachment: %w", err)
	}

	path := uploadPath(s.conv.ID, s.userID, uuid.NewString(), prep.ext)
	s.emit(Event{Type: EventUploadStarted, Message: &Message{
		ConversationID: s.conv.ID,
		SenderID:       s.userID,
		Kind:           in.Kind,
		Body:           in.Caption,
		Attachment:     &prep.attachment,
	}})

	url, err := s.opts.blobs.Upload(ctx, prep.data, path, prep.attachment.ContentType)
	if err == nil && url == "" {
		err = errors.New("blob store returned no url")
	}
	if err != nil {
		uerr := &Error{Kind: KindUploadFailed, Op: "upload", Err: err}
		s.log.Error().Err(err).Str("path", path).Msg("upload failed")
		s.opts.notifier.Notify(NotifyError)
		s.emit(Event{Type: EventUploadFailed, Err: uerr})
		return Message{}, uerr
	}
	if s.closed.Load() {
		return Message{}, ErrClosed
	}

	att := prep.attachment
	att.URL = url
	return s.Send(Message{Kind: in.Kind, Body: in.Caption, Attachment: &att})
}

// MarkRead schedules a read-receipt flush.
func (s *Session) MarkRead() {
	if !s.closed.Load() {
		s.receipts.Trigger()
	}
}

// SetForeground records whether the conversation is visible. Read receipts
// are only sent while it is.
func (s *Session) SetForeground(fg bool) {
	s.mu.Lock()
	s.foreground = fg
	s.mu.Unlock()
	if fg {
		s.MarkRead()
	}
}

// Translate returns the translation of a message into target, or the
// original body and an error matching ErrTranslationUnavailable.
func (s *Session) Translate(ctx context.Context, messageID, target string) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	text, err := s.overlay.Translate(ctx, messageID, target)
	if err == nil {
		s.emit(Event{Type: EventMessagesChanged})
	}
	return text, err
}

// LoadOlder pages in the window of messages preceding the oldest cached one
// and returns how many were added.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	before := s.cache.Oldest()
	if before.IsZero() {
		before = s.opts.now()
	}
	n := s.cache.Len()
	if err := s.load(ctx, before); err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}
	return s.cache.Len() - n, nil
}

// Close tears the session down: the subscription is disposed, timers are
// stopped and typing is cleared. Inserts already in flight are not waited for;
// they still reach the store, but their results no longer touch the session.
// It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stopCh)
	s.subs.Stop()
	s.typing.Close()
	s.receipts.Close()
	s.wg.Wait()
	s.removeAll()
	s.log.Info().Msg("session closed")
	return nil
}

// ── change handling ──────────────────────────────────────

func (s *Session) handleChange(ch Change) {
	if s.closed.Load() {
		return
	}
	switch ch.Op {
	case OpInsert:
		if ch.Message == nil || ch.Message.ConversationID != s.conv.ID {
			return
		}
		s.merge(*ch.Message, true)
	case OpUpdate:
		if ch.Update != nil {
			s.applyUpdate(*ch.Update)
		}
	case OpTyping:
		if ch.Typing != nil && ch.Typing.ConversationID == s.conv.ID {
			s.typing.Observe(*ch.Typing)
			s.checkTyping()
		}
	}
}

// merge is the single path by which authoritative messages enter the cache,
// whether pushed live or fetched.
func (s *Session) merge(m Message, live bool) {
	if m.SenderID == s.userID && s.sends.reconcile(m) {
		s.emit(Event{Type: EventMessagesChanged, Message: &m})
		return
	}
	if !s.cache.Append(m) {
		return
	}
	s.emit(Event{Type: EventMessagesChanged, Message: &m})
	if m.SenderID == s.userID {
		return
	}
	if live {
		s.opts.notifier.Notify(NotifyReceived)
	}
	s.mu.Lock()
	fg := s.foreground
	s.mu.Unlock()
	if fg {
		s.receipts.Trigger()
	}
}

func (s *Session) applyUpdate(u FieldUpdate) {
	changed := false
	if u.Read != nil && *u.Read {
		changed = len(s.cache.MarkRead(u.ID)) > 0
	}
	if u.Translation != nil && s.cache.AttachTranslation(u.ID, *u.Translation) {
		s.overlay.Seed(u.ID, *u.Translation)
		changed = true
	}
	if changed {
		s.emit(Event{Type: EventMessagesChanged})
	}
}

func (s *Session) load(ctx context.Context, before time.Time) error {
	msgs, err := s.store.QueryRecent(ctx, s.conv.ID, s.opts.recentLimit, before)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if s.closed.Load() {
			return nil
		}
		s.merge(m, false)
	}
	return nil
}

func (s *Session) resync(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	s.log.Debug().Msg("resyncing recent window")
	return s.load(ctx, time.Time{})
}

func (s *Session) onReconciled(string, Message) {
	if !s.closed.Load() {
		s.typing.Stop()
	}
}

func (s *Session) onSendFailed(m Message, err error) {
	if s.closed.Load() {
		return
	}
	if m.Kind == KindText {
		s.mu.Lock()
		if s.input == "" {
			s.input = m.Body
		}
		s.mu.Unlock()
	}
	s.emit(Event{Type: EventSendFailed, Message: &m, Err: err})
	s.emit(Event{Type: EventMessagesChanged})
}

func (s *Session) onState(state SubscriptionState, err error) {
	if s.closed.Load() {
		return
	}
	s.emit(Event{Type: EventStateChanged, State: state, Err: err})
	if state != StateFailed {
		return
	}
	if !errors.Is(err, ErrDisconnected) {
		err = &Error{Kind: KindDisconnected, Op: "subscribe", Err: err}
	}
	s.opts.notifier.Notify(NotifyError)
	s.emit(Event{Type: EventDisconnected, State: state, Err: err})
}

func (s *Session) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.typingTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkTyping()
		}
	}
}

func (s *Session) checkTyping() {
	peers := s.typing.Peers()
	s.mu.Lock()
	same := slices.Equal(peers, s.lastPeers)
	s.lastPeers = peers
	s.mu.Unlock()
	if !same && !s.closed.Load() {
		s.emit(Event{Type: EventTypingChanged, Peers: peers})
	}
}
