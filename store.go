package chatsync

import (
	"context"
	"time"
)

// ChangeHandler receives change notifications from a Subscription. Handlers
// are called sequentially for a given subscription.
type ChangeHandler func(Change)

// Subscription is a live change feed for one conversation. Close disposes it;
// Done is closed when the feed ends for any reason, after which Err reports why
// (nil after Close).
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Store is the authoritative message store. Implementations classify errors
// with Transient and Rejected.
type Store interface {
	// Insert writes m and returns the authoritative row (server id and time).
	Insert(ctx context.Context, m Message) (Message, error)

	// UpdateFields applies a partial update to one message.
	UpdateFields(ctx context.Context, u FieldUpdate) error

	// MarkRead flags all ids as read in a single write.
	MarkRead(ctx context.Context, conversationID string, ids []string) error

	// QueryRecent returns up to limit messages created before the given time
	// (zero means now), oldest first.
	QueryRecent(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error)

	// SetTyping records a typing flag for a user.
	SetTyping(ctx context.Context, sig TypingSignal) error

	// Subscribe opens a change feed for the conversation.
	Subscribe(ctx context.Context, conversationID string, h ChangeHandler) (Subscription, error)
}

// BlobStore uploads media and returns a stable URL.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, path, contentType string) (string, error)
}

// Translator translates text. Authorization is the implementation's concern.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// Notifier gives local haptic or accessibility feedback. It must not block.
type Notifier interface {
	Notify(kind NotifyKind)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(NotifyKind)

func (f NotifierFunc) Notify(kind NotifyKind) { f(kind) }

type nopNotifier struct{}

func (nopNotifier) Notify(NotifyKind) {}
