package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultRecentLimit           = 50
	DefaultSendRetries           = 2
	DefaultSendRetryDelay        = 300 * time.Millisecond
	DefaultSendTimeout           = 30 * time.Second
	DefaultTypingIdle            = 2 * time.Second
	DefaultTypingExpiry          = 3 * time.Second
	DefaultTypingPublishInterval = time.Second
	DefaultTypingTick            = 500 * time.Millisecond
	DefaultReadBatchWindow       = 250 * time.Millisecond
	DefaultSignalTimeout         = 2 * time.Second
	DefaultMaxImageDimension     = 2048
)

// Option configures a Session.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	notifier   Notifier
	blobs      BlobStore
	translator Translator
	registerer prometheus.Registerer
	now        func() time.Time

	recentLimit           int
	sendRetries           int
	sendRetriesSet        bool
	sendRetryDelay        time.Duration
	sendTimeout           time.Duration
	typingIdle            time.Duration
	typingExpiry          time.Duration
	typingPublishInterval time.Duration
	typingTick            time.Duration
	readBatchWindow       time.Duration
	signalTimeout         time.Duration
	maxImageDimension     int
	reconnect             ReconnectConfig
}

func (o *options) defaults() {
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.recentLimit == 0 {
		o.recentLimit = DefaultRecentLimit
	}
	if !o.sendRetriesSet {
		o.sendRetries = DefaultSendRetries
	}
	if o.sendRetries < 0 {
		o.sendRetries = 0
	}
	if o.sendRetryDelay == 0 {
		o.sendRetryDelay = DefaultSendRetryDelay
	}
	if o.sendTimeout == 0 {
		o.sendTimeout = DefaultSendTimeout
	}
	if o.typingIdle == 0 {
		o.typingIdle = DefaultTypingIdle
	}
	if o.typingExpiry == 0 {
		o.typingExpiry = DefaultTypingExpiry
	}
	if o.typingPublishInterval == 0 {
		o.typingPublishInterval = DefaultTypingPublishInterval
	}
	if o.typingTick == 0 {
		o.typingTick = DefaultTypingTick
	}
	if o.readBatchWindow == 0 {
		o.readBatchWindow = DefaultReadBatchWindow
	}
	if o.signalTimeout == 0 {
		o.signalTimeout = DefaultSignalTimeout
	}
	if o.maxImageDimension == 0 {
		o.maxImageDimension = DefaultMaxImageDimension
	}
	o.reconnect.defaults()
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithBlobStore enables SendAttachment.
func WithBlobStore(b BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

// WithTranslator enables Translate.
func WithTranslator(t Translator) Option {
	return func(o *options) { o.translator = t }
}

// WithMetrics registers the session counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRecentLimit sets the size of the recent window loaded on open and after
// every reconnect.
func WithRecentLimit(n int) Option {
	return func(o *options) { o.recentLimit = n }
}

// WithSendRetries sets how many times a transient insert failure is retried
// before the provisional message is rolled back. Zero disables retries.
func WithSendRetries(n int, delay time.Duration) Option {
	return func(o *options) {
		o.sendRetries = n
		o.sendRetriesSet = true
		o.sendRetryDelay = delay
	}
}

// WithSendTimeout bounds one send, retries included. Inserts still running
// when the session closes keep going until they finish or hit this limit.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithTyping sets the local idle window, the remote expiry and the minimum
// interval between "typing" publishes.
func WithTyping(idle, expiry, publishInterval time.Duration) Option {
	return func(o *options) {
		o.typingIdle = idle
		o.typingExpiry = expiry
		o.typingPublishInterval = publishInterval
	}
}

func WithTypingTick(d time.Duration) Option {
	return func(o *options) { o.typingTick = d }
}

func WithReadBatchWindow(d time.Duration) Option {
	return func(o *options) { o.readBatchWindow = d }
}

// WithSignalTimeout bounds typing and read-receipt writes.
func WithSignalTimeout(d time.Duration) Option {
	return func(o *options) { o.signalTimeout = d }
}

func WithMaxImageDimension(px int) Option {
	return func(o *options) { o.maxImageDimension = px }
}

func WithReconnect(cfg ReconnectConfig) Option {
	return func(o *options) { o.reconnect = cfg }
}
