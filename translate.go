package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// SourceDetector is implemented by translators that also report the detected
// source language.
type SourceDetector interface {
	TranslateDetect(ctx context.Context, text, targetLanguage string) (translated, sourceLanguage string, err error)
}

type translationKey struct {
	messageID string
	target    string
}

// TranslationOverlay attaches translations to cached messages. Results are
// cached per (message, target language) and concurrent identical requests
// share one remote call.
type TranslationOverlay struct {
	cache      *Cache
	store      Store
	translator Translator
	log        zerolog.Logger
	metrics    *metrics

	group   singleflight.Group
	mu      sync.RWMutex
	results map[translationKey]Translation
}

func newTranslationOverlay(cache *Cache, store Store, translator Translator, log zerolog.Logger) *TranslationOverlay {
	return &TranslationOverlay{
		cache:      cache,
		store:      store,
		translator: translator,
		log:        log,
		results:    make(map[translationKey]Translation),
	}
}

// Translate returns the translation of a cached message into target. On
// failure it returns the original body together with an error matching
// ErrTranslationUnavailable; the message is left untouched.
func (o *TranslationOverlay) Translate(ctx context.Context, messageID, target string) (string, error) {
	msg, ok := o.cache.Get(messageID)
	if !ok {
		return "", ErrUnknownMessage
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return msg.Body, &Error{Kind: KindTranslationUnavailable, Op: "translate", Err: errors.New("empty target language")}
	}

	key := translationKey{messageID: msg.ID, target: target}
	if tr, ok := o.lookup(key); ok {
		return tr.Text, nil
	}
	if msg.Translation != nil && msg.Translation.TargetLanguage == target {
		o.remember(key, *msg.Translation)
		return msg.Translation.Text, nil
	}
	if o.translator == nil {
		return msg.Body, &Error{Kind: KindTranslationUnavailable, Op: "translate", Err: errors.New("no translator configured")}
	}
	if msg.Kind != KindText || strings.TrimSpace(msg.Body) == "" {
		return msg.Body, &Error{Kind: KindTranslationUnavailable, Op: "translate", Err: errors.New("nothing to translate")}
	}

	v, err, shared := o.group.Do(msg.ID+"\x00"+target, func() (any, error) {
		if tr, ok := o.lookup(key); ok {
			return tr, nil
		}
		tr, err := o.remote(ctx, msg.Body, target)
		if err != nil {
			return nil, err
		}
		o.remember(key, tr)
		o.cache.AttachTranslation(msg.ID, tr)

		if err := o.store.UpdateFields(ctx, FieldUpdate{ID: msg.ID, Translation: &tr}); err != nil {
			o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("persist translation")
		}
		return tr, nil
	})
	if err != nil {
		o.metrics.translation("failed")
		o.log.Warn().Err(err).Str("message_id", msg.ID).Str("target", target).Msg("translation unavailable")
		return msg.Body, &Error{Kind: KindTranslationUnavailable, Op: "translate", Err: err}
	}
	if !shared {
		o.metrics.translation("ok")
	}
	return v.(Translation).Text, nil
}

// Seed records a translation learned from a remote update.
func (o *TranslationOverlay) Seed(messageID string, tr Translation) {
	if tr.TargetLanguage == "" {
		return
	}
	o.remember(translationKey{messageID: messageID, target: tr.TargetLanguage}, tr)
}

func (o *TranslationOverlay) remote(ctx context.Context, text, target string) (Translation, error) {
	if d, ok := o.translator.(SourceDetector); ok {
		out, src, err := d.TranslateDetect(ctx, text, target)
		if err != nil {
			return Translation{}, err
		}
		return Translation{SourceLanguage: src, TargetLanguage: target, Text: out}, nil
	}
	out, err := o.translator.Translate(ctx, text, target)
	if err != nil {
		return Translation{}, err
	}
	return Translation{TargetLanguage: target, Text: out}, nil
}

func (o *TranslationOverlay) lookup(key translationKey) (Translation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tr, ok := o.results[key]
	return tr, ok
}

func (o *TranslationOverlay) remember(key translationKey, tr Translation) {
	o.mu.Lock()
	o.results[key] = tr
	o.mu.Unlock()
}
