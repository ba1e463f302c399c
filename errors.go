package chatsync

import (
	"context"
	"errors"
)

// ErrorKind classifies failures so callers can decide whether to retry.
type ErrorKind string

const (
	KindTransientNetwork       ErrorKind = "transient_network"
	KindRejected               ErrorKind = "rejected"
	KindTranslationUnavailable ErrorKind = "translation_unavailable"
	KindUploadFailed           ErrorKind = "upload_failed"
	KindDisconnected           ErrorKind = "disconnected"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrTransient              = &Error{Kind: KindTransientNetwork}
	ErrRejected               = &Error{Kind: KindRejected}
	ErrTranslationUnavailable = &Error{Kind: KindTranslationUnavailable}
	ErrUploadFailed           = &Error{Kind: KindUploadFailed}
	ErrDisconnected           = &Error{Kind: KindDisconnected}

	ErrAlreadySubscribed = errors.New("chatsync: subscription already active for this session")
	ErrClosed            = errors.New("chatsync: session closed")
	ErrUnknownMessage    = errors.New("chatsync: unknown message")
)

// Error is a classified failure from the store, blob storage or translator.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrRejected) works
// regardless of Op and the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Transient wraps err as a retryable network failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransientNetwork, Op: op, Err: err}
}

// Rejected wraps err as a permanent refusal by the backend.
func Rejected(op string, err error) error {
	return &Error{Kind: KindRejected, Op: op, Err: err}
}

// IsRetryable reports whether err should be retried. Unclassified errors and
// deadline expiry count as transient; cancellation and rejections do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransientNetwork
	}
	return true
}
