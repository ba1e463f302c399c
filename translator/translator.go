// Package translator is a chatsync.Translator backed by an HTTP translation
// service, guarded by a circuit breaker.
package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/LuminPulse-AI/chatsync"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 5
	DefaultOpenTimeout = 30 * time.Second
)

type request struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type response struct {
	TranslatedText string `json:"translated_text"`
	SourceLanguage string `json:"source_language,omitempty"`
	Error          string `json:"error,omitempty"`
}

// HTTPClient calls a translation endpoint. Consecutive failures open the
// breaker, after which calls fail fast until the service recovers.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	log        zerolog.Logger

	maxFailures uint32
	openTimeout time.Duration
}

var (
	_ chatsync.Translator     = (*HTTPClient)(nil)
	_ chatsync.SourceDetector = (*HTTPClient)(nil)
)

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPClient) { t.httpClient = c }
}

func WithTimeout(d time.Duration) Option {
	return func(t *HTTPClient) { t.httpClient.Timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *HTTPClient) { t.log = l }
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(t *HTTPClient) {
		t.maxFailures = maxFailures
		t.openTimeout = openTimeout
	}
}

// New creates a client for endpoint. apiKey is sent as a bearer token.
func New(endpoint, apiKey string, opts ...Option) *HTTPClient {
	t := &HTTPClient{
		endpoint:    endpoint,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		log:         zerolog.Nop(),
		maxFailures: DefaultMaxFailures,
		openTimeout: DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "translator",
		MaxRequests: 1,
		Timeout:     t.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.maxFailures
		},
		// Bad input says nothing about the service's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, chatsync.ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state")
		},
	})
	return t
}

// Translate implements chatsync.Translator.
func (t *HTTPClient) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	out, _, err := t.TranslateDetect(ctx, text, targetLanguage)
	return out, err
}

// TranslateDetect also returns the source language reported by the service.
func (t *HTTPClient) TranslateDetect(ctx context.Context, text, targetLanguage string) (string, string, error) {
	res, err := t.cb.Execute(func() (interface{}, error) {
		return t.do(ctx, request{Text: text, TargetLanguage: targetLanguage})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", "", chatsync.Transient("translate", err)
		}
		return "", "", err
	}
	r := res.(*response)
	return r.TranslatedText, r.SourceLanguage, nil
}

// State reports the breaker state.
func (t *HTTPClient) State() gobreaker.State {
	return t.cb.State()
}

func (t *HTTPClient) do(ctx context.Context, body request) (*response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, chatsync.Rejected("translate", fmt.Errorf("failed to marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, chatsync.Rejected("translate", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, chatsync.Transient("translate", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, chatsync.Transient("translate", fmt.Errorf("read response: %w", err))
	}

	var out response
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode >= 400 {
		msg := out.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return nil, chatsync.Transient("translate", err)
		}
		return nil, chatsync.Rejected("translate", err)
	}
	if decodeErr != nil {
		return nil, chatsync.Transient("translate", fmt.Errorf("failed to unmarshal response: %w", decodeErr))
	}
	if out.TranslatedText == "" {
		return nil, chatsync.Transient("translate", errors.New("empty translation"))
	}
	return &out, nil
}
