package wsstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultPongTimeout       = 10 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is a chatsync.Store backed by a remote wsstore server.
type Client struct {
	token             string
	baseURL           string
	httpClient        *http.Client
	heartbeatInterval time.Duration
	pongTimeout       time.Duration
	log               zerolog.Logger
}

var _ chatsync.Store = (*Client)(nil)

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithHeartbeat sets the ping interval of the change feed and how long to
// wait for each pong.
func WithHeartbeat(interval, pongTimeout time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = interval
		c.pongTimeout = pongTimeout
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for the server at baseURL authenticating with a
// bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:             token,
		baseURL:           strings.TrimRight(baseURL, "/"),
		httpClient:        &http.Client{Timeout: DefaultTimeout},
		heartbeatInterval: DefaultHeartbeatInterval,
		pongTimeout:       DefaultPongTimeout,
		log:               zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// chatsync.Store
// ============================================================================

func (c *Client) Insert(ctx context.Context, m chatsync.Message) (chatsync.Message, error) {
	var out chatsync.Message
	err := c.call(ctx, "insert", http.MethodPost, "/conversations/"+url.PathEscape(m.ConversationID)+"/messages", m, nil, &out)
	return out, err
}

func (c *Client) UpdateFields(ctx context.Context, u chatsync.FieldUpdate) error {
	return c.call(ctx, "update", http.MethodPatch, "/messages/"+url.PathEscape(u.ID), u, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, ids []string) error {
	return c.call(ctx, "mark read", http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", readRequest{IDs: ids}, nil, nil)
}

func (c *Client) QueryRecent(ctx context.Context, conversationID string, limit int, before time.Time) ([]chatsync.Message, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if !before.IsZero() {
		query["before"] = before.UTC().Format(timeLayout)
	}
	var page messagesPage
	if err := c.call(ctx, "query", http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (c *Client) SetTyping(ctx context.Context, sig chatsync.TypingSignal) error {
	return c.call(ctx, "typing", http.MethodPost, "/conversations/"+url.PathEscape(sig.ConversationID)+"/typing", sig, nil, nil)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) call(ctx context.Context, op, method, path string, body any, query map[string]string, out any) error {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return chatsync.Transient(op, err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		if status >= 500 {
			return chatsync.Transient(op, fmt.Errorf("HTTP %d", status))
		}
		return chatsync.Rejected(op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if !res.OK || status >= 400 {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: http.StatusText(status), Message: "request failed"}
		}
		return classify(op, status, apiErr)
	}
	if out != nil {
		if err := res.Decode(out); err != nil {
			return chatsync.Rejected(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// classify maps an HTTP failure onto the chatsync error kinds. Timeouts,
// throttling and server errors are worth retrying; other client errors are
// not.
func classify(op string, status int, apiErr *APIError) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return chatsync.Transient(op, apiErr)
	default:
		return chatsync.Rejected(op, apiErr)
	}
}

// IsAPIError reports whether err carries a server error with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
