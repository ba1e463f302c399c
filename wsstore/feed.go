package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/chatsync"
)

// Subscribe dials the change feed of a conversation. The feed stays open
// until Close, ctx cancellation, a missed heartbeat or a connection error.
func (c *Client) Subscribe(ctx context.Context, conversationID string, h chatsync.ChangeHandler) (chatsync.Subscription, error) {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?conversationId=" + url.QueryEscape(conversationID)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.httpClient, HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, chatsync.Rejected("subscribe", fmt.Errorf("websocket dial: HTTP %d", resp.StatusCode))
		}
		return nil, chatsync.Transient("subscribe", fmt.Errorf("websocket dial: %w", err))
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, chatsync.Transient("subscribe", fmt.Errorf("read auth message: %w", err))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		if env.Type == EventError {
			var apiErr APIError
			_ = json.Unmarshal(env.Payload, &apiErr)
			return nil, chatsync.Transient("subscribe", &apiErr)
		}
		return nil, chatsync.Rejected("subscribe", fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type))
	}

	feedCtx, cancel := context.WithCancel(ctx)
	f := &feed{
		conn:         conn,
		handler:      h,
		log:          c.log.With().Str("conversation", conversationID).Logger(),
		cancel:       cancel,
		done:         make(chan struct{}),
		pendingPings: make(map[string]chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.readLoop(feedCtx)
	}()
	go func() {
		defer wg.Done()
		f.heartbeatLoop(feedCtx, c.heartbeatInterval, c.pongTimeout)
	}()
	go func() {
		wg.Wait()
		close(f.done)
	}()
	return f, nil
}

// feed is one open websocket change feed.
type feed struct {
	conn    *websocket.Conn
	handler chatsync.ChangeHandler
	log     zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	closed atomic.Bool
	mu     sync.Mutex
	err    error

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

func (f *feed) Done() <-chan struct{} { return f.done }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.cancel()
	// The conn may already be gone if the feed failed first.
	_ = f.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	<-f.done
	return nil
}

// fail records the first unexpected end of the feed.
func (f *feed) fail(err error) {
	if f.closed.Load() {
		return
	}
	f.mu.Lock()
	if f.err == nil {
		f.err = chatsync.Transient("subscribe", err)
	}
	f.mu.Unlock()
	f.cancel()
}

func (f *feed) readLoop(ctx context.Context) {
	for {
		_, data, err := f.conn.Read(ctx)
		if err != nil {
			f.fail(fmt.Errorf("feed closed: %w", err))
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case EventPong:
			f.pendingMu.Lock()
			ch, ok := f.pendingPings[env.RequestID]
			if ok {
				delete(f.pendingPings, env.RequestID)
			}
			f.pendingMu.Unlock()
			if ok {
				close(ch)
			}
		case EventMessageNew, EventMessageUpdated, EventTyping:
			var change chatsync.Change
			if err := json.Unmarshal(env.Payload, &change); err != nil {
				f.log.Warn().Err(err).Str("type", env.Type).Msg("dropping malformed change")
				continue
			}
			f.handler(change)
		case EventError:
			var apiErr APIError
			_ = json.Unmarshal(env.Payload, &apiErr)
			f.fail(&apiErr)
			f.conn.Close(websocket.StatusPolicyViolation, apiErr.Code)
			return
		}
	}
}

func (f *feed) heartbeatLoop(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.ping(ctx, timeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				f.fail(fmt.Errorf("heartbeat: %w", err))
				f.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (f *feed) ping(ctx context.Context, timeout time.Duration) error {
	requestID := fmt.Sprintf("ping-%d", f.pingCounter.Add(1))
	ch := make(chan struct{})
	f.pendingMu.Lock()
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()
	defer func() {
		f.pendingMu.Lock()
		delete(f.pendingPings, requestID)
		f.pendingMu.Unlock()
	}()

	data, err := json.Marshal(Envelope{Type: EventPing, RequestID: requestID})
	if err != nil {
		return err
	}
	if err := f.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return errors.New("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
