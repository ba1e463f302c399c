package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/chatsync"
)

const (
	maxBodyBytes   = 1 << 20
	feedBuffer     = 64
	feedWriteLimit = 5 * time.Second
	defaultLimit   = chatsync.DefaultRecentLimit
	maxLimit       = 500
)

// Server serves a chatsync.Store to remote clients.
type Server struct {
	store chatsync.Store
	auth  Authenticator
	log   zerolog.Logger
	mux   *http.ServeMux
}

type ServerOption func(*Server)

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer wraps store; every request must pass auth.
func NewServer(store chatsync.Store, auth Authenticator, opts ...ServerOption) *Server {
	s := &Server{store: store, auth: auth, log: zerolog.Nop(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /conversations/{id}/messages", s.authed(s.handleInsert))
	s.mux.HandleFunc("GET /conversations/{id}/messages", s.authed(s.handleQuery))
	s.mux.HandleFunc("PATCH /messages/{id}", s.authed(s.handleUpdate))
	s.mux.HandleFunc("POST /conversations/{id}/read", s.authed(s.handleRead))
	s.mux.HandleFunc("POST /conversations/{id}/typing", s.authed(s.handleTyping))
	s.mux.HandleFunc("GET /ws", s.authed(s.handleFeed))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
			return
		}
		next(w, r, userID)
	}
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, userID string) {
	var m chatsync.Message
	if !decodeBody(w, r, &m) {
		return
	}
	m.ConversationID = r.PathValue("id")
	if m.SenderID != userID {
		writeError(w, http.StatusForbidden, CodeForbidden, "sender must be the authenticated user")
		return
	}
	saved, err := s.store.Insert(r.Context(), m)
	if err != nil {
		s.writeStoreError(w, "insert", err)
		return
	}
	writeData(w, http.StatusCreated, saved)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, _ string) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(timeLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidInput, "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}
	msgs, err := s.store.QueryRecent(r.Context(), r.PathValue("id"), limit, before)
	if err != nil {
		s.writeStoreError(w, "query", err)
		return
	}
	if msgs == nil {
		msgs = []chatsync.Message{}
	}
	writeData(w, http.StatusOK, messagesPage{Messages: msgs})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ string) {
	var u chatsync.FieldUpdate
	if !decodeBody(w, r, &u) {
		return
	}
	u.ID = r.PathValue("id")
	if u.Read == nil && u.Translation == nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "nothing to update")
		return
	}
	if err := s.store.UpdateFields(r.Context(), u); err != nil {
		s.writeStoreError(w, "update", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, _ string) {
	var req readRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "ids is required")
		return
	}
	if err := s.store.MarkRead(r.Context(), r.PathValue("id"), req.IDs); err != nil {
		s.writeStoreError(w, "mark read", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, userID string) {
	var sig chatsync.TypingSignal
	if !decodeBody(w, r, &sig) {
		return
	}
	sig.ConversationID = r.PathValue("id")
	if sig.UserID == "" {
		sig.UserID = userID
	}
	if sig.UserID != userID {
		writeError(w, http.StatusForbidden, CodeForbidden, "typing user must be the authenticated user")
		return
	}
	if err := s.store.SetTyping(r.Context(), sig); err != nil {
		s.writeStoreError(w, "typing", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// ============================================================================
// Change feed
// ============================================================================

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "conversationId is required")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log := s.log.With().Str("user", userID).Str("conversation", conversationID).Logger()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Store handlers must not block, so frames go through a bounded queue. A
	// client that falls behind is dropped and resyncs on reconnect.
	out := make(chan Envelope, feedBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	push := func(env Envelope) {
		if overflowed {
			return
		}
		select {
		case out <- env:
		default:
			overflowed = true
			close(overflow)
		}
	}

	sub, err := s.store.Subscribe(ctx, conversationID, func(ch chatsync.Change) {
		payload, err := json.Marshal(ch)
		if err != nil {
			return
		}
		push(Envelope{Type: changeEvent(ch.Op), Payload: payload})
	})
	if err != nil {
		payload, _ := json.Marshal(APIError{Code: CodeUnavailable, Message: err.Error()})
		writeFrame(ctx, conn, Envelope{Type: EventError, Payload: payload})
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	auth, _ := json.Marshal(AuthenticatedPayload{UserID: userID, ConversationID: conversationID})
	if err := writeFrame(ctx, conn, Envelope{Type: EventAuthenticated, Payload: auth}); err != nil {
		return
	}
	log.Debug().Msg("feed opened")

	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) != nil || env.Type != EventPing {
				continue
			}
			select {
			case out <- Envelope{Type: EventPong, RequestID: env.RequestID}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("feed closed")
			return
		case <-sub.Done():
			log.Warn().Err(sub.Err()).Msg("store feed ended")
			conn.Close(websocket.StatusTryAgainLater, "feed ended")
			return
		case <-overflow:
			log.Warn().Msg("client too slow, dropping feed")
			conn.Close(websocket.StatusTryAgainLater, "too slow")
			return
		case env := <-out:
			if err := writeFrame(ctx, conn, env); err != nil {
				return
			}
		}
	}
}

func changeEvent(op chatsync.ChangeOp) string {
	switch op {
	case chatsync.OpInsert:
		return EventMessageNew
	case chatsync.OpTyping:
		return EventTyping
	default:
		return EventMessageUpdated
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, feedWriteLimit)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Response helpers
// ============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "Failed to read body")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chatsync.ErrRejected):
		writeError(w, http.StatusBadRequest, CodeRejected, err.Error())
	case errors.Is(err, chatsync.ErrTransient):
		s.log.Warn().Err(err).Str("op", op).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Str("op", op).Msg("store failure")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	res := Result{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}
		res.Data = raw
	}
	writeJSON(w, status, res)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, Result{Error: &APIError{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
