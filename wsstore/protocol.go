// Package wsstore exposes a chatsync.Store over HTTP with a websocket change
// feed, and provides the matching client.
//
// REST routes (JSON bodies, bearer auth):
//
//	POST  /conversations/{id}/messages      insert, returns the stored row
//	GET   /conversations/{id}/messages      ?limit=&before=RFC3339
//	PATCH /messages/{id}                     partial update
//	POST  /conversations/{id}/read          {"ids": [...]}
//	POST  /conversations/{id}/typing        typing signal
//	GET   /ws?conversationId={id}           change feed
//
// Every REST response is wrapped in a Result envelope; every websocket frame
// is an Envelope.
package wsstore

import (
	"encoding/json"
	"time"

	"github.com/LuminPulse-AI/chatsync"
)

// Event types on the websocket.
const (
	EventAuthenticated  = "authenticated"
	EventMessageNew     = "message.new"
	EventMessageUpdated = "message.updated"
	EventTyping         = "typing.indicator"
	EventError          = "error"
	EventPing           = "ping"
	EventPong           = "pong"
)

// APIError is the error body of a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Envelope is the wire format for all websocket frames.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// AuthenticatedPayload is sent once the feed is open.
type AuthenticatedPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type readRequest struct {
	IDs []string `json:"ids"`
}

type messagesPage struct {
	Messages []chatsync.Message `json:"messages"`
}

// Error codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeInvalidInput = "INVALID_INPUT"
	CodeNotFound     = "NOT_FOUND"
	CodeRejected     = "REJECTED"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL"
)

const timeLayout = time.RFC3339Nano
