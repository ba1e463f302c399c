package chatsync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Message Model
// ============================================================================

// ProvisionalPrefix tags ids generated locally before the store assigns one.
const ProvisionalPrefix = "local-"

// Kind is the content type of a message. It never changes after creation.
type Kind string

const (
	KindText    Kind = "text"
	KindVoice   Kind = "voice"
	KindImage   Kind = "image"
	KindSticker Kind = "sticker"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindImage, KindSticker:
		return true
	}
	return false
}

// Attachment is the media payload of a non-text message.
type Attachment struct {
	URL         string        `json:"url,omitempty"`
	ContentType string        `json:"contentType,omitempty"`
	Size        int64         `json:"size,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	StickerID   string        `json:"stickerId,omitempty"`
	CulturalTag string        `json:"culturalTag,omitempty"`
}

// Translation is attached to a message after the fact; it never replaces Body.
type Translation struct {
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage"`
	Text           string `json:"text"`
}

// Message is one entry of a conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Body           string       `json:"body"`
	Kind           Kind         `json:"kind"`
	Attachment     *Attachment  `json:"attachment,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	Read           bool         `json:"read"`
	Translation    *Translation `json:"translation,omitempty"`
	// ClientNonce is written with the row so the authoritative copy can be
	// matched back to the provisional one.
	ClientNonce string `json:"clientNonce,omitempty"`
}

// IsProvisional reports whether the id was generated locally.
func (m *Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// Validate checks the shape rules for a message about to be sent.
func (m *Message) Validate() error {
	if m.ConversationID == "" || m.SenderID == "" {
		return errors.New("conversation id and sender id are required")
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	switch m.Kind {
	case KindText:
		if strings.TrimSpace(m.Body) == "" {
			return errors.New("text message body is empty")
		}
	case KindVoice:
		if m.Attachment == nil || m.Attachment.URL == "" {
			return errors.New("voice message requires an attachment url")
		}
		if m.Attachment.Duration <= 0 {
			return errors.New("voice message requires a duration")
		}
	case KindImage:
		if m.Attachment == nil || m.Attachment.URL == "" {
			return errors.New("image message requires an attachment url")
		}
	case KindSticker:
		if m.Attachment == nil || (m.Attachment.URL == "" && m.Attachment.StickerID == "") {
			return errors.New("sticker message requires a sticker url or id")
		}
	}
	return nil
}

func (m Message) clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.Translation != nil {
		t := *m.Translation
		m.Translation = &t
	}
	return m
}

// Conversation is the scope key of a session. It is owned elsewhere.
type Conversation struct {
	ID             string
	ParticipantIDs []string
}

// ============================================================================
// Change Feed Types
// ============================================================================

// TypingSignal is one typing flag transition for a user in a conversation.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Typing         bool      `json:"isTyping"`
	At             time.Time `json:"at"`
}

// FieldUpdate is a partial write or update notification. Only read state and
// translation are mutable.
type FieldUpdate struct {
	ID          string       `json:"id"`
	Read        *bool        `json:"read,omitempty"`
	Translation *Translation `json:"translation,omitempty"`
}

// ChangeOp identifies the kind of change notification.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpTyping ChangeOp = "typing"
)

// Change is a single notification delivered by a subscription.
type Change struct {
	Op      ChangeOp      `json:"op"`
	Message *Message      `json:"message,omitempty"`
	Update  *FieldUpdate  `json:"update,omitempty"`
	Typing  *TypingSignal `json:"typing,omitempty"`
}

// ============================================================================
// Send Lifecycle
// ============================================================================

// SendState is the lifecycle position of an outgoing message.
type SendState string

const (
	SendPending      SendState = "pending"
	SendAcknowledged SendState = "acknowledged"
	SendReconciled   SendState = "reconciled"
	SendFailed       SendState = "failed"
	SendRemoved      SendState = "removed"
)

// NotifyKind is the feedback category passed to a Notifier.
type NotifyKind string

const (
	NotifySent     NotifyKind = "sent"
	NotifyReceived NotifyKind = "received"
	NotifyError    NotifyKind = "error"
)
