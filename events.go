package chatsync

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// EventType names a session event.
type EventType string

const (
	EventMessagesChanged EventType = "messages.changed"
	EventSendFailed      EventType = "send.failed"
	EventStateChanged    EventType = "subscription.state"
	EventDisconnected    EventType = "subscription.disconnected"
	EventTypingChanged   EventType = "typing.changed"
	EventUploadStarted   EventType = "upload.started"
	EventUploadFailed    EventType = "upload.failed"
)

// Event is delivered to handlers registered with Session.OnEvent. Only the
// fields relevant to Type are set.
type Event struct {
	Type    EventType
	Message *Message
	State   SubscriptionState
	Peers   []string
	Err     error
}

// EventHandler handles session events. Handlers run on the goroutine that
// produced the event and must not block.
type EventHandler func(Event)

type eventEmitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
	log      zerolog.Logger
}

func (e *eventEmitter) OnEvent(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *eventEmitter) emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call(h, ev)
	}
}

// call runs one handler. A panic is logged and does not reach the producer or
// the remaining handlers.
func (e *eventEmitter) call(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("event", string(ev.Type)).
				Str("stack", string(debug.Stack())).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}

func (e *eventEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}
