package eventbus

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// The bus decouples transport and job events from their side effects
// (history updates, webhook forwards).
//
// Contract:
//   - Dispatch is synchronous: all handlers registered for an event kind run
//     to completion before Publish returns.
//   - Handlers for one publish run in registration order; no ordering is
//     guaranteed across independent publishes.
//   - A handler error is logged and returned, but does not stop the
//     remaining handlers of the same publish.
//
// Handlers are registered once at startup.

// IncomingMessage is raised when the transport reports an inbound message
// that was not sent by this gateway.
type IncomingMessage struct {
	Sender   string          `json:"sender"`
	Message  json.RawMessage `json:"message"`
	PushName string          `json:"pushName"`
}

// MessageUpdated is raised on any lifecycle change of an outgoing message.
// The transport's own status stream only knows TransportMessageID; the
// orchestrator's short-circuit path only knows MessageID. Exactly one of
// the two is normally set.
type MessageUpdated struct {
	MessageID          string `json:"messageId,omitempty"`
	TransportMessageID string `json:"transportMessageId,omitempty"`
	JID                string `json:"jid,omitempty"`
	Status             string `json:"status"`
}

// SessionState is raised when the transport session changes state.
type SessionState struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type Bus struct {
	mu       sync.RWMutex
	log      zerolog.Logger
	incoming []func(IncomingMessage) error
	updated  []func(MessageUpdated) error
	session  []func(SessionState) error
}

func New(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("comp", "eventbus").Logger()}
}

func (b *Bus) SubscribeIncoming(fn func(IncomingMessage) error) {
	b.mu.Lock()
	b.incoming = append(b.incoming, fn)
	b.mu.Unlock()
}

func (b *Bus) SubscribeUpdated(fn func(MessageUpdated) error) {
	b.mu.Lock()
	b.updated = append(b.updated, fn)
	b.mu.Unlock()
}

func (b *Bus) SubscribeSession(fn func(SessionState) error) {
	b.mu.Lock()
	b.session = append(b.session, fn)
	b.mu.Unlock()
}

// PublishIncoming dispatches to all incoming-message handlers and returns
// the first handler error, if any.
func (b *Bus) PublishIncoming(e IncomingMessage) error {
	b.mu.RLock()
	hs := b.incoming
	b.mu.RUnlock()

	var first error
	for _, fn := range hs {
		if err := fn(e); err != nil {
			b.log.Error().Err(err).Str("event", "incomingMessage").Str("sender", e.Sender).Msg("subscriber failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (b *Bus) PublishUpdated(e MessageUpdated) error {
	b.mu.RLock()
	hs := b.updated
	b.mu.RUnlock()

	var first error
	for _, fn := range hs {
		if err := fn(e); err != nil {
			b.log.Error().Err(err).
				Str("event", "messageUpdated").
				Str("message_id", e.MessageID).
				Str("transport_message_id", e.TransportMessageID).
				Str("status", e.Status).
				Msg("subscriber failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (b *Bus) PublishSession(e SessionState) error {
	b.mu.RLock()
	hs := b.session
	b.mu.RUnlock()

	var first error
	for _, fn := range hs {
		if err := fn(e); err != nil {
			b.log.Error().Err(err).Str("event", "sessionState").Str("state", e.State).Msg("subscriber failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
