package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/notifier"
	"wagate/internal/store"
)

const subscriberTimeout = 15 * time.Second

func (s *Service) registerSubscribers() {
	s.bus.SubscribeIncoming(s.onIncomingMessage)
	s.bus.SubscribeUpdated(s.onMessageUpdated)
	s.bus.SubscribeSession(s.onSessionState)
}

// onIncomingMessage forwards inbound traffic to the incoming webhook.
// Inbound messages are not persisted here.
func (s *Service) onIncomingMessage(e eventbus.IncomingMessage) error {
	err := s.notify.NotifyIncoming(e)
	if errors.Is(err, notifier.ErrNotConfigured) {
		s.log.Warn().Str("sender", e.Sender).Msg("incoming message webhook url not provided")
		return nil
	}
	return err
}

// onMessageUpdated records a status transition reported either by the
// orchestrator (by message id) or by the transport's status stream (by
// transport message id), then forwards the fresh record to the update
// webhook, best-effort.
func (s *Service) onMessageUpdated(e eventbus.MessageUpdated) error {
	f := store.Filter{
		ID:                 e.MessageID,
		TransportMessageID: e.TransportMessageID,
	}
	if f.IsZero() {
		return fmt.Errorf("messageUpdated event without message reference")
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscriberTimeout)
	defer cancel()

	err := s.UpdateHistory(ctx, f, store.HistoryEntry{
		Status:    e.Status,
		Timestamp: time.Now().Unix(),
	})
	if notFound(err) {
		// Status updates can outlive their record (e.g. deleted message).
		s.log.Debug().Str("transport_message_id", e.TransportMessageID).Str("status", e.Status).Msg("update for unknown message")
		return nil
	}
	if err != nil {
		return err
	}

	msg, err := s.store.Find(ctx, f)
	if err == nil {
		if nerr := s.notify.NotifyUpdate(msg); nerr != nil && !errors.Is(nerr, notifier.ErrNotConfigured) {
			s.log.Warn().Err(nerr).Str("message_id", msg.ID).Msg("update webhook skipped")
		}
	}
	return nil
}

// onSessionState mirrors connectivity changes to the operator alert
// channel.
func (s *Service) onSessionState(e eventbus.SessionState) error {
	s.log.Info().Str("state", e.State).Str("reason", e.Reason).Msg("session state changed")
	text := "session " + e.State
	if e.Reason != "" {
		text += ": " + e.Reason
	}
	if err := s.notify.Alert(text); err != nil && !errors.Is(err, notifier.ErrNotConfigured) {
		return err
	}
	return nil
}
