package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"wagate/internal/identity"
	"wagate/internal/notifier"
	"wagate/internal/scheduler"
	"wagate/internal/store"
)

// handleDelivery is the delivery job body: resolve, check reachability,
// send, record. The message record is matched by jobID throughout, since
// the record id is unknown inside the job.
//
// Whatever happens, the job's outcome status is appended to the message
// history (empty status when the receiver was unreachable) and the sending
// webhook is notified. A job is never retried here; failure is terminal
// and lands in failReason.
func (s *Service) handleDelivery(ctx context.Context, job scheduler.Job) error {
	var p deliveryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}

	outcome := store.HistoryEntry{Timestamp: time.Now().Unix()}
	var transportMessageID string

	err := func() error {
		// Resolving
		jid := p.JID
		if jid == "" {
			if identity.IsJID(p.Receiver) {
				jid = p.Receiver
			} else {
				resolved, err := s.resolver.Resolve(p.Receiver, "")
				if err != nil {
					return err
				}
				jid = resolved.JID
			}
		}

		// Checking
		reachable, err := s.trans.IsReachable(ctx, jid)
		if err != nil {
			return err
		}

		// Sending (skipped when unreachable; transportMessageID stays empty)
		if reachable {
			res, err := s.trans.Send(ctx, jid, p.Message)
			if err != nil {
				return err
			}
			transportMessageID = res.TransportMessageID
			outcome.Status = res.StatusCode
		}

		// Recording
		matched, err := s.store.Update(ctx, store.Filter{JobID: job.ID}, store.Update{
			TransportMessageID: &transportMessageID,
		})
		if err == nil && !matched {
			s.log.Debug().Str("job_id", job.ID).Str("transport_message_id", transportMessageID).Msg("no record matched delivery outcome")
		}
		return err
	}()
	if err != nil {
		failReason := err.Error()
		if _, uerr := s.store.Update(ctx, store.Filter{JobID: job.ID}, store.Update{
			FailReason: &failReason,
		}); uerr != nil {
			s.log.Error().Err(uerr).Str("job_id", job.ID).Msg("persist failReason failed")
		}
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("delivery job failed")
	}

	if uerr := s.UpdateHistory(ctx, store.Filter{JobID: job.ID}, outcome); uerr != nil && !notFound(uerr) {
		s.log.Error().Err(uerr).Str("job_id", job.ID).Msg("append outcome history failed")
	}

	if nerr := s.notify.NotifySending(notifier.SendingNotice{
		TransportMessageID: transportMessageID,
		JobID:              job.ID,
		Status:             outcome.Status,
		Timestamp:          outcome.Timestamp,
	}); nerr != nil && !errors.Is(nerr, notifier.ErrNotConfigured) {
		s.log.Warn().Err(nerr).Str("job_id", job.ID).Msg("sending webhook skipped")
	}

	return err
}
