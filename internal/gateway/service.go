// Package gateway coordinates message delivery end to end: identity
// resolution, job scheduling, transport sends, idempotent status history
// and event propagation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wagate/internal/eventbus"
	"wagate/internal/identity"
	"wagate/internal/notifier"
	"wagate/internal/scheduler"
	"wagate/internal/store"
	"wagate/internal/transport"
)

// JobKindDeliver is the single job kind this gateway schedules.
const JobKindDeliver = "deliver-message"

// failInvalidReceiver is the persisted failReason for receivers that are
// well-formed but not on the network.
const failInvalidReceiver = "Invalid receiver"

type Config struct {
	// BulkDelay staggers bulk fan-out: receiver i is scheduled at
	// base + i*BulkDelay. Default 10s.
	BulkDelay time.Duration

	// Concurrency is the delivery job ceiling. Default 3.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.BulkDelay <= 0 {
		c.BulkDelay = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	return c
}

// CreateInput is the caller-facing shape for single and bulk creation.
type CreateInput struct {
	Receiver   string          `json:"receiver,omitempty"`
	Receivers  []string        `json:"receivers,omitempty"` // bulk only
	Message    json.RawMessage `json:"message,omitempty"`
	Schedule   *time.Time      `json:"schedule,omitempty"` // nil = immediate
	RegionHint string          `json:"regionHint,omitempty"`
}

// deliveryPayload is the job body. The message record id is not known to
// the job; jobID is the join key back to the record.
type deliveryPayload struct {
	Receiver string          `json:"receiver"`
	JID      string          `json:"jid,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
}

type Service struct {
	cfg      Config
	store    *store.Store
	resolver *identity.Resolver
	trans    transport.Transport
	sched    *scheduler.Service
	bus      *eventbus.Bus
	notify   *notifier.Service
	log      zerolog.Logger

	// fanout tracks detached bulk creations so shutdown can drain them.
	fanout sync.WaitGroup
}

func New(cfg Config, st *store.Store, resolver *identity.Resolver, tr transport.Transport, sched *scheduler.Service, bus *eventbus.Bus, notify *notifier.Service, log zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    st,
		resolver: resolver,
		trans:    tr,
		sched:    sched,
		bus:      bus,
		notify:   notify,
		log:      log.With().Str("comp", "gateway").Logger(),
	}
	if err := sched.Register(JobKindDeliver, s.cfg.Concurrency, s.handleDelivery); err != nil {
		return nil, err
	}
	s.registerSubscribers()
	return s, nil
}

// Create resolves the receiver, checks reachability and schedules exactly
// one delivery job for the persisted message. An unreachable receiver
// short-circuits into a terminal ERROR record with no job. A missing
// session is surfaced to the caller as transport.ErrUnavailable.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Message, error) {
	return s.create(ctx, in, "")
}

func (s *Service) create(ctx context.Context, in CreateInput, batchCode string) (*store.Message, error) {
	receiver := strings.TrimSpace(in.Receiver)
	if receiver == "" {
		return nil, fmt.Errorf("%w: receiver is required", ErrInvalidInput)
	}

	var jid string
	if identity.IsJID(receiver) {
		jid = receiver
	} else {
		resolved, err := s.resolver.Resolve(receiver, in.RegionHint)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		jid = resolved.JID
	}

	reachable, err := s.trans.IsReachable(ctx, jid)
	if err != nil {
		return nil, err
	}
	if !reachable {
		msg := &store.Message{
			ID:         uuid.NewString(),
			BatchCode:  batchCode,
			Receiver:   receiver,
			Payload:    in.Message,
			Schedule:   in.Schedule,
			Status:     transport.StatusError,
			FailReason: failInvalidReceiver,
		}
		if err := s.store.Create(ctx, msg); err != nil {
			return nil, err
		}
		_ = s.bus.PublishUpdated(eventbus.MessageUpdated{
			MessageID: msg.ID,
			Status:    transport.StatusError,
		})
		return msg, nil
	}

	payload, err := json.Marshal(deliveryPayload{Receiver: receiver, JID: jid, Message: in.Message})
	if err != nil {
		return nil, err
	}
	var job scheduler.Job
	if in.Schedule != nil {
		job, err = s.sched.ScheduleAt(ctx, *in.Schedule, JobKindDeliver, payload)
	} else {
		job, err = s.sched.ScheduleNow(ctx, JobKindDeliver, payload)
	}
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:        uuid.NewString(),
		BatchCode: batchCode,
		JobID:     job.ID,
		Receiver:  receiver,
		JID:       jid,
		Payload:   in.Message,
		Schedule:  in.Schedule,
	}
	if err := s.store.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// CreateBulk fans one input out to many receivers on a shared batch code,
// staggering schedules by BulkDelay per ordinal. The fan-out is detached:
// CreateBulk returns before the sub-creations finish, and their errors are
// only visible on the resulting message records.
func (s *Service) CreateBulk(ctx context.Context, in CreateInput) (string, error) {
	if len(in.Receivers) == 0 {
		return "", fmt.Errorf("%w: receivers are required", ErrInvalidInput)
	}

	batchCode := uuid.NewString()
	base := time.Now()
	if in.Schedule != nil {
		base = *in.Schedule
	}

	for i, receiver := range in.Receivers {
		sendAt := base.Add(time.Duration(i) * s.cfg.BulkDelay)
		sub := CreateInput{
			Receiver:   receiver,
			Message:    in.Message,
			Schedule:   &sendAt,
			RegionHint: in.RegionHint,
		}
		s.fanout.Add(1)
		go func(sub CreateInput) {
			defer s.fanout.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.create(cctx, sub, batchCode); err != nil {
				s.log.Error().Err(err).Str("batch_code", batchCode).Str("receiver", sub.Receiver).Msg("bulk sub-creation failed")
			}
		}(sub)
	}
	return batchCode, nil
}

// UpdateHistory appends entry to the matched message honoring the
// one-entry-per-status invariant: the stored list is recomputed by
// deduplicating on status (first write wins), then status is set to the
// entry's status and the whole list persisted.
//
// The read-modify-write is not atomic against concurrent updates to the
// same message; with a single transport session the window is narrow, and
// the behavior is accepted (see DESIGN.md).
func (s *Service) UpdateHistory(ctx context.Context, f store.Filter, entry store.HistoryEntry) error {
	msg, err := s.store.Find(ctx, f)
	if err != nil {
		return err
	}

	histories := dedupByStatus(append(msg.Histories, entry))
	status := entry.Status
	matched, err := s.store.Update(ctx, f, store.Update{
		Status:    &status,
		Histories: histories,
	})
	if err != nil {
		return err
	}
	if !matched {
		return store.ErrNotFound
	}
	return nil
}

// Delete retracts the message on the transport and, only on confirmation,
// removes the record. Preconditions: the message must carry a transport
// message id and a canonical receiver.
func (s *Service) Delete(ctx context.Context, id string) error {
	msg, err := s.store.Find(ctx, store.Filter{ID: id})
	if err != nil {
		return err
	}
	if msg.TransportMessageID == "" || msg.Receiver == "" || !identity.IsJID(msg.Receiver) {
		return ErrInvalidKey
	}

	ok, err := s.trans.Retract(ctx, msg.Receiver, msg.TransportMessageID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRetractFailed
	}

	if _, err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *Service) Get(ctx context.Context, f store.Filter) (*store.Message, error) {
	return s.store.Find(ctx, f)
}

func (s *Service) List(ctx context.Context, q store.ListQuery) ([]store.Message, store.PageInfo, error) {
	return s.store.List(ctx, q)
}

// SessionState reports the transport session state for the connectivity
// endpoint.
func (s *Service) SessionState() string {
	return s.trans.State()
}

// Stop drains detached bulk fan-outs. In-flight jobs are the scheduler's
// concern.
func (s *Service) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.fanout.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("gateway stop timed out; abandoning bulk fan-out")
	}
}

// dedupByStatus keeps the first entry for each distinct status value,
// preserving order.
func dedupByStatus(entries []store.HistoryEntry) []store.HistoryEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]store.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if seen[e.Status] {
			continue
		}
		seen[e.Status] = true
		out = append(out, e)
	}
	return out
}

// notFound reports whether err is a missing-message condition.
func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
