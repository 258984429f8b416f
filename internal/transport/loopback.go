package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wagate/internal/eventbus"
)

// LoopbackConfig tunes the in-process development transport.
type LoopbackConfig struct {
	// SendQPS bounds outbound sends, mirroring how a real session
	// serializes network traffic. 0 means 10 qps.
	SendQPS float64

	// AckDelay is how long after a send the simulated delivery and read
	// acks arrive. 0 means 50ms.
	AckDelay time.Duration

	// Unreachable lists JIDs reported as not on the network.
	Unreachable []string
}

// Loopback simulates the messaging network in-process: sends succeed after
// a short latency and asynchronous DELIVERY_ACK / READ updates flow back
// through the event bus. It exists for development and tests; production
// deployments plug a real session implementation into the same interface.
type Loopback struct {
	cfg     LoopbackConfig
	bus     *eventbus.Bus
	log     zerolog.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	state       string
	unreachable map[string]bool
	wg          sync.WaitGroup
}

func NewLoopback(cfg LoopbackConfig, bus *eventbus.Bus, log zerolog.Logger) *Loopback {
	if cfg.SendQPS <= 0 {
		cfg.SendQPS = 10
	}
	if cfg.AckDelay <= 0 {
		cfg.AckDelay = 50 * time.Millisecond
	}
	unreachable := map[string]bool{}
	for _, jid := range cfg.Unreachable {
		unreachable[strings.TrimSpace(jid)] = true
	}
	return &Loopback{
		cfg:         cfg,
		bus:         bus,
		log:         log.With().Str("comp", "transport").Str("driver", "loopback").Logger(),
		limiter:     rate.NewLimiter(rate.Limit(cfg.SendQPS), 1),
		state:       StateDisconnected,
		unreachable: unreachable,
	}
}

func (t *Loopback) Open(ctx context.Context) error {
	t.setState(StateConnecting, "")
	t.setState(StateConnected, "")
	t.log.Info().Msg("session opened")
	return nil
}

func (t *Loopback) Close(ctx context.Context) error {
	t.setState(StateDisconnecting, "")
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	t.setState(StateDisconnected, "closed by operator")
	t.log.Info().Msg("session closed")
	return nil
}

func (t *Loopback) IsOpen() bool { return t.State() == StateConnected }

func (t *Loopback) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Loopback) setState(state, reason string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	if t.bus != nil {
		_ = t.bus.PublishSession(eventbus.SessionState{State: state, Reason: reason})
	}
}

func (t *Loopback) IsReachable(ctx context.Context, jid string) (bool, error) {
	if !t.IsOpen() {
		return false, ErrUnavailable
	}
	return !t.unreachable[jid], nil
}

func (t *Loopback) Send(ctx context.Context, jid string, payload json.RawMessage) (SendResult, error) {
	if !t.IsOpen() {
		return SendResult{}, ErrUnavailable
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResult{}, err
	}

	id := "loop-" + uuid.NewString()
	t.log.Debug().Str("jid", jid).Str("transport_message_id", id).Msg("message accepted")

	// Simulated network acks arrive later, like the real status stream.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for _, status := range []string{StatusDeliveryAck, StatusRead} {
			time.Sleep(t.cfg.AckDelay)
			if !t.IsOpen() {
				return
			}
			_ = t.bus.PublishUpdated(eventbus.MessageUpdated{
				TransportMessageID: id,
				JID:                jid,
				Status:             status,
			})
		}
	}()

	return SendResult{TransportMessageID: id, StatusCode: StatusServerAck}, nil
}

func (t *Loopback) Retract(ctx context.Context, jid, transportMessageID string) (bool, error) {
	if !t.IsOpen() {
		return false, ErrUnavailable
	}
	return true, nil
}
