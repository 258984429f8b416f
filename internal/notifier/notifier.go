// Package notifier pushes lifecycle events out of the gateway: webhook
// POSTs for incoming messages, send outcomes and message updates, plus an
// optional Telegram alert channel for operators.
//
// Every delivery is best-effort and fire-and-forget: a detached goroutine
// performs the call, failures are logged and swallowed, and callers never
// wait. Stop drains in-flight deliveries on shutdown.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned synchronously when the target URL (or the
// Telegram channel) is not set, so the caller can decide to log a warning.
var ErrNotConfigured = errors.New("notifier target not configured")

type Config struct {
	// Webhook endpoints; empty means the corresponding notification kind
	// is disabled.
	IncomingURL string
	SendingURL  string
	UpdateURL   string

	Timeout    time.Duration // per-call, default 10s
	RatePerSec int           // outbound rate ceiling, default 5

	Telegram TelegramConfig
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	return c
}

// SendingNotice is the payload posted after every delivery job run.
type SendingNotice struct {
	TransportMessageID string `json:"transportMessageId,omitempty"`
	JobID              string `json:"jobId"`
	Status             string `json:"status,omitempty"`
	Timestamp          int64  `json:"timestamp"`
}

type Service struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	http *http.Client
	log  zerolog.Logger
	tg   *telegramSink

	wg sync.WaitGroup
}

func New(cfg Config, log zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		log: log.With().Str("comp", "notifier").Logger(),
	}
	if cfg.Telegram.Enabled {
		tg, err := newTelegramSink(cfg.Telegram, s.log)
		if err != nil {
			s.log.Warn().Err(err).Msg("telegram alerts disabled")
		} else {
			s.tg = tg
		}
	}
	return s
}

// Apply swaps the webhook endpoints at runtime (config hot-reload). The
// Telegram channel is fixed at construction.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.IncomingURL = cfg.IncomingURL
	s.cfg.SendingURL = cfg.SendingURL
	s.cfg.UpdateURL = cfg.UpdateURL
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.mu.Unlock()
}

// NotifyIncoming forwards an inbound message to the incoming webhook.
func (s *Service) NotifyIncoming(payload any) error {
	return s.post(http.MethodPost, s.url(func(c Config) string { return c.IncomingURL }), "incoming", payload)
}

// NotifySending forwards a delivery job outcome to the sending webhook.
func (s *Service) NotifySending(n SendingNotice) error {
	return s.post(http.MethodPost, s.url(func(c Config) string { return c.SendingURL }), "sending", n)
}

// NotifyUpdate forwards the full message record to the update webhook.
func (s *Service) NotifyUpdate(message any) error {
	return s.post(http.MethodPatch, s.url(func(c Config) string { return c.UpdateURL }), "update", message)
}

// Alert pushes an operator note to the Telegram channel, if configured.
func (s *Service) Alert(text string) error {
	if s.tg == nil {
		return ErrNotConfigured
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tg.send(text)
	}()
	return nil
}

func (s *Service) url(pick func(Config) string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pick(s.cfg)
}

// post launches the actual HTTP call on a detached goroutine. The returned
// error only reflects configuration, never delivery.
func (s *Service) post(method, url, kind string, payload any) error {
	if url == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.http.Timeout)
		defer cancel()

		if err := s.limiter.Wait(ctx); err != nil {
			s.log.Warn().Err(err).Str("webhook", kind).Msg("webhook dropped")
			return
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			s.log.Warn().Err(err).Str("webhook", kind).Msg("webhook request build failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			s.log.Warn().Err(err).Str("webhook", kind).Str("url", url).Msg("webhook delivery failed")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			s.log.Warn().Int("status", resp.StatusCode).Str("webhook", kind).Str("url", url).Msg("webhook rejected")
			return
		}
		s.log.Debug().Str("webhook", kind).Str("url", url).Msg("webhook delivered")
	}()
	return nil
}

// Stop waits for in-flight deliveries, up to ctx.
func (s *Service) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("notifier stop timed out; dropping in-flight webhooks")
	}
}
