// Package app wires the gateway together: config, logging, storage,
// transport session, scheduler, orchestrator and notifier, with lifecycle
// methods for the binary.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"wagate/internal/config"
	"wagate/internal/eventbus"
	"wagate/internal/gateway"
	"wagate/internal/identity"
	"wagate/internal/notifier"
	"wagate/internal/scheduler"
	"wagate/internal/store"
	"wagate/internal/transport"
)

type App struct {
	log    zerolog.Logger
	store  *store.Store
	bus    *eventbus.Bus
	trans  transport.Transport
	sched  *scheduler.Service
	notify *notifier.Service
	gw     *gateway.Service
}

func New(cfg *config.Config) (*App, error) {
	log := newLogger(cfg.Log)

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New(log)

	trans, err := newTransport(cfg.Transport, bus, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pollInterval, _ := config.ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	retention, _ := config.ParseDurationField("scheduler.retention", cfg.Scheduler.Retention)
	sched, err := scheduler.New(st.DB(), scheduler.Config{
		PollInterval:  pollInterval,
		PruneSchedule: cfg.Scheduler.PruneSchedule,
		Retention:     retention,
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	notify := notifier.New(notifierConfig(cfg), log)

	bulkDelay, _ := config.ParseDurationField("gateway.bulk_delay", cfg.Gateway.BulkDelay)
	resolver := identity.New(cfg.Transport.DefaultRegion)
	gw, err := gateway.New(gateway.Config{
		BulkDelay:   bulkDelay,
		Concurrency: cfg.Gateway.Concurrency,
	}, st, resolver, trans, sched, bus, notify, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	return &App{
		log:    log,
		store:  st,
		bus:    bus,
		trans:  trans,
		sched:  sched,
		notify: notify,
		gw:     gw,
	}, nil
}

func newTransport(cfg config.TransportConfig, bus *eventbus.Bus, log zerolog.Logger) (transport.Transport, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "loopback":
		ackDelay, _ := config.ParseDurationField("transport.ack_delay", cfg.AckDelay)
		return transport.NewLoopback(transport.LoopbackConfig{
			SendQPS:     cfg.SendQPS,
			AckDelay:    ackDelay,
			Unreachable: cfg.Unreachable,
		}, bus, log), nil
	default:
		return nil, fmt.Errorf("unknown transport driver: %s", driver)
	}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	timeout, _ := config.ParseDurationField("webhooks.timeout", cfg.Webhooks.Timeout)
	return notifier.Config{
		IncomingURL: cfg.Webhooks.IncomingURL,
		SendingURL:  cfg.Webhooks.SendingURL,
		UpdateURL:   cfg.Webhooks.UpdateURL,
		Timeout:     timeout,
		RatePerSec:  cfg.Webhooks.RatePerSec,
		Telegram: notifier.TelegramConfig{
			Enabled: cfg.Telegram.Enabled,
			Token:   cfg.Telegram.Token,
			ChatID:  cfg.Telegram.ChatID,
		},
	}
}

func (a *App) Start(ctx context.Context) error {
	if err := a.trans.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.log.Info().Msg("gateway started")
	return nil
}

// ApplyConfig applies the hot-reloadable subset: webhook endpoints and
// rates. Everything else requires a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.notify.Apply(notifierConfig(cfg))
}

func (a *App) Stop(ctx context.Context) {
	a.sched.Stop(ctx)
	a.gw.Stop(ctx)
	a.notify.Stop(ctx)
	_ = a.trans.Close(ctx)
	_ = a.store.Close()
	a.log.Info().Msg("gateway stopped")
}

func (a *App) Gateway() *gateway.Service { return a.gw }

func (a *App) Logger() zerolog.Logger { return a.log }
