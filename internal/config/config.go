// Package config loads the gateway configuration from a YAML file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Transport TransportConfig `yaml:"transport"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LogConfig struct {
	Level   string `yaml:"level"`   // trace|debug|info|warn|error; default info
	Console bool   `yaml:"console"` // pretty console writer instead of JSON
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	PollInterval  string `yaml:"poll_interval,omitempty"`  // default 1s
	PruneSchedule string `yaml:"prune_schedule,omitempty"` // cron spec, default @hourly
	Retention     string `yaml:"retention,omitempty"`      // default 24h
}

type TransportConfig struct {
	// Driver selects the session implementation. Only "loopback" ships in
	// this repo; real drivers register the same interface.
	Driver        string   `yaml:"driver"`
	DefaultRegion string   `yaml:"default_region"` // ISO 3166-1 alpha-2
	SendQPS       float64  `yaml:"send_qps,omitempty"`
	AckDelay      string   `yaml:"ack_delay,omitempty"`
	Unreachable   []string `yaml:"unreachable,omitempty"` // loopback only
}

type GatewayConfig struct {
	BulkDelay   string `yaml:"bulk_delay,omitempty"` // default 10s
	Concurrency int    `yaml:"concurrency,omitempty"`
}

type WebhookConfig struct {
	IncomingURL string `yaml:"incoming_url,omitempty"`
	SendingURL  string `yaml:"sending_url,omitempty"`
	UpdateURL   string `yaml:"update_url,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	RatePerSec  int    `yaml:"rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"`
	ChatID  int64  `yaml:"chat_id,omitempty"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.retention", c.Scheduler.Retention},
		{"transport.ack_delay", c.Transport.AckDelay},
		{"gateway.bulk_delay", c.Gateway.BulkDelay},
		{"webhooks.timeout", c.Webhooks.Timeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled")
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
