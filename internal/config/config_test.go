package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
log:
  level: debug
  console: true
storage:
  path: /var/lib/wagate/wagate.db
  busy_timeout: 5s
scheduler:
  poll_interval: 500ms
  prune_schedule: "@hourly"
  retention: 48h
transport:
  driver: loopback
  default_region: ID
  send_qps: 20
  ack_delay: 100ms
gateway:
  bulk_delay: 15s
  concurrency: 5
webhooks:
  sending_url: https://example.test/hooks/sending
  rate_per_sec: 10
telegram:
  enabled: true
  token: "123:abc"
  chat_id: -100200300
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Console {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if cfg.Storage.Path != "/var/lib/wagate/wagate.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Transport.Driver != "loopback" || cfg.Transport.DefaultRegion != "ID" {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.Gateway.Concurrency != 5 {
		t.Fatalf("concurrency = %d", cfg.Gateway.Concurrency)
	}
	if cfg.Webhooks.SendingURL == "" || cfg.Webhooks.RatePerSec != 10 {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.ChatID != -100200300 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}

	d, err := ParseDurationField("gateway.bulk_delay", cfg.Gateway.BulkDelay)
	if err != nil || d != 15*time.Second {
		t.Fatalf("bulk_delay = %v, %v", d, err)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing storage path",
			body: "log:\n  level: info\n",
			want: "storage.path",
		},
		{
			name: "bad duration",
			body: "storage:\n  path: db.sqlite\nscheduler:\n  poll_interval: soon\n",
			want: "scheduler.poll_interval",
		},
		{
			name: "negative duration",
			body: "storage:\n  path: db.sqlite\n  busy_timeout: -1s\n",
			want: "storage.busy_timeout",
		},
		{
			name: "unknown field",
			body: "storage:\n  path: db.sqlite\nbananas: 3\n",
			want: "bananas",
		},
		{
			name: "telegram enabled without token",
			body: "storage:\n  path: db.sqlite\ntelegram:\n  enabled: true\n",
			want: "telegram.token",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationFieldEmpty(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "  ")
	if err != nil || d != 0 {
		t.Fatalf("got (%v, %v), want (0, nil)", d, err)
	}
}
