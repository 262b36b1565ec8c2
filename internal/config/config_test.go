package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "campaignbot/pkg/logx"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc", "send_timeout": "15s"},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "bot.db"},
  "scheduler": {"enabled": true, "timezone": "UTC"},
  "dispatch": {"mailing_schedule": "1m", "scenario_schedule": "5m", "pump_batch": 20}
}`

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
logging:
  level: debug
storage:
  path: bot.db
scheduler:
  enabled: true
dispatch:
  scenario_schedule: "*/5 * * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
		check            func(t *testing.T, c *Config)
	}{
		{"json", "config.json", sampleJSON, func(t *testing.T, c *Config) {
			if c.Dispatch.PumpBatch != 20 || c.Telegram.SendTimeout != "15s" {
				t.Fatalf("decoded %+v", c.Dispatch)
			}
		}},
		{"yaml", "config.yaml", sampleYAML, func(t *testing.T, c *Config) {
			if len(c.Telegram.OwnerUserIDs) != 2 || c.Dispatch.ScenarioSchedule != "*/5 * * * *" {
				t.Fatalf("decoded %+v", c)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := NewConfigManager(writeFile(t, tt.file, tt.body)).Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	tests := []struct{ name, file, body, want string }{
		{"unknown field", "c.json", `{"telegram":{"token":"x","group_log":"1"}}`, "unknown field"},
		{"trailing", "c.json", `{"telegram":{"token":"x"}} {}`, "trailing data"},
		{"yaml unknown", "c.yml", "plugins: {}\n", "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := &Config{Telegram: TelegramConfig{Token: "t"}}
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate(minimal) = %v", err)
	}
	bad := &Config{
		Telegram: TelegramConfig{ParseMode: "BBCode", SendTimeout: "soon"},
		Logging:  LoggingConfig{Chat: LoggingChat{Enabled: true}},
		Storage:  StorageConfig{Driver: "mysql"},
		Dispatch: DispatchConfig{Lease: "-1m"},
	}
	err := Validate(bad)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"telegram.token", "telegram.parse_mode", "log_chat_id", "storage.driver", "telegram.send_timeout", "dispatch.lease"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		err  bool
	}{
		{"", time.Minute, false},
		{"0s", time.Minute, false},
		{"30s", 30 * time.Second, false},
		{"-1s", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
		if (err != nil) != tt.err || got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, %v", tt.raw, got, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}, Dispatch: DispatchConfig{RatePerSec: 10}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}, Dispatch: DispatchConfig{RatePerSec: 20}}
	changed, fields := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "telegram,dispatch" || len(fields) == 0 {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(a, b); len(got) != 1 || got[0] != "telegram.token" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(sampleJSON, `"pump_batch": 20`, `"pump_batch": 40`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.PumpBatch != 40 {
			t.Fatalf("PumpBatch = %d", cfg.Dispatch.PumpBatch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Dispatch.PumpBatch != 40 {
		t.Fatal("Get did not return the committed config")
	}
}
