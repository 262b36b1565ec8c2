package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"campaignbot/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.DispatchConfig
		wantErr string
		check   func(t *testing.T, ds dispatchSettings)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, ds dispatchSettings) {
				if ds.MailingSchedule != "1m" || ds.ScenarioSchedule != "5m" || ds.PumpSchedule != "1s" {
					t.Fatalf("schedules = %+v", ds)
				}
				if ds.RatePerSec != 25 || ds.Pump.Lease != 2*time.Minute || ds.Pump.PurgeAfter != 7*24*time.Hour {
					t.Fatalf("settings = %+v", ds)
				}
			},
		},
		{
			name: "cron and hhmm schedules",
			in:   config.DispatchConfig{MailingSchedule: "*/2 * * * *", ScenarioSchedule: "00:10", PumpInterval: "5s", PumpBatch: 10},
			check: func(t *testing.T, ds dispatchSettings) {
				if ds.PumpSchedule != "5s" || ds.Pump.Batch != 10 {
					t.Fatalf("settings = %+v", ds)
				}
			},
		},
		{name: "bad schedule", in: config.DispatchConfig{MailingSchedule: "soon"}, wantErr: "dispatch.mailing_schedule"},
		{name: "pump too fast", in: config.DispatchConfig{PumpInterval: "100ms"}, wantErr: "at least 1s"},
		{name: "bad lease", in: config.DispatchConfig{Lease: "forever"}, wantErr: "dispatch.lease"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ds, err := mapDispatchConfig(&config.Config{Dispatch: tt.in})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, ds)
		})
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()
	ec, err := mapTaskEngineConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !ec.Enabled || ec.Workers != 4 || ec.QueueSize != 256 || ec.DefaultTimeout != time.Minute {
		t.Fatalf("defaults = %+v", ec)
	}

	_, err = mapTaskEngineConfig(&config.Config{
		Scheduler:  config.SchedulerConfig{Enabled: true},
		TaskEngine: &config.TaskEngineConfig{Enabled: boolPtr(false)},
	})
	if err == nil {
		t.Fatal("disabled engine with enabled scheduler accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Path != "./campaignbot.db" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestMapLogConfigUsesLogChat(t *testing.T) {
	t.Parallel()
	lc := mapLogConfig(&config.Config{
		Telegram: config.TelegramConfig{LogChatID: -100123},
		Logging:  config.LoggingConfig{Level: "debug", Chat: config.LoggingChat{Enabled: true, MinLevel: "warn"}},
	})
	if lc.Chat.ChatID != -100123 || !lc.Chat.Enabled || lc.Level != "debug" {
		t.Fatalf("log config = %+v", lc)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		return &config.Config{
			Telegram:  config.TelegramConfig{Token: "123:abc"},
			Storage:   config.StorageConfig{Driver: "sqlite", Path: "bot.db"},
			Scheduler: config.SchedulerConfig{Enabled: true},
		}
	}
	if err := validate(context.Background(), base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"schedule", func(c *config.Config) { c.Dispatch.ScenarioSchedule = "often" }},
		{"poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			if err := validate(context.Background(), c); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
