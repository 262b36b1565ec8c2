package app

import (
	"fmt"
	"strings"
	"time"

	"campaignbot/internal/config"
	"campaignbot/internal/delivery"
	"campaignbot/internal/observability/ops"
	"campaignbot/internal/storage"
	"campaignbot/internal/task/engine"
	"campaignbot/internal/task/scheduler"
	telegram "campaignbot/internal/transport/telegram/adapter"
	logx "campaignbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver != "" && driver != "sqlite" {
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./campaignbot.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	send, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll, SendTimeout: send}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	enabled := true
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}

	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	defTimeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// dispatchSettings is the parsed dispatch section.
type dispatchSettings struct {
	MailingSchedule  string
	ScenarioSchedule string
	PumpSchedule     string
	RatePerSec       int
	Pump             delivery.PumpConfig
}

func mapDispatchConfig(cfg *config.Config) (dispatchSettings, error) {
	d := cfg.Dispatch
	out := dispatchSettings{
		MailingSchedule:  orDefault(d.MailingSchedule, "1m"),
		ScenarioSchedule: orDefault(d.ScenarioSchedule, "5m"),
		RatePerSec:       d.RatePerSec,
	}
	if out.RatePerSec == 0 {
		out.RatePerSec = 25
	}
	for path, raw := range map[string]string{
		"dispatch.mailing_schedule":  out.MailingSchedule,
		"dispatch.scenario_schedule": out.ScenarioSchedule,
	} {
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return dispatchSettings{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	pumpEvery, err := config.ParseDurationOrDefault("dispatch.pump_interval", d.PumpInterval, time.Second)
	if err != nil {
		return dispatchSettings{}, err
	}
	if pumpEvery < time.Second {
		return dispatchSettings{}, fmt.Errorf("dispatch.pump_interval: must be at least 1s")
	}
	out.PumpSchedule = pumpEvery.String()

	lease, err := config.ParseDurationOrDefault("dispatch.lease", d.Lease, 2*time.Minute)
	if err != nil {
		return dispatchSettings{}, err
	}
	purge, err := config.ParseDurationOrDefault("dispatch.purge_after", d.PurgeAfter, 7*24*time.Hour)
	if err != nil {
		return dispatchSettings{}, err
	}
	out.Pump = delivery.PumpConfig{Batch: d.PumpBatch, Lease: lease, PurgeAfter: purge}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	m := cfg.Metrics
	return ops.Config{
		Enabled:      m.Enabled,
		Addr:         orDefault(m.Addr, "127.0.0.1:9090"),
		Token:        m.Token,
		Pprof:        m.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
