package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks fields that do not need other packages to interpret.
// Schedule strings are checked by the app validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	switch cfg.Telegram.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		errs = append(errs, fmt.Errorf("telegram.parse_mode: unsupported %q", cfg.Telegram.ParseMode))
	}
	if cfg.Logging.Chat.Enabled && cfg.Telegram.LogChatID == 0 {
		errs = append(errs, errors.New("logging.chat.enabled: telegram.log_chat_id is required"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}

	durations := map[string]string{
		"telegram.poll_timeout":  cfg.Telegram.PollTimeout,
		"telegram.send_timeout":  cfg.Telegram.SendTimeout,
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
		"dispatch.pump_interval": cfg.Dispatch.PumpInterval,
		"dispatch.lease":         cfg.Dispatch.Lease,
		"dispatch.purge_after":   cfg.Dispatch.PurgeAfter,
	}
	if te := cfg.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
		if te.Workers < 0 || te.QueueSize < 0 || te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine: workers, queue_size and retry_max must not be negative"))
		}
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Dispatch.PumpBatch < 0 || cfg.Dispatch.RatePerSec < 0 || cfg.Logging.Chat.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.pump_batch, dispatch.rate_per_sec and logging.chat.rate_per_sec must not be negative"))
	}
	return errors.Join(errs...)
}
