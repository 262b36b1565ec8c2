package config

import (
	"reflect"
	"strings"

	logx "campaignbot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and safe log fields
// describing the new values. Tokens are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	mark := func(section string, fs ...logx.Field) {
		changed = append(changed, section)
		fields = append(fields, fs...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.LogChatID != nt.LogChatID || ot.PollTimeout != nt.PollTimeout ||
		ot.SendTimeout != nt.SendTimeout || ot.ParseMode != nt.ParseMode || ot.WelcomeText != nt.WelcomeText || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("telegram",
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.send_timeout", nt.SendTimeout),
			logx.String("telegram.parse_mode", nt.ParseMode),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := derefTaskEngine(newCfg.TaskEngine)
		mark("task_engine", logx.Int("task_engine.workers", te.Workers), logx.Int("task_engine.queue_size", te.QueueSize))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled), logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		mark("dispatch",
			logx.String("dispatch.mailing_schedule", d.MailingSchedule),
			logx.String("dispatch.scenario_schedule", d.ScenarioSchedule),
			logx.String("dispatch.pump_interval", d.PumpInterval),
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
		)
	}
	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om.Enabled != nm.Enabled || om.Addr != nm.Addr || om.Pprof != nm.Pprof || om.Token != nm.Token {
		mark("metrics",
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", nm.Addr),
			logx.Bool("metrics.token_set", nm.Token != ""),
		)
	}
	return changed, fields
}

// RestartRequired reports sections that cannot be applied without a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token {
		out = append(out, "telegram.token")
	}
	if ot.PollTimeout != nt.PollTimeout || ot.SendTimeout != nt.SendTimeout {
		out = append(out, "telegram.timeouts")
	}
	if ot.ParseMode != nt.ParseMode {
		out = append(out, "telegram.parse_mode")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
