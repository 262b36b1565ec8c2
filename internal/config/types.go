package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m") and are parsed by the consumer with ParseDurationField.
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Dispatch   DispatchConfig    `json:"dispatch"`
	Metrics    MetricsConfig     `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// LogChatID receives WARN+ operator log lines when logging.chat.enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendTimeout bounds one transport call; a timeout is logged as ERROR.
	SendTimeout string `json:"send_timeout,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"` // "", "HTML", "Markdown", "MarkdownV2"
	// WelcomeText is the reply to /start; empty uses a built-in greeting.
	WelcomeText string `json:"welcome_text,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the database.
//
//	"storage": { "driver": "sqlite", "path": "./campaignbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool. Enabled is a pointer so an
// omitted value can default to true.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig holds dispatcher cadences and the durable queue pump.
//
// Schedules accept anything scheduler.ParseSchedule does ("1m", "*/5 * * * *", "00:05").
type DispatchConfig struct {
	MailingSchedule  string `json:"mailing_schedule,omitempty"`  // default "1m"
	ScenarioSchedule string `json:"scenario_schedule,omitempty"` // default "5m"
	PumpInterval     string `json:"pump_interval,omitempty"`     // default "1s"
	PumpBatch        int    `json:"pump_batch,omitempty"`        // default 50
	RatePerSec       int    `json:"rate_per_sec,omitempty"`      // default 25
	Lease            string `json:"lease,omitempty"`             // default "2m"
	PurgeAfter       string `json:"purge_after,omitempty"`       // default "168h"
}

// MetricsConfig controls the ops HTTP server (/metrics, /healthz, optional pprof).
//
// Bind to loopback unless a token is set.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
