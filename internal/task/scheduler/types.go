package scheduler

import (
	"context"
	"sync"
	"time"

	"campaignbot/internal/task/engine"

	"github.com/robfig/cron/v3"
	logx "campaignbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Moscow"; empty means Local
}

// Job is the body of a scheduled tick.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string // cron expression or "@every <dur>"
	timeout time.Duration
	job     Job
	opt     engine.TaskOptions
	state   *engine.RunState
	cronID  cron.EntryID
	spread  time.Duration
}

// Service owns a robfig cron instance. Entries survive Stop and are
// re-registered on Start or on a timezone change.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	engine  *engine.Service
	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	entries []entry

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type EntryInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Entries  []EntryInfo
	Engine   engine.Snapshot
}
