package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaignbot/internal/eventbus"
	"campaignbot/internal/model"
	"campaignbot/internal/task/engine"
	logx "campaignbot/pkg/logx"
)

// Queue is the durable job queue the pump drains.
type Queue interface {
	Lease(ctx context.Context, now time.Time, limit int, leaseFor time.Duration) ([]model.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
	Requeue(ctx context.Context, id string, at time.Time) error
	RecoverExpired(ctx context.Context, now time.Time) (int, error)
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// Executor accepts tasks without blocking. *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type Handler interface {
	Handle(ctx context.Context, job model.Job) error
}

type PumpConfig struct {
	Batch int
	// Lease must outlive queue wait plus UnitTimeout, or a slow unit is leased twice.
	Lease        time.Duration
	UnitTimeout  time.Duration
	RequeueDelay time.Duration
	PurgeAfter   time.Duration
	// MaxAttempts fails a job that keeps coming back from expired leases.
	MaxAttempts int
}

func (c PumpConfig) withDefaults() PumpConfig {
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.UnitTimeout <= 0 || c.UnitTimeout > c.Lease/2 {
		c.UnitTimeout = c.Lease / 2
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 2 * time.Second
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = 7 * 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// ErrTooManyAttempts is recorded on jobs whose lease expired MaxAttempts times.
var ErrTooManyAttempts = errors.New("lease expired too many times")

// Pump moves due jobs from the durable queue into the task engine.
type Pump struct {
	mu  sync.Mutex
	cfg PumpConfig

	q    Queue
	exec Executor
	h    Handler
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
}

func NewPump(q Queue, exec Executor, h Handler, cfg PumpConfig, log logx.Logger, bus eventbus.Bus) *Pump {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pump{cfg: cfg.withDefaults(), q: q, exec: exec, h: h, log: log, bus: bus, now: time.Now}
}

func (p *Pump) Apply(cfg PumpConfig) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Pump) config() PumpConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Tick recovers expired leases, leases one batch and hands it to the engine.
// Jobs the engine cannot take are requeued a little later.
func (p *Pump) Tick(ctx context.Context) error {
	cfg := p.config()
	now := p.now()

	if n, err := p.q.RecoverExpired(ctx, now); err != nil {
		return err
	} else if n > 0 {
		p.log.Warn("recovered jobs with expired lease", logx.Int("jobs", n))
	}

	jobs, err := p.q.Lease(ctx, now, cfg.Batch, cfg.Lease)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobsLeased, Time: now, Data: len(jobs)})
	}

	for i, job := range jobs {
		if job.Attempts > cfg.MaxAttempts {
			p.log.Error("job abandoned", logx.String("job", job.ID), logx.Int("attempts", job.Attempts))
			if err := p.q.Fail(ctx, job.ID, ErrTooManyAttempts); err != nil {
				p.log.Error("fail job", logx.String("job", job.ID), logx.Err(err))
			}
			continue
		}
		err := p.exec.Enqueue(engine.Task{
			ID:      job.ID,
			Name:    "deliver." + string(job.Kind),
			Timeout: cfg.UnitTimeout,
			Opt:     engine.TaskOptions{RetryMax: -1},
			Run:     p.runner(job),
		})
		if err == nil {
			continue
		}
		rest := jobs[i:]
		p.requeue(ctx, rest, now.Add(cfg.RequeueDelay))
		if errors.Is(err, engine.ErrQueueFull) {
			p.log.Debug("engine busy, jobs requeued", logx.Int("jobs", len(rest)))
			return nil
		}
		return fmt.Errorf("submit job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Pump) runner(job model.Job) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := p.h.Handle(ctx, job)

		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err != nil {
			if ferr := p.q.Fail(bctx, job.ID, err); ferr != nil {
				p.log.Error("mark job failed", logx.String("job", job.ID), logx.Err(ferr))
			}
			return err
		}
		if cerr := p.q.Complete(bctx, job.ID); cerr != nil {
			p.log.Error("mark job done", logx.String("job", job.ID), logx.Err(cerr))
		}
		return nil
	}
}

func (p *Pump) requeue(ctx context.Context, jobs []model.Job, at time.Time) {
	for _, j := range jobs {
		if err := p.q.Requeue(ctx, j.ID, at); err != nil {
			p.log.Error("requeue job", logx.String("job", j.ID), logx.Err(err))
		}
	}
}

// Purge removes finished jobs older than PurgeAfter.
func (p *Pump) Purge(ctx context.Context) (int, error) {
	n, err := p.q.Purge(ctx, p.now().Add(-p.config().PurgeAfter))
	if err == nil && n > 0 {
		p.log.Info("purged finished jobs", logx.Int("jobs", n))
	}
	return n, err
}
