package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campaignbot/internal/broadcast"
	"campaignbot/internal/config"
	"campaignbot/internal/delivery"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/membership"
	"campaignbot/internal/metrics"
	"campaignbot/internal/observability/ops"
	"campaignbot/internal/runtime/supervisor"
	"campaignbot/internal/storage"
	"campaignbot/internal/task/engine"
	"campaignbot/internal/task/scheduler"
	"campaignbot/internal/transport"
	telegram "campaignbot/internal/transport/telegram/adapter"
	logx "campaignbot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Schedule names registered with the scheduler.
const (
	jobMailings  = "dispatch.mailings"
	jobScenarios = "dispatch.scenarios"
	jobPump      = "delivery.pump"
	jobPurge     = "queue.purge"
	jobRefresh   = "metrics.refresh"
	jobReport    = "broadcast.report"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	adapter transport.Adapter

	engine  *engine.Service
	sched   *scheduler.Service
	ops     *ops.Service
	metrics *metrics.Metrics

	sender    *delivery.MessageSender
	pump      *delivery.Pump
	mailings  *dispatch.Mailings
	scenarios *dispatch.Scenarios
	commands  *commandRouter
	bcasts    *broadcast.Service

	updates chan transport.Update
}

// LoadConfig reads, validates and returns the config at path.
func LoadConfig(path string) (*config.ConfigManager, *config.Config, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, nil, err
	}
	return cfgm, cfg, nil
}

// OpenStore opens the configured database and applies the schema.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (*storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, log)
}

func NewApp(cfgPath string) (*App, error) {
	cfgm, cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := OpenStore(context.Background(), cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sender := delivery.NewMessageSender(ad, delivery.SenderOptions{
		ParseMode:  cfg.Telegram.ParseMode,
		RatePerSec: ds.RatePerSec,
	})
	worker := delivery.NewWorker(store, sender, log.With(logx.String("comp", "delivery")), bus)
	pump := delivery.NewPump(store, engineSvc, worker, ds.Pump, log.With(logx.String("comp", "pump")), bus)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	m.MustRegister(reg)
	opsSvc := ops.New(mapOpsConfig(cfg), reg, store.Ping, log.With(logx.String("comp", "ops")))

	registrar := membership.NewRegistrar(store, ad, log.With(logx.String("comp", "membership")))
	registrar.SetWelcome(cfg.Telegram.WelcomeText, cfg.Telegram.ParseMode)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		engine:    engineSvc,
		sched:     schedSvc,
		ops:       opsSvc,
		metrics:   m,
		sender:    sender,
		pump:      pump,
		mailings:  dispatch.NewMailings(store, log.With(logx.String("comp", "mailings")), bus),
		scenarios: dispatch.NewScenarios(store, log.With(logx.String("comp", "scenarios")), bus),
		commands:  newCommandRouter(registrar, store, ad, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "commands"))),
		bcasts:    broadcast.New(store, ad, log.With(logx.String("comp", "broadcast")), bus),
		updates:   make(chan transport.Update, 256),
	}
	a.commands.runtime = schedSvc.Snapshot
	a.commands.broadcasts = a.bcasts
	if err := a.registerJobs(ds); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// registerJobs upserts every periodic job. Re-registering replaces the
// previous schedule under the same name.
func (a *App) registerJobs(ds dispatchSettings) error {
	jobs := []struct {
		name, schedule string
		timeout        time.Duration
		run            scheduler.Job
	}{
		{jobMailings, ds.MailingSchedule, 5 * time.Minute, func(ctx context.Context) error {
			_, err := a.mailings.Run(ctx)
			return err
		}},
		{jobScenarios, ds.ScenarioSchedule, 10 * time.Minute, func(ctx context.Context) error {
			_, err := a.scenarios.Run(ctx)
			return err
		}},
		{jobPump, ds.PumpSchedule, 30 * time.Second, a.pump.Tick},
		{jobPurge, "1h", time.Minute, func(ctx context.Context) error {
			_, err := a.pump.Purge(ctx)
			return err
		}},
		{jobRefresh, "30s", 10 * time.Second, a.refreshGauges},
		{jobReport, "30s", 20 * time.Second, func(ctx context.Context) error {
			_, err := a.bcasts.Report(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j.name, j.schedule, j.timeout, j.run); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) refreshGauges(ctx context.Context) error {
	st, err := a.store.Stats(ctx, time.Now())
	if err != nil {
		return err
	}
	a.metrics.SetQueue(st)
	active, total, err := a.store.CountRecipients(ctx)
	if err != nil {
		return err
	}
	a.metrics.SetRecipients(active, total)
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	a.ops.Start(a.sup.Context())

	a.sup.Go0("commands.dispatch", func(c context.Context) { a.commands.Run(c, a.updates) })
	a.sup.Go0("metrics.events", func(c context.Context) { a.metrics.Run(c, a.bus) })

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Trace: pump ticks and outcomes are frequent.
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("keys", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.commands.registrar.SetWelcome(newCfg.Telegram.WelcomeText, newCfg.Telegram.ParseMode)
	a.commands.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ds, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.sender.SetRate(ds.RatePerSec)
		a.pump.Apply(ds.Pump)
		if err := a.registerJobs(ds); err != nil {
			a.log.Warn("reschedule failed", logx.Err(err))
		}
	}

	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()
	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	a.sched.Apply(mapSchedulerConfig(newCfg))

	// scheduler first on shutdown; engine first on startup
	if prevSched && !newCfg.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if err == nil && prevEng && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if err == nil && !prevEng && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && newCfg.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err),
				)
			}()
		}
	}

	// Scheduler first so no new dispatch ticks start; then drain in-flight units.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
