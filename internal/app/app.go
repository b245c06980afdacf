// Package app wires config, logging and the work scheduler into the bgwork
// daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"bgwork/internal/conditions"
	"bgwork/internal/config"
	"bgwork/internal/eventbus"
	"bgwork/internal/host"
	"bgwork/internal/observability/admin"
	"bgwork/internal/ratelimit"
	"bgwork/internal/runtime/supervisor"
	"bgwork/internal/storage"
	"bgwork/internal/trigger"
	"bgwork/internal/work"
	"bgwork/internal/workers"
	logx "bgwork/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	redis *redis.Client

	limiter  *ratelimit.Limiter
	monitor  *conditions.Monitor
	host     *host.Local
	sched    *work.Scheduler
	triggers *trigger.Service

	adminMu  sync.Mutex
	admin    *admin.Service
	adminLog logx.Logger

	probeLog    logx.Logger
	probeMu     sync.Mutex
	probeCancel context.CancelFunc
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	root := logSvc.Logger()

	a, err := build(cfg, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = log
	return a, nil
}

func build(cfg *config.Config, root logx.Logger) (_ *App, err error) {
	a := &App{bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	hs, client, err := openHistoryStore(cfg.RateLimitStore)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.limiter = ratelimit.New(
		ratelimit.WithStore(hs),
		ratelimit.WithLogger(root.With(logx.String("comp", "ratelimit"))),
	)

	a.monitor = conditions.New(
		boolOr(cfg.Conditions.InitialConnected, true),
		boolOr(cfg.Conditions.InitialForeground, true),
		root.With(logx.String("comp", "conditions")),
		a.bus,
	)
	if _, err := mapProbeConfig(cfg.Conditions); err != nil {
		return nil, err
	}
	a.probeLog = root.With(logx.String("comp", "probe"))
	a.adminLog = root.With(logx.String("comp", "admin"))
	if _, err := mapAdminConfig(cfg.Admin); err != nil {
		return nil, err
	}

	hc, err := mapHostConfig(cfg.Host)
	if err != nil {
		return nil, err
	}
	a.host = host.NewLocal(hc, nil, root.With(logx.String("comp", "host")))

	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if st != nil {
		a.store = st
		root.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	wc, err := mapSchedulerConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	opts := []work.Option{
		work.WithLogger(root.With(logx.String("comp", "scheduler"))),
		work.WithBus(a.bus),
		work.WithLimiter(a.limiter),
		work.WithMonitor(a.monitor),
		work.WithHost(a.host),
	}
	if a.store != nil {
		opts = append(opts, work.WithStore(a.store))
	}
	a.sched = work.New(wc, opts...)

	bindings, err := mapWorkers(cfg.Workers)
	if err != nil {
		return nil, err
	}
	wlog := root.With(logx.String("comp", "worker"))
	for _, id := range sortedKeys(bindings) {
		b := bindings[id]
		h, err := workers.Build(id, b.spec, wlog)
		if err != nil {
			return nil, err
		}
		if err := a.sched.Register(id, b.class, h); err != nil {
			return nil, err
		}
	}

	a.triggers = trigger.New(
		trigger.Config{Timezone: cfg.Scheduler.Timezone},
		a.sched,
		root.With(logx.String("comp", "trigger")),
		a.bus,
	)
	defs, err := mapTriggers(cfg.Triggers)
	if err != nil {
		return nil, err
	}
	if err := a.triggers.Set(defs); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) Scheduler() *work.Scheduler    { return a.sched }
func (a *App) Monitor() *conditions.Monitor  { return a.monitor }
func (a *App) Triggers() *trigger.Service    { return a.triggers }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

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
	c := a.sup.Context()

	if err := a.applyRateLimits(c, nil, a.cfgm.Get().RateLimits); err != nil {
		return err
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := mapTriggers(cfg.Triggers); err != nil {
			return err
		}
		for _, t := range cfg.Triggers {
			if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
				return fmt.Errorf("triggers.%s: %w", t.Name, err)
			}
		}
		return nil
	})

	a.monitor.SetForeground(true)
	a.sched.Start(c)
	a.triggers.Start(c)

	if err := a.startProbe(a.cfgm.Get().Conditions); err != nil {
		return err
	}

	if err := a.startAdmin(c, a.cfgm.Get().Admin); err != nil {
		return err
	}

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
				// Keep this debug-level to avoid noise for frequent triggers.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
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
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("rate_limits", len(a.limiter.Rules())),
		logx.Int("triggers", len(a.triggers.Snapshot())),
	)
	return nil
}

// startAdmin stops the running admin endpoint, if any, and starts one for c.
func (a *App) startAdmin(ctx context.Context, c *config.AdminConfig) error {
	ac, err := mapAdminConfig(c)
	if err != nil {
		return err
	}
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	if a.admin != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.admin.Stop(stopCtx)
		cancel()
		a.admin = nil
	}
	if !ac.Enabled {
		return nil
	}
	svc := admin.New(ac, a, a.adminLog)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	a.admin = svc
	return nil
}

// AdminAddr returns the bound admin address, or "" when disabled.
func (a *App) AdminAddr() string {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// startProbe replaces the running connectivity probe. An empty probe_addr
// stops probing and leaves connectivity where it was. Initial values only
// apply at startup.
func (a *App) startProbe(c config.ConditionsConfig) error {
	pc, err := mapProbeConfig(c)
	if err != nil {
		return err
	}
	a.probeMu.Lock()
	defer a.probeMu.Unlock()
	if a.probeCancel != nil {
		a.probeCancel()
		a.probeCancel = nil
	}
	p := conditions.NewProbe(pc, a.monitor, a.probeLog)
	if !p.Enabled() {
		return nil
	}
	pctx, cancel := context.WithCancel(a.sup.Context())
	a.probeCancel = cancel
	a.sup.GoRestart("conditions.probe", func(context.Context) error { return p.Run(pctx) },
		supervisor.WithRestartBackoff(time.Second, time.Minute))
	return nil
}

// applyConfig hot-applies what can change at runtime: logging, rate-limit
// rules, the connectivity probe, triggers and their timezone. Everything
// else needs a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "scheduler", "host", "rate_limit_store", "storage", "workers":
			if s == "scheduler" && onlyTimezoneChanged(oldCfg, newCfg) {
				continue
			}
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg.Logging))

	if err := a.applyRateLimits(ctx, oldCfg.RateLimits, newCfg.RateLimits); err != nil {
		a.log.Warn("rate limit update failed", logx.Err(err))
	}

	if !reflect.DeepEqual(oldCfg.Conditions, newCfg.Conditions) {
		if err := a.startProbe(newCfg.Conditions); err != nil {
			a.log.Warn("invalid probe config; keeping previous", logx.Err(err))
		}
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		if err := a.startAdmin(ctx, newCfg.Admin); err != nil {
			a.log.Warn("admin restart failed", logx.Err(err))
		}
	}

	defs, err := mapTriggers(newCfg.Triggers)
	if err != nil {
		a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
	} else if err := a.triggers.Apply(ctx, trigger.Config{Timezone: newCfg.Scheduler.Timezone}, defs); err != nil {
		a.log.Warn("trigger update failed", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func onlyTimezoneChanged(oldCfg, newCfg *config.Config) bool {
	o, n := oldCfg.Scheduler, newCfg.Scheduler
	o.Timezone, n.Timezone = "", ""
	return o == n
}

// applyRateLimits installs new and changed rules and removes dropped ones.
// Unchanged rules keep their hit history.
func (a *App) applyRateLimits(ctx context.Context, prev, next map[string]config.RateLimitConfig) error {
	upserts, removed := config.DiffRateLimits(prev, next)
	rules, err := mapRateLimits(upserts)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(rules) {
		r := rules[id]
		if err := a.sched.SetRateLimit(ctx, id, r.rate, r.interval); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", id, err)
		}
	}
	for _, id := range removed {
		if err := a.limiter.RemoveRule(ctx, id); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", id, err)
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
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
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error {
		a.adminMu.Lock()
		defer a.adminMu.Unlock()
		if a.admin == nil {
			return nil
		}
		return a.admin.Stop(c)
	})
	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("budgets", time.Second, func(context.Context) error {
		a.monitor.SetForeground(false)
		a.host.RevokeAll()
		return nil
	})
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("backends", 2*time.Second, func(context.Context) error { return a.closeBackends() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeBackends closes storage and the redis client. Safe to call twice.
func (a *App) closeBackends() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
		a.redis = nil
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
