package app

import (
	"fmt"
	"strings"
	"time"

	"bgwork/internal/conditions"
	"bgwork/internal/config"
	"bgwork/internal/host"
	"bgwork/internal/observability/admin"
	"bgwork/internal/ratelimit"
	"bgwork/internal/storage"
	"bgwork/internal/trigger"
	"bgwork/internal/work"
	"bgwork/internal/workers"
	logx "bgwork/pkg/logx"

	"github.com/redis/go-redis/v9"
)

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapSchedulerConfig(c config.SchedulerConfig) (work.Config, error) {
	maxStep, err := config.ParseDurationOrDefault("scheduler.max_wait_step", c.MaxWaitStep, work.DefaultMaxWaitStep)
	if err != nil {
		return work.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.abandon_grace", c.AbandonGrace, work.DefaultAbandonGrace)
	if err != nil {
		return work.Config{}, err
	}
	if c.HistorySize < 0 {
		return work.Config{}, fmt.Errorf("scheduler.history_size must be >= 0")
	}
	bo, err := mapBackoff(c.Backoff)
	if err != nil {
		return work.Config{}, err
	}
	return work.Config{
		MaxWaitStep:  maxStep,
		AbandonGrace: grace,
		HistorySize:  c.HistorySize,
		Backoff:      bo,
	}, nil
}

func mapBackoff(b config.BackoffConfig) (work.Backoff, error) {
	switch strings.ToLower(strings.TrimSpace(b.Kind)) {
	case "", "fixed":
		d, err := config.ParseDurationOrDefault("scheduler.backoff.delay", b.Delay, work.DefaultRetryDelay)
		if err != nil {
			return nil, err
		}
		return work.FixedBackoff{Interval: d}, nil
	case "exponential":
		base, err := config.ParseDurationOrDefault("scheduler.backoff.base", b.Base, time.Second)
		if err != nil {
			return nil, err
		}
		maxD, err := config.ParseDurationOrDefault("scheduler.backoff.max", b.Max, 10*time.Minute)
		if err != nil {
			return nil, err
		}
		return work.ExponentialBackoff{Base: base, Max: maxD, Jitter: b.Jitter}, nil
	default:
		return nil, fmt.Errorf("scheduler.backoff.kind: unknown %q", b.Kind)
	}
}

func mapHostConfig(c config.HostConfig) (host.Config, error) {
	d, err := config.ParseDurationField("host.budget", c.Budget)
	if err != nil {
		return host.Config{}, err
	}
	return host.Config{
		BudgetDuration: d,
		MaxConcurrent:  c.MaxConcurrent,
		GrantRate:      c.GrantRate,
		GrantBurst:     c.GrantBurst,
	}, nil
}

func mapProbeConfig(c config.ConditionsConfig) (conditions.ProbeConfig, error) {
	every, err := config.ParseDurationField("conditions.probe_interval", c.ProbeInterval)
	if err != nil {
		return conditions.ProbeConfig{}, err
	}
	timeout, err := config.ParseDurationField("conditions.probe_timeout", c.ProbeTimeout)
	if err != nil {
		return conditions.ProbeConfig{}, err
	}
	return conditions.ProbeConfig{
		Addr:     strings.TrimSpace(c.ProbeAddr),
		Interval: every,
		Timeout:  timeout,
	}, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func mapStorageConfig(c *config.StorageConfig) (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	bt, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Driver),
		Path:        strings.TrimSpace(c.Path),
		BusyTimeout: bt,
	}, nil
}

// openHistoryStore returns the rate-limit history backend. The returned
// client is nil for the in-memory store.
func openHistoryStore(c *config.RateLimitStoreConfig) (ratelimit.HistoryStore, *redis.Client, error) {
	if c == nil {
		return ratelimit.NewMemoryStore(), nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "memory":
		return ratelimit.NewMemoryStore(), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(c.Addr),
			Password: c.Password,
			DB:       c.DB,
		})
		prefix := c.Prefix
		if prefix == "" {
			prefix = "bgwork:rl:"
		}
		return ratelimit.NewRedisStore(client, prefix), client, nil
	default:
		return nil, nil, fmt.Errorf("rate_limit_store.driver: unknown %q", c.Driver)
	}
}

type ruleSpec struct {
	rate     int
	interval time.Duration
}

func mapRateLimits(in map[string]config.RateLimitConfig) (map[string]ruleSpec, error) {
	out := make(map[string]ruleSpec, len(in))
	for id, rl := range in {
		d, err := config.ParseDurationField("rate_limits."+id+".interval", rl.Interval)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(id)] = ruleSpec{rate: rl.Rate, interval: d}
	}
	return out, nil
}

type workerBinding struct {
	class work.ConcurrencyClass
	spec  workers.Spec
}

func mapWorkers(in map[string]config.WorkerConfig) (map[string]workerBinding, error) {
	out := make(map[string]workerBinding, len(in))
	for id, w := range in {
		class, err := work.ParseConcurrencyClass(strings.ToLower(strings.TrimSpace(w.Class)))
		if err != nil {
			return nil, fmt.Errorf("workers.%s.class: %w", id, err)
		}
		timeout, err := config.ParseDurationField("workers."+id+".timeout", w.Timeout)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(id)] = workerBinding{
			class: class,
			spec: workers.Spec{
				Kind:    w.Kind,
				URL:     w.URL,
				Timeout: timeout,
				Headers: w.Headers,
			},
		}
	}
	return out, nil
}

func mapTriggers(in []config.TriggerConfig) ([]trigger.Def, error) {
	defs := make([]trigger.Def, 0, len(in))
	for i, t := range in {
		minDelay, err := config.ParseDurationField(fmt.Sprintf("triggers[%d].min_delay", i), t.MinDelay)
		if err != nil {
			return nil, err
		}
		defs = append(defs, trigger.Def{
			Name:     strings.TrimSpace(t.Name),
			Schedule: t.Schedule,
			Request: work.Request{
				WorkID:       t.WorkID,
				RateLimitIDs: t.RateLimitIDs,
				MinDelay:     minDelay,
				Options:      []byte(t.Options),
				Requirements: conditions.Requirements{
					Network:    t.RequiresNetwork,
					Foreground: t.RequiresForeground,
					Flags:      t.Flags,
				},
			},
		})
	}
	return defs, nil
}

func mapAdminConfig(c *config.AdminConfig) (admin.Config, error) {
	if c == nil {
		return admin.Config{}, nil
	}
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("admin.write_timeout", c.WriteTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
