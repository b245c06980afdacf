package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks values that decoding alone cannot: durations, rule
// bounds, known enums and trigger references. All problems are reported
// together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("scheduler.max_wait_step", cfg.Scheduler.MaxWaitStep)
	dur("scheduler.abandon_grace", cfg.Scheduler.AbandonGrace)
	b := cfg.Scheduler.Backoff
	switch strings.ToLower(strings.TrimSpace(b.Kind)) {
	case "", "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("scheduler.backoff.kind: unknown %q", b.Kind))
	}
	dur("scheduler.backoff.delay", b.Delay)
	dur("scheduler.backoff.base", b.Base)
	dur("scheduler.backoff.max", b.Max)
	if b.Jitter < 0 || b.Jitter > 1 {
		errs = append(errs, fmt.Errorf("scheduler.backoff.jitter: must be within [0,1]"))
	}

	dur("host.budget", cfg.Host.Budget)
	if cfg.Host.MaxConcurrent < 0 || cfg.Host.GrantRate < 0 || cfg.Host.GrantBurst < 0 {
		errs = append(errs, errors.New("host: limits must be >= 0"))
	}

	dur("conditions.probe_interval", cfg.Conditions.ProbeInterval)
	dur("conditions.probe_timeout", cfg.Conditions.ProbeTimeout)

	for id, rl := range cfg.RateLimits {
		path := "rate_limits." + id
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("rate_limits: empty rule id"))
		}
		d, err := ParseDurationField(path+".interval", rl.Interval)
		if err != nil {
			errs = append(errs, err)
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s.interval: must be > 0", path))
		}
		if rl.Rate <= 0 {
			errs = append(errs, fmt.Errorf("%s.rate: must be > 0", path))
		}
	}

	if st := cfg.RateLimitStore; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory":
		case "redis":
			if strings.TrimSpace(st.Addr) == "" {
				errs = append(errs, errors.New("rate_limit_store.addr: required for redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("rate_limit_store.driver: unknown %q", st.Driver))
		}
	}

	if st := cfg.Storage; st != nil {
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	for id, w := range cfg.Workers {
		path := "workers." + id
		switch strings.ToLower(strings.TrimSpace(w.Kind)) {
		case "", "log":
		case "webhook":
			if strings.TrimSpace(w.URL) == "" {
				errs = append(errs, fmt.Errorf("%s.url: required for webhook", path))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind: unknown %q", path, w.Kind))
		}
		switch strings.ToLower(strings.TrimSpace(w.Class)) {
		case "", "serial", "concurrent":
		default:
			errs = append(errs, fmt.Errorf("%s.class: unknown %q", path, w.Class))
		}
		dur(path+".timeout", w.Timeout)
	}

	if ad := cfg.Admin; ad != nil {
		dur("admin.read_timeout", ad.ReadTimeout)
		dur("admin.write_timeout", ad.WriteTimeout)
	}

	seen := map[string]bool{}
	for i, t := range cfg.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(t.WorkID) == "" {
			errs = append(errs, fmt.Errorf("%s.work_id: required", path))
		}
		if strings.TrimSpace(t.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		dur(path+".min_delay", t.MinDelay)
	}
	return errors.Join(errs...)
}
