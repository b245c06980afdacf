package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bgwork/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (redis password, webhook headers,
// admin token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}
	if oldCfg.Host != newCfg.Host {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.budget", newCfg.Host.Budget),
			logx.Int("host.max_concurrent", newCfg.Host.MaxConcurrent),
		)
	}
	if !reflect.DeepEqual(oldCfg.Conditions, newCfg.Conditions) {
		changed = append(changed, "conditions")
		attrs = append(attrs, logx.Bool("conditions.probe_enabled", strings.TrimSpace(newCfg.Conditions.ProbeAddr) != ""))
	}

	upserts, removed := DiffRateLimits(oldCfg.RateLimits, newCfg.RateLimits)
	if len(upserts) > 0 || len(removed) > 0 {
		changed = append(changed, "rate_limits")
		keys := make([]string, 0, len(upserts))
		for k := range upserts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs = append(attrs, logx.Strings("rate_limits.changed", keys), logx.Strings("rate_limits.removed", removed))
	}
	if !reflect.DeepEqual(oldCfg.RateLimitStore, newCfg.RateLimitStore) {
		changed = append(changed, "rate_limit_store")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Workers, newCfg.Workers) {
		changed = append(changed, "workers")
		attrs = append(attrs, logx.Int("workers.count", len(newCfg.Workers)))
	}
	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.Int("triggers.count", len(newCfg.Triggers)))
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		if newCfg.Admin != nil {
			attrs = append(attrs,
				logx.Bool("admin.enabled", newCfg.Admin.Enabled),
				logx.String("admin.addr", newCfg.Admin.Addr),
				logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
			)
		}
	}
	return changed, attrs
}

// DiffRateLimits returns the rules that are new or changed in next and the
// ids removed from prev. Unchanged rules are omitted so their hit history
// survives a reload.
func DiffRateLimits(prev, next map[string]RateLimitConfig) (map[string]RateLimitConfig, []string) {
	upserts := map[string]RateLimitConfig{}
	for id, rl := range next {
		old, ok := prev[id]
		if !ok || old.Rate != rl.Rate || strings.TrimSpace(old.Interval) != strings.TrimSpace(rl.Interval) {
			upserts[id] = rl
		}
	}
	var removed []string
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return upserts, removed
}
