package app

import (
	"bgwork/internal/conditions"
	"bgwork/internal/ratelimit"
	"bgwork/internal/runtime/supervisor"
	"bgwork/internal/trigger"
	"bgwork/internal/work"
)

// Status is the payload of the admin /status endpoint.
type Status struct {
	Scheduler    work.Snapshot             `json:"scheduler"`
	Conditions   conditions.Signals        `json:"conditions"`
	RateLimits   map[string]ratelimit.Rule `json:"rate_limits"`
	Triggers     []trigger.ScheduleInfo    `json:"triggers"`
	ActiveGrants int                       `json:"active_grants"`
	Pipelines    supervisor.Counters       `json:"pipelines"`
}

func (a *App) Status() any {
	return Status{
		Scheduler:    a.sched.Snapshot(),
		Conditions:   a.monitor.Signals(),
		RateLimits:   a.limiter.Rules(),
		Triggers:     a.triggers.Snapshot(),
		ActiveGrants: a.host.Active(),
		Pipelines:    a.sched.Supervisor().Counters(),
	}
}

func (a *App) Dispatch(req work.Request) error { return a.sched.Dispatch(req) }
