// Package trigger dispatches work requests on cron or interval schedules.
//
// It only fires; gating, budgets and retries belong to the work scheduler.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bgwork/internal/eventbus"
	"bgwork/internal/work"
	logx "bgwork/pkg/logx"

	"github.com/robfig/cron/v3"
)

const warnThrottleEvery = time.Minute

// Dispatcher accepts fired requests. *work.Scheduler implements it.
type Dispatcher interface {
	Dispatch(req work.Request) error
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
}

// Def binds a schedule to the request it dispatches.
type Def struct {
	Name     string
	Schedule string
	Request  work.Request
}

type ScheduleInfo struct {
	Name          string
	WorkID        string
	Spec          string
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
}

// FiredEvent is the payload of trigger.fired events.
type FiredEvent struct {
	Name   string `json:"name"`
	WorkID string `json:"work_id"`
	Error  string `json:"error,omitempty"`
}

type entry struct {
	def     Def
	spec    string
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	d   Dispatcher

	mu      sync.Mutex
	cfg     Config
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, d Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: cfg,
		d:   d,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:  map[string]*entry{},
		lastWarn: map[string]time.Time{},
	}
}

// Add registers or replaces the trigger named def.Name.
func (s *Service) Add(def Def) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.New("trigger name required")
	}
	if strings.TrimSpace(def.Request.WorkID) == "" {
		return fmt.Errorf("trigger %q: work id required", def.Name)
	}
	ps, err := ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("trigger %q: %w", def.Name, err)
	}
	e := &entry{def: def}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("trigger %q: %w", def.Name, err)
		}
		e.spec = ps.Cron
	} else {
		e.spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(def.Name)
	s.entries[def.Name] = e
	if s.c != nil {
		return s.registerLocked(e, ps)
	}
	return nil
}

// Set replaces every trigger with defs. Invalid defs are skipped and
// reported together.
func (s *Service) Set(defs []Def) error {
	s.mu.Lock()
	for name := range s.entries {
		s.removeLocked(name)
	}
	s.mu.Unlock()

	var errs []error
	for _, d := range defs {
		if err := s.Add(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply swaps config and triggers for a hot reload. A timezone change
// restarts the cron runner.
func (s *Service) Apply(ctx context.Context, cfg Config, defs []Def) error {
	s.mu.Lock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	err := s.Set(defs)
	if running && tzChanged {
		s.Stop(ctx)
		s.Start(ctx)
	}
	return err
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	delete(s.entries, name)
	return true
}

// Start begins firing. Triggers added before Start are registered now.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, e := range s.entries {
		ps, _ := ParseSchedule(e.def.Schedule)
		if err := s.registerLocked(e, ps); err != nil {
			s.log.Error("trigger register failed", logx.String("name", e.def.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("triggers started", logx.String("tz", loc.String()), logx.Int("triggers", len(s.entries)))
}

// Stop stops firing and waits for running jobs to return, or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("triggers stopped")
}

func (s *Service) registerLocked(e *entry, ps ParsedSpec) error {
	job := cron.FuncJob(func() { s.fire(e.def) })
	if ps.Kind == SpecInterval {
		sched, spread := intervalWithSpread(ps.Every, time.Now(), e.def.Name)
		e.spread = spread
		e.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(e.spec, job)
	if err != nil {
		return err
	}
	e.entryID = id
	return nil
}

func (s *Service) fire(def Def) {
	err := s.d.Dispatch(def.Request)
	ev := FiredEvent{Name: def.Name, WorkID: def.Request.WorkID}
	if err != nil {
		ev.Error = err.Error()
		if s.shouldWarn(def.Name) {
			s.log.Warn("trigger dispatch failed", logx.String("name", def.Name), logx.String("work_id", def.Request.WorkID), logx.Err(err))
		}
	} else {
		s.log.Debug("trigger fired", logx.String("name", def.Name), logx.String("work_id", def.Request.WorkID))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Data: ev})
	}
}

func (s *Service) shouldWarn(name string) bool {
	now := time.Now()
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if last, ok := s.lastWarn[name]; ok && now.Sub(last) < warnThrottleEvery {
		return false
	}
	s.lastWarn[name] = now
	return true
}

// Snapshot lists triggers sorted by name. Next/Prev are zero until Start.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := ScheduleInfo{Name: e.def.Name, WorkID: e.def.Request.WorkID, Spec: e.spec, StartupSpread: e.spread}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
