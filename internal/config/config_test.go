package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {"max_wait_step": "10s", "backoff": {"kind": "exponential", "base": "1s", "max": "1m", "jitter": 0.2}},
  "host": {"budget": "30s", "max_concurrent": 4},
  "conditions": {"probe_addr": "1.1.1.1:53"},
  "rate_limits": {"api": {"rate": 2, "interval": "1m"}},
  "workers": {"sync": {"kind": "log", "class": "serial"}},
  "triggers": [{"name": "sync-5m", "schedule": "every:5m", "work_id": "sync", "rate_limit_ids": ["api"]}]
}`

const sampleYAML = `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
scheduler:
  max_wait_step: 10s
  backoff: {kind: exponential, base: 1s, max: 1m, jitter: 0.2}
host: {budget: 30s, max_concurrent: 4}
conditions: {probe_addr: "1.1.1.1:53"}
rate_limits:
  api: {rate: 2, interval: 1m}
workers:
  sync: {kind: log, class: serial}
triggers:
  - name: sync-5m
    schedule: "every:5m"
    work_id: sync
    rate_limit_ids: [api]
`

func TestParseBytesJSONAndYAMLAgree(t *testing.T) {
	fromJSON, err := ParseBytes("config.json", []byte(sampleJSON))
	require.NoError(t, err)
	fromYAML, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, Hash(fromJSON), Hash(fromYAML))
	assert.Equal(t, 2, fromJSON.RateLimits["api"].Rate)
	assert.Equal(t, "sync", fromJSON.Triggers[0].WorkID)
	require.NoError(t, Validate(fromJSON))
}

func TestParseBytesSniffsFormatWithoutExtension(t *testing.T) {
	cfg, err := ParseBytes("bgwork.conf", []byte(sampleJSON))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	cfg, err = ParseBytes("bgwork.conf", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseBytesIsStrict(t *testing.T) {
	_, err := ParseBytes("c.json", []byte(`{"logging": {"level": "info"}, "telegram": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")

	_, err = ParseBytes("c.json", []byte(`{"logging": {}} {"logging": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	_, err = ParseBytes("c.yaml", []byte("host:\n  bogus: 1\n"))
	require.Error(t, err)
}

func TestEmptyYAMLIsZeroConfig(t *testing.T) {
	cfg, err := ParseBytes("c.yaml", []byte("# nothing\n"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
	assert.NoError(t, Validate(cfg))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{MaxWaitStep: "soon", Backoff: BackoffConfig{Kind: "linear", Jitter: 2}},
		Host:      HostConfig{MaxConcurrent: -1},
		RateLimits: map[string]RateLimitConfig{
			"zero":    {Rate: 0, Interval: "1s"},
			"no-span": {Rate: 1},
		},
		RateLimitStore: &RateLimitStoreConfig{Driver: "redis"},
		Workers: map[string]WorkerConfig{
			"hook": {Kind: "webhook"},
			"odd":  {Kind: "shell", Class: "parallel"},
		},
		Triggers: []TriggerConfig{
			{Name: "a", Schedule: "every:1m", WorkID: "hook"},
			{Name: "a", Schedule: "", WorkID: ""},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"scheduler.max_wait_step",
		"scheduler.backoff.kind",
		"scheduler.backoff.jitter",
		"host: limits",
		"rate_limits.zero.rate",
		"rate_limits.no-span.interval",
		"rate_limit_store.addr",
		"workers.hook.url",
		"workers.odd.kind",
		"workers.odd.class",
		`triggers[1].name: duplicate "a"`,
		"triggers[1].work_id",
		"triggers[1].schedule",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Error(t, Validate(nil))
}

func TestDiffRateLimits(t *testing.T) {
	prev := map[string]RateLimitConfig{
		"keep":   {Rate: 1, Interval: "1m"},
		"change": {Rate: 1, Interval: "1m"},
		"drop":   {Rate: 5, Interval: "1h"},
	}
	next := map[string]RateLimitConfig{
		"keep":   {Rate: 1, Interval: " 1m "},
		"change": {Rate: 2, Interval: "1m"},
		"new":    {Rate: 3, Interval: "10s"},
	}
	upserts, removed := DiffRateLimits(prev, next)
	assert.Equal(t, map[string]RateLimitConfig{
		"change": {Rate: 2, Interval: "1m"},
		"new":    {Rate: 3, Interval: "10s"},
	}, upserts)
	assert.Equal(t, []string{"drop"}, removed)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := ParseBytes("c.json", []byte(sampleJSON))
	require.NoError(t, err)
	newCfg, err := ParseBytes("c.json", []byte(sampleJSON))
	require.NoError(t, err)

	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, sections)

	newCfg.Logging.Level = "info"
	newCfg.RateLimits["api"] = RateLimitConfig{Rate: 9, Interval: "1m"}
	newCfg.RateLimitStore = &RateLimitStoreConfig{Driver: "redis", Addr: "x:1", Password: "secret"}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "rate_limits", "rate_limit_store"}, sections)
	assert.NotEmpty(t, attrs)

	sections, _ = SummarizeConfigChange(nil, newCfg)
	assert.Contains(t, sections, "triggers")
}

func TestDurationHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x.y", "-1s")
	assert.ErrorContains(t, err, "x.y")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManagerLoadAndValidator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, sampleJSON)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Host.MaxConcurrent > 2 {
			return assert.AnError
		}
		return nil
	})
	_, err = m.Load()
	assert.ErrorIs(t, err, assert.AnError)
	assert.Same(t, cfg, m.Get(), "rejected config must not be committed")
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, sampleJSON)

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid edits are rejected and never published.
	writeFile(t, path, strings.Replace(sampleJSON, `"rate": 2`, `"rate": 0`, 1))
	select {
	case <-sub:
		t.Fatal("invalid config was published")
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, path, strings.Replace(sampleJSON, `"rate": 2`, `"rate": 7`, 1))
	select {
	case got := <-sub:
		assert.Equal(t, 7, got.RateLimits["api"].Rate)
		assert.Same(t, got, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not published")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.Unsubscribe(nil)
	m.publish(&Config{})
}
