package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"bgwork/internal/conditions"
	"bgwork/internal/work"
	logx "bgwork/pkg/logx"
)

type fakeBackend struct {
	mu   sync.Mutex
	reqs []work.Request
	err  error
	mon  *conditions.Monitor
}

func (b *fakeBackend) Status() any { return map[string]int{"in_flight": 2} }

func (b *fakeBackend) Dispatch(req work.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return b.err
}

func (b *fakeBackend) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *fakeBackend) Monitor() *conditions.Monitor { return b.mon }

func startAdmin(t *testing.T, cfg Config, b Backend) string {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, b, logx.Nop())
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return "http://" + s.Addr()
}

func do(t *testing.T, method, url, body string, hdr map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestStatusAndHealth(t *testing.T) {
	base := startAdmin(t, Config{}, &fakeBackend{})

	if code, body := do(t, "GET", base+"/healthz", "", nil); code != 200 || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	code, body := do(t, "GET", base+"/status", "", nil)
	if code != 200 || !strings.Contains(body, `"in_flight":2`) {
		t.Fatalf("status = %d %q", code, body)
	}
	if code, _ := do(t, "GET", base+"/debug/pprof/", "", nil); code != 200 {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	b := &fakeBackend{}
	base := startAdmin(t, Config{}, b)

	code, _ := do(t, "POST", base+"/dispatch",
		`{"work_id":"sync","rate_limit_ids":["api"],"min_delay":"2s","options":{"full":true},"requirements":{"network":true}}`, nil)
	if code != http.StatusAccepted {
		t.Fatalf("dispatch = %d", code)
	}
	b.mu.Lock()
	got := b.reqs[0]
	b.mu.Unlock()
	if got.WorkID != "sync" || got.MinDelay.String() != "2s" || !got.Requirements.Network || string(got.Options) != `{"full":true}` {
		t.Fatalf("unexpected request: %+v", got)
	}

	cases := []struct {
		body string
		want int
	}{
		{`{"work_id":""}`, http.StatusBadRequest},
		{`{"work_id":"x","min_delay":"soon"}`, http.StatusBadRequest},
		{`{"work_id":"x","bogus":1}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if code, _ := do(t, "POST", base+"/dispatch", tc.body, nil); code != tc.want {
			t.Fatalf("body %s: code=%d want %d", tc.body, code, tc.want)
		}
	}

	b.setErr(work.ErrStopped)
	if code, _ := do(t, "POST", base+"/dispatch", `{"work_id":"x"}`, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("stopped dispatch = %d", code)
	}
	b.setErr(errors.New("boom"))
	if code, _ := do(t, "POST", base+"/dispatch", `{"work_id":"x"}`, nil); code != http.StatusInternalServerError {
		t.Fatalf("failed dispatch = %d", code)
	}
}

func TestConditionsEndpoint(t *testing.T) {
	mon := conditions.New(true, true, logx.Nop(), nil)
	base := startAdmin(t, Config{}, &fakeBackend{mon: mon})

	code, body := do(t, "POST", base+"/conditions", `{"connected":false,"flags":{"charging":true}}`, nil)
	if code != 200 {
		t.Fatalf("conditions = %d %q", code, body)
	}
	sig := mon.Signals()
	if sig.Connected || !sig.Foreground || !sig.Flags["charging"] {
		t.Fatalf("unexpected signals: %+v", sig)
	}
	if !strings.Contains(body, `"charging":true`) {
		t.Fatalf("response missing flags: %q", body)
	}
}

func TestTokenAuth(t *testing.T) {
	base := startAdmin(t, Config{Token: "s3cret"}, &fakeBackend{})

	if code, _ := do(t, "GET", base+"/status", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := do(t, "GET", base+"/status?token=nope", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", code)
	}
	if code, _ := do(t, "GET", base+"/status?token=s3cret", "", nil); code != 200 {
		t.Fatalf("query token = %d", code)
	}
	if code, _ := do(t, "GET", base+"/status", "", map[string]string{"Authorization": "Bearer s3cret"}); code != 200 {
		t.Fatalf("bearer token = %d", code)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, &fakeBackend{}, logx.Nop())
	if err := s.Start(t.Context()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener should not be bound")
	}
}

func TestDisabledIsNoop(t *testing.T) {
	s := New(Config{}, &fakeBackend{}, logx.Nop())
	if err := s.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "" || s.Enabled() {
		t.Fatal("disabled admin should not listen")
	}
	if err := s.Stop(t.Context()); err != nil {
		t.Fatal(err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
