package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bgwork/internal/work"
)

const defaultWebhookTimeout = 30 * time.Second

// Webhook POSTs request options to a URL.
//
// Status mapping:
//   - 2xx: success
//   - 429, 503 with Retry-After: retry after the hinted delay
//   - other 5xx, 408, 429, transport errors: retry with scheduler backoff
//   - other 4xx: failure
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	now     func() time.Time
}

func NewWebhook(rawURL string, timeout time.Duration, headers map[string]string) (*Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:     u.String(),
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

func (w *Webhook) Handle(ctx context.Context, req work.Request) (work.Result, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(req.Options))
	if err != nil {
		return work.Failure(), err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("X-Work-ID", req.WorkID)
	hr.Header.Set("X-Work-Attempt", strconv.Itoa(work.AttemptFromContext(ctx)))
	for k, v := range w.headers {
		hr.Header.Set(k, v)
	}

	resp, err := w.client.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return work.Failure(), err
		}
		return work.Retry(), nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return work.Success(), nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), w.now()); ok {
			return work.RetryAfter(d), nil
		}
		return work.Retry(), nil
	case code >= 500 || code == http.StatusRequestTimeout:
		return work.Retry(), nil
	default:
		return work.Failure(), errors.New("webhook rejected: " + resp.Status)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(t.Sub(now), 0), true
}
