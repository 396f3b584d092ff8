package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"
)

type scriptedTransport struct {
	calls     int
	responses []func() (*http.Response, error)
}

func (s *scriptedTransport) Do(*http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i]()
}

func respond(status int, body string, headers map[string]string) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		h := http.Header{}
		for k, v := range headers {
			h.Set(k, v)
		}
		return &http.Response{
			StatusCode: status,
			Header:     h,
			Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		}, nil
	}
}

func testClient(t *testing.T, transport Doer, sleeps *[]time.Duration, metrics *[]RequestMetric) *Client {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c, err := New(Config{
		Provider:  "testprov",
		BaseURL:   "https://api.example.test",
		Rate:      RateConfig{Burst: 10, PerSecond: 1000},
		Transport: transport,
		Clock: func() time.Time {
			now = now.Add(10 * time.Millisecond)
			return now
		},
		Sleep: func(_ context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		},
		Metrics: func(m RequestMetric) {
			if metrics != nil {
				*metrics = append(*metrics, m)
			}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadRates(t *testing.T) {
	tests := []struct {
		name string
		rate RateConfig
	}{
		{"all zero", RateConfig{Burst: 1}},
		{"negative per-second", RateConfig{Burst: 1, PerSecond: -2}},
		{"negative burst", RateConfig{Burst: -1, PerSecond: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{Provider: "p", Rate: tt.rate}); err == nil {
				t.Error("expected construction to fail")
			}
		})
	}
}

func TestEffectiveRatePicksMostRestrictive(t *testing.T) {
	// 120/min = 2/s beats 10/s
	limit, err := RateConfig{PerSecond: 10, PerMinute: 120}.effectiveRate()
	if err != nil {
		t.Fatalf("effectiveRate: %v", err)
	}
	if float64(limit) != 2 {
		t.Errorf("limit = %v, want 2", limit)
	}
}

func TestGetSuccess(t *testing.T) {
	tr := &scriptedTransport{responses: []func() (*http.Response, error){
		respond(200, `{"height":850000}`, nil),
	}}
	var metrics []RequestMetric
	c := testClient(t, tr, nil, &metrics)

	var out struct {
		Height int64 `json:"height"`
	}
	if err := c.GetJSON(context.Background(), "/blocks/tip", &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Height != 850000 {
		t.Errorf("height = %d", out.Height)
	}
	if len(metrics) != 1 || metrics[0].Status != 200 || metrics[0].Endpoint != "/blocks/tip" {
		t.Errorf("metric = %+v", metrics)
	}
}

func TestRetryAfterHonored(t *testing.T) {
	tr := &scriptedTransport{responses: []func() (*http.Response, error){
		respond(429, "slow down", map[string]string{"Retry-After": "2"}),
		respond(200, `{}`, nil),
	}}
	var sleeps []time.Duration
	c := testClient(t, tr, &sleeps, nil)

	if _, err := c.Get(context.Background(), "/x"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want [2s] from Retry-After", sleeps)
	}
}

func TestServerErrorRetries(t *testing.T) {
	tr := &scriptedTransport{responses: []func() (*http.Response, error){
		respond(502, "bad gateway", nil),
		respond(502, "bad gateway", nil),
		respond(200, `{}`, nil),
	}}
	c := testClient(t, tr, nil, nil)

	if _, err := c.Get(context.Background(), "/x"); err != nil {
		t.Fatalf("Get after retries: %v", err)
	}
	if tr.calls != 3 {
		t.Errorf("transport called %d times, want 3", tr.calls)
	}
}

func TestClientErrorFailsFast(t *testing.T) {
	tr := &scriptedTransport{responses: []func() (*http.Response, error){
		respond(400, "bad request", nil),
	}}
	c := testClient(t, tr, nil, nil)

	_, err := c.Get(context.Background(), "/x")
	var he *Error
	if !errors.As(err, &he) {
		t.Fatalf("error type = %T", err)
	}
	if he.Class != ClassClient || he.ShouldRetry {
		t.Errorf("class=%s shouldRetry=%v, want client/false", he.Class, he.ShouldRetry)
	}
	if tr.calls != 1 {
		t.Errorf("client error was retried %d times", tr.calls-1)
	}
}

func TestRetriesExhausted(t *testing.T) {
	tr := &scriptedTransport{responses: []func() (*http.Response, error){
		respond(503, "down", nil),
	}}
	c := testClient(t, tr, nil, nil)

	_, err := c.Get(context.Background(), "/x")
	var he *Error
	if !errors.As(err, &he) || he.Class != ClassServer {
		t.Fatalf("want server-class error after exhaustion, got %v", err)
	}
	if tr.calls != 4 { // initial + 3 retries
		t.Errorf("transport called %d times, want 4", tr.calls)
	}
}

func TestTimeoutClassification(t *testing.T) {
	tr := &scriptedTransport{responses: []func() (*http.Response, error){
		func() (*http.Response, error) {
			return nil, fmt.Errorf("dial: %w", context.DeadlineExceeded)
		},
		respond(200, `{}`, nil),
	}}
	var metrics []RequestMetric
	c := testClient(t, tr, nil, &metrics)

	if _, err := c.Get(context.Background(), "/x"); err != nil {
		t.Fatalf("timeout should be retried: %v", err)
	}
	if len(metrics) != 2 || metrics[0].Status != 0 {
		t.Errorf("expected a zero-status metric for the timed-out attempt, got %+v", metrics)
	}
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &scriptedTransport{responses: []func() (*http.Response, error){
		respond(200, `{}`, nil),
	}}
	c := testClient(t, tr, nil, nil)

	if _, err := c.Get(ctx, "/x"); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"seconds", "30", 30 * time.Second},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.header, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}
