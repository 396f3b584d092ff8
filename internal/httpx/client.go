// Package httpx is the outbound HTTP effect layer: every provider request
// goes through a rate-limited, retrying client with typed error
// classification. Clock, sleep, transport and metrics are injected so tests
// run deterministically with no network and no real time.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// ErrorClass buckets a failed request for retry decisions.
type ErrorClass string

const (
	ClassRateLimit ErrorClass = "rate_limit"
	ClassServer    ErrorClass = "server"
	ClassClient    ErrorClass = "client"
	ClassTimeout   ErrorClass = "timeout"
	ClassUnknown   ErrorClass = "unknown"
)

// Error is a classified request failure.
type Error struct {
	Class       ErrorClass
	Status      int // 0 when no response was received
	ShouldRetry bool
	RetryAfter  time.Duration // from a 429 Retry-After header, 0 otherwise
	URL         string
	Err         error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("http %s (%d) %s: %v", e.Class, e.Status, e.URL, e.Err)
	}
	return fmt.Sprintf("http %s %s: %v", e.Class, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RateConfig declares the token bucket. At least one refill window must be
// positive; the effective rate is the most restrictive of the configured
// windows. A negative value anywhere is a construction error.
type RateConfig struct {
	Burst     int
	PerSecond float64
	PerMinute float64
	PerHour   float64
}

func (rc RateConfig) effectiveRate() (rate.Limit, error) {
	if rc.PerSecond < 0 || rc.PerMinute < 0 || rc.PerHour < 0 {
		return 0, fmt.Errorf("negative rate in %+v", rc)
	}
	best := 0.0
	for _, candidate := range []float64{rc.PerSecond, rc.PerMinute / 60, rc.PerHour / 3600} {
		if candidate > 0 && (best == 0 || candidate < best) {
			best = candidate
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("no positive rate configured in %+v", rc)
	}
	return rate.Limit(best), nil
}

// RequestMetric is emitted once per attempt, success or failure.
type RequestMetric struct {
	Provider   string    `json:"provider"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	DurationMS int64     `json:"durationMs"`
	Status     int       `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Doer is the transport effect, satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config builds a Client. Zero-value effect fields get production defaults.
type Config struct {
	Provider       string // metric and log label
	BaseURL        string
	Rate           RateConfig
	MaxRetries     int           // attempts after the first, default 3
	RetryBaseDelay time.Duration // default 500ms
	RetryMaxDelay  time.Duration // default 30s
	RequestTimeout time.Duration // per attempt, default 30s
	Headers        map[string]string

	Transport Doer
	Clock     func() time.Time
	Sleep     func(context.Context, time.Duration) error
	Metrics   func(RequestMetric)
	Logger    *log.Logger
}

// Response is a fully-read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// DecodeJSON unmarshals the body into v.
func (r Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Client issues rate-limited, retrying requests against one provider host.
type Client struct {
	provider   string
	baseURL    string
	limiter    *rate.Limiter
	transport  Doer
	clock      func() time.Time
	sleep      func(context.Context, time.Duration) error
	metrics    func(RequestMetric)
	logger     *log.Logger
	headers    map[string]string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
}

// New validates the rate configuration and builds a client.
func New(cfg Config) (*Client, error) {
	limit, err := cfg.Rate.effectiveRate()
	if err != nil {
		return nil, fmt.Errorf("rate config for %s: %w", cfg.Provider, err)
	}
	burst := cfg.Rate.Burst
	if burst < 0 {
		return nil, fmt.Errorf("rate config for %s: negative burst %d", cfg.Provider, burst)
	}
	if burst == 0 {
		burst = 1
	}

	c := &Client{
		provider:   cfg.Provider,
		baseURL:    cfg.BaseURL,
		limiter:    rate.NewLimiter(limit, burst),
		transport:  cfg.Transport,
		clock:      cfg.Clock,
		sleep:      cfg.Sleep,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		headers:    cfg.Headers,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		timeout:    cfg.RequestTimeout,
	}
	if c.transport == nil {
		c.transport = &http.Client{}
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.baseDelay == 0 {
		c.baseDelay = 500 * time.Millisecond
	}
	if c.maxDelay == 0 {
		c.maxDelay = 30 * time.Second
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get issues a GET against baseURL+path with retries.
func (c *Client) Get(ctx context.Context, path string) (Response, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// GetJSON issues a GET and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	return resp.DecodeJSON(v)
}

// PostJSON issues a POST with a JSON body and decodes the response into v.
// v may be nil when the caller only needs the status.
func (c *Client) PostJSON(ctx context.Context, path string, body, v any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	resp, err := c.Request(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return resp.DecodeJSON(v)
}

// Request runs the rate-limit → attempt → classify → backoff loop. The last
// classified error is returned once retries are exhausted.
func (c *Client) Request(ctx context.Context, method, path string, body []byte) (Response, error) {
	url := c.baseURL + path

	var lastErr *Error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}

		resp, reqErr := c.attempt(ctx, method, url, path, body)
		if reqErr == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		lastErr = reqErr
		if !reqErr.ShouldRetry || attempt == c.maxRetries {
			break
		}

		delay := c.backoff(attempt)
		if reqErr.RetryAfter > 0 {
			delay = reqErr.RetryAfter
		}
		c.logger.Printf("[HTTPClient] %s %s %s failed (%s), retry %d/%d in %v",
			c.provider, method, path, reqErr.Class, attempt+1, c.maxRetries, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func (c *Client) attempt(ctx context.Context, method, url, endpoint string, body []byte) (Response, *Error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return Response{}, &Error{Class: ClassClient, ShouldRetry: false, URL: url, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := c.clock()
	httpResp, err := c.transport.Do(req)
	durationMS := c.clock().Sub(start).Milliseconds()

	status := 0
	if httpResp != nil {
		status = httpResp.StatusCode
	}
	if c.metrics != nil {
		c.metrics(RequestMetric{
			Provider:   c.provider,
			Endpoint:   endpoint,
			Method:     method,
			DurationMS: durationMS,
			Status:     status,
			Timestamp:  start,
		})
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, &Error{Class: ClassTimeout, ShouldRetry: true, URL: url, Err: err}
		}
		return Response{}, &Error{Class: ClassUnknown, ShouldRetry: true, URL: url, Err: err}
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return Response{}, &Error{Class: ClassUnknown, Status: status, ShouldRetry: true, URL: url, Err: err}
	}

	switch {
	case status >= 200 && status < 300:
		return Response{Status: status, Header: httpResp.Header, Body: payload}, nil
	case status == http.StatusTooManyRequests:
		return Response{}, &Error{
			Class:       ClassRateLimit,
			Status:      status,
			ShouldRetry: true,
			RetryAfter:  parseRetryAfter(httpResp.Header.Get("Retry-After"), c.clock()),
			URL:         url,
			Err:         fmt.Errorf("rate limited: %s", truncate(payload)),
		}
	case status >= 500:
		return Response{}, &Error{Class: ClassServer, Status: status, ShouldRetry: true, URL: url,
			Err: fmt.Errorf("server error: %s", truncate(payload))}
	default:
		return Response{}, &Error{Class: ClassClient, Status: status, ShouldRetry: false, URL: url,
			Err: fmt.Errorf("client error: %s", truncate(payload))}
	}
}

// backoff grows exponentially from the base delay, capped, with full jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << uint(attempt)
	if d > c.maxDelay || d <= 0 {
		d = c.maxDelay
	}
	return time.Duration(rand.Int63n(int64(d))) + time.Millisecond
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
