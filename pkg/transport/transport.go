// Package transport fetches upstream pages and classifies their status into a
// three-way outcome, retrying rate-limited requests with exponential backoff.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/metrics"
)

// Outcome is the result class of a GET
type Outcome int

const (
	Found Outcome = iota
	NotFound
	Unauthorized
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RetryPolicy bounds how often a rate-limited request is replayed
type RetryPolicy struct {
	MaxAttempts     int           // total attempts, including the first
	BackoffBase     time.Duration // wait before the second attempt, doubled afterwards
	RetryableStatus []int
}

// DefaultRetryPolicy retries 429 responses up to ten times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     10,
		BackoffBase:     time.Second,
		RetryableStatus: []int{http.StatusTooManyRequests},
	}
}

func (p RetryPolicy) retryable(code int) bool {
	for _, c := range p.RetryableStatus {
		if c == code {
			return true
		}
	}
	return false
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	return p.BackoffBase * (1 << uint(attempt))
}

// Config configures a Transport
type Config struct {
	Timeout   time.Duration // per attempt. Default: 30s.
	MaxBytes  int64         // response body cap. Default: 10MB.
	UserAgent string
	Retry     RetryPolicy

	// RequestsPerSecond throttles outgoing requests. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	Metrics *metrics.Metrics
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "rmbadge/1.0"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Transport performs upstream HTTP requests. It is safe for concurrent use.
type Transport struct {
	client  *http.Client
	config  Config
	limiter *rate.Limiter
}

// New creates a Transport
func New(cfg Config) *Transport {
	cfg.defaults()
	t := &Transport{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
	if cfg.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return t
}

// Get fetches rawURL, attaching session when it is non-nil.
// 200 yields the body and Found, 404 NotFound, 401 Unauthorized. Any other
// status is an *UnexpectedStatusError.
func (t *Transport) Get(rawURL string, session *http.Cookie) ([]byte, Outcome, error) {
	newReq := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if session != nil {
			req.AddCookie(session)
		}
		return req, nil
	}

	status, body, attempts, err := t.do(newReq)
	if err != nil {
		t.record(http.MethodGet, rawURL, "error", status, attempts)
		return nil, 0, err
	}

	switch status {
	case http.StatusOK:
		t.record(http.MethodGet, rawURL, Found.String(), status, attempts)
		return body, Found, nil
	case http.StatusNotFound:
		t.record(http.MethodGet, rawURL, NotFound.String(), status, attempts)
		return nil, NotFound, nil
	case http.StatusUnauthorized:
		t.record(http.MethodGet, rawURL, Unauthorized.String(), status, attempts)
		return nil, Unauthorized, nil
	default:
		t.record(http.MethodGet, rawURL, "unexpected", status, attempts)
		return nil, 0, &UnexpectedStatusError{Code: status, URL: rawURL}
	}
}

// PostForm posts form to rawURL and returns the final status and body. Status
// interpretation is left to the caller.
func (t *Transport) PostForm(rawURL string, form url.Values) (int, []byte, error) {
	encoded := form.Encode()
	newReq := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	status, body, attempts, err := t.do(newReq)
	outcome := "posted"
	if err != nil {
		outcome = "error"
	}
	t.record(http.MethodPost, rawURL, outcome, status, attempts)
	return status, body, err
}

// do runs the request under the retry policy. Rate-limit statuses and network
// errors are retried; every other response is returned as is.
func (t *Transport) do(newReq func() (*http.Request, error)) (status int, body []byte, attempts int, err error) {
	policy := t.config.Retry
	var last error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			t.config.Metrics.UpstreamRetry()
			wait := policy.backoff(attempt - 1)
			logging.App.Debug("Retrying upstream request", "attempt", attempt+1, "max_attempts", policy.MaxAttempts, "backoff", wait, "error", last)
			time.Sleep(wait)
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(context.Background()); err != nil {
				return 0, nil, attempt + 1, fmt.Errorf("rate limiter: %w", err)
			}
		}

		req, err := newReq()
		if err != nil {
			return 0, nil, attempt + 1, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("User-Agent", t.config.UserAgent)

		resp, err := t.client.Do(req)
		if err != nil {
			last = fmt.Errorf("http %s: %w", strings.ToLower(req.Method), err)
			continue
		}

		if policy.retryable(resp.StatusCode) {
			io.Copy(io.Discard, io.LimitReader(resp.Body, t.config.MaxBytes))
			resp.Body.Close()
			status = resp.StatusCode
			last = &UnexpectedStatusError{Code: resp.StatusCode, URL: req.URL.String()}
			continue
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, t.config.MaxBytes))
		resp.Body.Close()
		if err != nil {
			return resp.StatusCode, nil, attempt + 1, fmt.Errorf("read body: %w", err)
		}
		return resp.StatusCode, body, attempt + 1, nil
	}

	return status, nil, policy.MaxAttempts, &RetriesExhaustedError{Attempts: policy.MaxAttempts, Last: last}
}

func (t *Transport) record(method, rawURL, outcome string, status, attempts int) {
	t.config.Metrics.UpstreamRequest(method, outcome)
	logging.Access.LogFetch(method, rawURL, outcome, status, "attempts", attempts)
}
