// Package backend is the HTTP client for the marketplace backend that owns
// listings, buy requests, escrow wallets and chat provisioning.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 64 << 10

// APIError is returned for any non-2xx backend response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// StatusCode extracts the backend status code from err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// RetryPolicy applies to idempotent reads only. MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Observer is notified after every backend round trip. status is 0 when the
// request never produced a response.
type Observer func(method, route string, status int, elapsed time.Duration)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
	Observer   Observer
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	retry      RetryPolicy
	observe    Observer
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		retry:      cfg.Retry,
		observe:    cfg.Observer,
	}
}

type sessionKey struct{}

// WithSession attaches the caller's session cookie header so it is forwarded
// to the backend unchanged.
func WithSession(ctx context.Context, cookie string) context.Context {
	if cookie == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, cookie)
}

func SessionFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey{}).(string)
	return v
}

// Ping checks the backend answers at all. Any response below 500 counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// do sends one JSON request; route is the path template used for metrics.
func (c *Client) do(ctx context.Context, method, route, path string, body, out interface{}) error {
	attempts := 1
	if method == http.MethodGet && c.retry.MaxAttempts > 1 {
		attempts = c.retry.MaxAttempts
	}

	backoff := c.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = c.roundTrip(ctx, method, route, path, body, out)
		if err == nil || !isTransient(err) || i == attempts {
			return err
		}

		sleep := backoff
		if c.retry.MaxBackoff > 0 && sleep > c.retry.MaxBackoff {
			sleep = c.retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(c.retry.BackoffMultiplier)
		}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, route, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := SessionFromContext(ctx); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.report(method, route, 0, start)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.report(method, route, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) report(method, route string, status int, start time.Time) {
	if c.observe != nil {
		c.observe(method, route, status, time.Since(start))
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return code >= 500 || code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
