// Package resilient wraps outbound calls to the generation services with a
// per-attempt timeout, bounded exponential backoff and error classification.
package resilient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"VideoAgent-server/logging"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 3
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 10 * time.Second
	defaultJitter       = 100 * time.Millisecond
)

// Error kinds. Every error returned by Client wraps exactly one of them.
var (
	ErrTimeout           = errors.New("request timed out")
	ErrNetwork           = errors.New("network error")
	ErrServer            = errors.New("server error")
	ErrRateLimited       = errors.New("rate limited")
	ErrClient            = errors.New("client error")
	ErrMalformedResponse = errors.New("malformed response")
)

// RequestError describes the final failure of a request.
type RequestError struct {
	Kind       error
	Method     string
	URL        string
	StatusCode int
	Body       string
	Attempts   int
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Method, e.URL, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrServer) ||
		errors.Is(err, ErrRateLimited)
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Timeout      time.Duration
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration
	// RateLimitCooldown, when set, replaces the exponential delay after a 429.
	RateLimitCooldown time.Duration
	Header            http.Header
	HTTPClient        *http.Client
	Logger            *zerolog.Logger
	// Sleep replaces the context-aware timer wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, n); defaults to math/rand/v2.
	Rand func(n int64) int64
}

type Client struct {
	opts   Options
	http   *http.Client
	logger zerolog.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Rand == nil {
		opts.Rand = rand.Int64N
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := *logging.OrNop(opts.Logger)
	return &Client{opts: opts, http: hc, logger: logger}
}

// Defaults returns the production settings.
func Defaults() Options {
	return Options{
		Timeout:      defaultTimeout,
		MaxRetries:   defaultMaxRetries,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Jitter:       defaultJitter,
	}
}

func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) error {
	return c.Do(ctx, http.MethodPost, url, payload, out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.Do(ctx, http.MethodGet, url, nil, out)
}

// Do sends the request, retrying transient failures up to MaxRetries times.
// On success the JSON body is decoded into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, url string, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		body = b
	}

	attempts := c.opts.MaxRetries + 1
	var lastErr *RequestError
	for attempt := 0; attempt < attempts; attempt++ {
		err := c.once(ctx, method, url, body, out)
		if err == nil {
			return nil
		}
		err.Attempts = attempt + 1
		lastErr = err

		if !IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := c.delay(attempt, err)
		c.logger.Warn().
			Err(err.Kind).
			Str("method", method).
			Str("url", url).
			Int("status", err.StatusCode).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("request failed, retrying")
		if serr := c.opts.Sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, url string, body []byte, out any) *RequestError {
	fail := func(kind error, status int, cause error, snippet string) *RequestError {
		return &RequestError{Kind: kind, Method: method, URL: url, StatusCode: status, Err: cause, Body: snippet}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return fail(ErrClient, 0, err, "")
	}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(classifyTransport(ctx, attemptCtx, err), 0, err, "")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(classifyTransport(ctx, attemptCtx, err), resp.StatusCode, err, "")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fail(ErrRateLimited, resp.StatusCode, nil, snippet(data))
	case resp.StatusCode == http.StatusRequestTimeout:
		return fail(ErrTimeout, resp.StatusCode, nil, snippet(data))
	case resp.StatusCode >= http.StatusInternalServerError:
		return fail(ErrServer, resp.StatusCode, nil, snippet(data))
	case resp.StatusCode >= http.StatusBadRequest:
		return fail(ErrClient, resp.StatusCode, nil, snippet(data))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return fail(ErrMalformedResponse, resp.StatusCode, nil, snippet(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fail(ErrMalformedResponse, resp.StatusCode, err, snippet(data))
	}
	return nil
}

// delay computes min(initial*2^attempt + jitter, max) for a 0-based attempt.
func (c *Client) delay(attempt int, err *RequestError) time.Duration {
	if c.opts.RateLimitCooldown > 0 && errors.Is(err, ErrRateLimited) {
		return c.opts.RateLimitCooldown
	}
	d := c.opts.InitialDelay
	for i := 0; i < attempt; i++ {
		if d > c.opts.MaxDelay/2 {
			d = c.opts.MaxDelay
			break
		}
		d *= 2
	}
	if c.opts.Jitter > 0 {
		d += time.Duration(c.opts.Rand(int64(c.opts.Jitter) + 1))
	}
	if d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	return d
}

func classifyTransport(parent, attemptCtx context.Context, err error) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if parent.Err() != nil {
		// 调用方取消，不属于可重试错误
		return ErrClient
	}
	return ErrNetwork
}

func snippet(b []byte) string {
	s := strings.Join(strings.Fields(string(b)), " ")
	const limit = 200
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
