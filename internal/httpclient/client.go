// Package httpclient is the outbound HTTP client used for guide
// polling and artwork downloads. It retries transient failures with
// exponential backoff, stops calling upstreams that fail repeatedly
// until a cooldown passes, and transparently decompresses gzip,
// deflate and brotli response bodies.
//
// The client is built for idempotent GETs against flaky LAN devices
// and artwork CDNs. Requests with bodies are replayed across retries
// only when the request carries a GetBody func.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	// ErrBreakerOpen is returned without attempting the request when
	// recent calls failed often enough to trip the breaker.
	ErrBreakerOpen = errors.New("httpclient: breaker open")

	// ErrRetriesExhausted wraps the last attempt's error once the retry
	// budget is spent.
	ErrRetriesExhausted = errors.New("httpclient: retries exhausted")
)

const (
	defaultTimeout       = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
	defaultBreakerTrips  = 5
	defaultBreakerPause  = 30 * time.Second

	defaultUserAgent      = "tabtuner/1.0"
	defaultAcceptEncoding = "gzip, deflate, br"
)

// Config tunes a Client. The zero value works but never retries and
// never trips the breaker; start from DefaultConfig instead.
type Config struct {
	// Timeout bounds each attempt including the body read.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is tried again
	// after the first attempt.
	RetryAttempts int

	// RetryDelay is the wait before the first retry. It doubles per
	// retry, capped at RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// breaker; zero disables it. BreakerCooldown is how long the
	// breaker refuses requests before letting a probe through.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// UserAgent is sent when the request carries none.
	UserAgent string

	Logger *slog.Logger

	// Transport overrides the default RoundTripper, mainly for tests.
	Transport http.RoundTripper
}

// DefaultConfig returns the tuning the guide poller and logo cache
// start from before overriding individual fields.
func DefaultConfig() Config {
	return Config{
		Timeout:          defaultTimeout,
		RetryAttempts:    defaultRetryAttempts,
		RetryDelay:       defaultRetryDelay,
		RetryMaxDelay:    defaultRetryMaxDelay,
		BreakerThreshold: defaultBreakerTrips,
		BreakerCooldown:  defaultBreakerPause,
		UserAgent:        defaultUserAgent,
		Logger:           slog.Default(),
	}
}

// Client retries and decompresses outbound requests. Breaker state is
// per Client, so give each upstream concern its own instance.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker
	logger  *slog.Logger
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  cfg.Logger,
	}
}

// NewWithDefaults builds a Client with DefaultConfig.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Get fetches url. The returned body is already decompressed.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.Do(req)
}

// Do runs req with retries. Responses with transient status codes
// (429, 502, 503, 504) are closed and retried; everything else is
// returned as-is, including non-2xx. The breaker gates admission
// only: a request admitted while closed keeps its full retry budget
// even if the breaker trips mid-call.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.allow() {
		c.logger.Debug("request refused, breaker open", "url", redactURL(req.URL))
		return nil, ErrBreakerOpen
	}

	if req.Header.Get("User-Agent") == "" && c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	// Setting Accept-Encoding explicitly disables net/http's automatic
	// gzip handling, so decoding for all three encodings happens here.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", defaultAcceptEncoding)
	}

	ctx := req.Context()
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			c.logger.Debug("retrying request",
				"url", redactURL(req.URL), "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				req.Body = body
			}
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			// A per-attempt timeout is worth retrying; a dead caller
			// context is not.
			if ctx.Err() != nil {
				return nil, err
			}
			c.breaker.failure()
			lastErr = err
			c.logger.Debug("request failed",
				"url", redactURL(req.URL), "attempt", attempt, "error", err)
			continue
		}

		if retryableStatus(resp.StatusCode) {
			resp.Body.Close()
			c.breaker.failure()
			lastErr = fmt.Errorf("upstream returned %s", resp.Status)
			c.logger.Debug("retryable response",
				"url", redactURL(req.URL), "attempt", attempt, "status", resp.StatusCode)
			continue
		}

		c.breaker.success()
		c.logger.Debug("request completed",
			"url", redactURL(req.URL),
			"status", resp.StatusCode,
			"duration", time.Since(start))
		decodeBody(resp)
		return resp, nil
	}

	if lastErr == nil {
		return nil, ErrRetriesExhausted
	}
	return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// backoff returns the wait before the given retry, doubling from
// RetryDelay and capped at RetryMaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	wait := c.cfg.RetryDelay << (attempt - 1)
	if wait <= 0 || (c.cfg.RetryMaxDelay > 0 && wait > c.cfg.RetryMaxDelay) {
		wait = c.cfg.RetryMaxDelay
	}
	return wait
}

// decodeBody swaps resp.Body for a decompressing reader when the
// server applied an encoding the client understands. The length and
// encoding headers describe the compressed payload and are cleared.
func decodeBody(resp *http.Response) {
	var dec io.Reader
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return
		}
		dec = zr
	case "deflate":
		dec = flate.NewReader(resp.Body)
	case "br":
		dec = brotli.NewReader(resp.Body)
	default:
		return
	}

	resp.Body = &decodedBody{Reader: dec, raw: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
}

// decodedBody closes both the decoder and the underlying connection.
type decodedBody struct {
	io.Reader
	raw io.ReadCloser
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		c.Close()
	}
	return d.raw.Close()
}

// retryableStatus reports whether the status code signals a transient
// condition worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Query parameter names whose values never belong in a log line.
// Artwork URLs in guide data sometimes carry signed tokens.
var sensitiveQuery = map[string]bool{
	"token":     true,
	"auth":      true,
	"key":       true,
	"apikey":    true,
	"api_key":   true,
	"password":  true,
	"secret":    true,
	"sig":       true,
	"signature": true,
}

// redactURL renders u for logging with sensitive query values masked.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.String()
	}

	q := u.Query()
	masked := false
	for name := range q {
		if sensitiveQuery[strings.ToLower(name)] {
			q.Set(name, "redacted")
			masked = true
		}
	}
	if !masked {
		return u.String()
	}

	clone := *u
	clone.RawQuery = q.Encode()
	return clone.String()
}
