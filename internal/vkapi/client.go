// Package vkapi is the rate-limited VK API client.
//
// Every outbound call goes through a shared token bucket, a bounded retry
// loop with exponential backoff (transport failures and throttling codes
// only), and an in-memory TTL response cache.
package vkapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "postwatch/pkg/logx"
)

const (
	defaultBaseURL     = "https://api.vk.com/method"
	apiVersion         = "5.131"
	defaultRetryMax    = 3
	defaultRatePerSec  = 3
	defaultCacheTTL    = time.Hour
	defaultHTTPTimeout = 15 * time.Second
)

// Config configures the client.
type Config struct {
	Token       string
	BaseURL     string        // override for tests; empty means the real API
	RatePerSec  int           // token bucket rate, default 3
	RetryMax    int           // attempts per call, default 3
	CacheTTL    time.Duration // response cache TTL, default 1h
	HTTPTimeout time.Duration // per-request timeout, default 15s

	// BackoffBase scales the 2^attempt retry delay. Default 1s; tests
	// inject something tiny.
	BackoffBase time.Duration
}

// Client calls the VK API. Safe for concurrent use.
type Client struct {
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter
	cache   *responseCache
	log     logx.Logger

	// tokenMu guards token, which is hot-swapped on config reload while
	// calls are in flight.
	tokenMu sync.RWMutex
	token   string

	// sleep is time-based waiting, injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		cache:   newResponseCache(),
		log:     log,
		token:   cfg.Token,
		sleep:   sleepCtx,
	}
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

// SetToken swaps the access token (config reload). Calls already in
// flight finish with the token they read; only new requests see the swap.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
	c.cache.clear()
}

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// ClearCache drops all cached responses.
func (c *Client) ClearCache() { c.cache.clear() }

// Call invokes method with params and returns the raw "response" payload.
// Responses are cached; a hit is indistinguishable from a live call.
func (c *Client) Call(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	key := cacheKey(method, params)
	if data, ok := c.cache.get(key, time.Now()); ok {
		return data, nil
	}
	data, err := c.CallUncached(ctx, method, params)
	if err != nil {
		return nil, err
	}
	c.cache.set(key, data, time.Now().Add(c.cfg.CacheTTL))
	return data, nil
}

// CallUncached invokes method without consulting or populating the cache.
// Use for calls whose result must be fresh (e.g. token validation).
func (c *Client) CallUncached(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 1 {
			// 2^attempt backoff for the attempt that just failed.
			delay := c.cfg.BackoffBase << uint(attempt-1)
			c.log.Debug("retrying vk call",
				logx.String("method", method), logx.Int("attempt", attempt), logx.Duration("backoff", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, err := c.do(ctx, method, params)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("vk call %s failed after %d attempts: %w", method, c.cfg.RetryMax, lastErr)
}

func retryable(err error) bool {
	switch e := err.(type) {
	case *APIError:
		return e.Retryable()
	case *TransportError:
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	token := c.currentToken()
	if strings.TrimSpace(token) == "" {
		return nil, &APIError{Code: 5, Message: "access token is not configured"}
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("access_token", token)
	q.Set("v", apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/"+method+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Method: method, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
		Error    *struct {
			Code    int    `json:"error_code"`
			Message string `json:"error_msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &TransportError{Method: method, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if envelope.Error != nil {
		return nil, &APIError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if envelope.Response == nil {
		return nil, &TransportError{Method: method, Err: fmt.Errorf("response payload missing")}
	}
	return envelope.Response, nil
}
