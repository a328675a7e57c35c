// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Request is one logical REST call handed to the dispatcher.
type Request struct {
	Route   Route
	Payload any        // JSON-encodable body, or nil
	Files   []File     // attachments; switches the body to multipart
	Reason  string     // sent as X-Audit-Log-Reason if non-empty
	Params  url.Values // query parameters
}

// Client dispatches rate-limited requests against the REST API. All methods
// are safe for concurrent use; requests to distinct buckets proceed in
// parallel while requests sharing a bucket serialize through its lock.
type Client struct {
	token       string
	base        string
	userAgent   string
	httpc       *http.Client
	maxAttempts int
	clk         clock.Clock
	log         *zap.Logger
	stats       Collector
	global      *GlobalLock
	registry    *bucketRegistry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIBase overrides the REST endpoint prefix.
func WithAPIBase(base string) ClientOption {
	return func(c *Client) { c.base = strings.TrimSuffix(base, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) { c.httpc = httpc }
}

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClock replaces the clock used for backoff and bucket cooldowns.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clk = clk }
}

// WithCollector sets the statistics collector.
func WithCollector(stats Collector) ClientOption {
	return func(c *Client) { c.stats = stats }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithMaxAttempts overrides how many times a request may hit the wire.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient returns a Client authenticating as the given bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:       token,
		base:        DefaultAPIBase,
		userAgent:   DefaultUserAgent,
		httpc:       &http.Client{Timeout: DefaultRequestTimeout},
		maxAttempts: DefaultMaxAttempts,
		clk:         clock.New(),
		log:         zap.NewNop(),
		stats:       nopCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.global = NewGlobalLock(c.clk)
	c.registry = newBucketRegistry(c.clk)
	return c
}

// Close releases idle transport connections.
func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}

// outcome describes how one attempt ended.
type outcome int

const (
	outcomeDone        outcome = iota // return the body
	outcomeRetry                      // retry, consuming an attempt
	outcomeRetryGlobal                // retry after a global hard lock, attempt not consumed
	outcomeFail                       // surface the error
)

// Do dispatches the request and returns the raw response body of the first
// successful attempt. Rate limits and transient server or transport errors
// are retried internally; callers only see exhausted retries, fatal
// statuses and context cancellation.
func (c *Client) Do(ctx context.Context, r Request) ([]byte, error) {
	body, contentType, err := encodeBody(r.Payload, r.Files)
	var raw []byte
	if err != nil {
		return nil, err
	}
	if body != nil {
		// buffered so retries can replay the body
		if raw, err = io.ReadAll(body); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	lock := c.registry.GetLock(r.Route)
	defer c.registry.Drop(lock)

	for attempt := 0; attempt < c.maxAttempts; {
		if err := lock.Acquire(ctx); err != nil {
			return nil, err
		}
		result, how, err := c.attempt(ctx, r, lock, raw, contentType, attempt)
		lock.Release()

		switch how {
		case outcomeDone:
			return result, nil
		case outcomeFail:
			return nil, err
		case outcomeRetry:
			attempt++
			if attempt >= c.maxAttempts && err != nil {
				return nil, err
			}
		case outcomeRetryGlobal:
			// no attempt consumed
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return nil, errors.WithStack(&RateLimitedError{Route: r.Route})
}

// DoJSON dispatches the request and decodes the response body into out.
func (c *Client) DoJSON(ctx context.Context, r Request, out any) error {
	result, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	return errors.WithStack(json.Unmarshal(result, out))
}

// attempt performs a single pass through the dispatch state machine:
// throttle the global limiter, send, ingest rate-limit headers, then
// decide from the decision table. The bucket lock is held by the caller.
func (c *Client) attempt(ctx context.Context, r Request, lock *BucketLock, body []byte, contentType string, attempt int) ([]byte, outcome, error) {
	if err := c.global.Throttle(ctx); err != nil {
		return nil, outcomeFail, err
	}

	req, err := c.assemble(ctx, r, body, contentType)
	if err != nil {
		return nil, outcomeFail, err
	}

	started := c.clk.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		if isTransientNetError(err) && attempt < c.maxAttempts-1 {
			c.log.Warn("transport error, retrying",
				zap.Stringer("route", r.Route),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if err := c.sleep(ctx, backoff(attempt)); err != nil {
				return nil, outcomeFail, err
			}
			return nil, outcomeRetry, nil
		}
		return nil, outcomeFail, errors.WithStack(&TransportError{Route: r.Route, Err: err})
	}

	result, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, outcomeFail, errors.Wrapf(err, "%v: reading response", r.Route)
	}

	// rate-limit bookkeeping happens on every response, success or not
	c.registry.Ingest(r.Route, resp.Header, lock)
	c.stats.RequestDone(r.Route, resp.StatusCode, c.clk.Since(started))

	if resp.StatusCode == http.StatusTooManyRequests {
		how, err := c.rateLimited(ctx, r, lock, result)
		return nil, how, err
	}

	if lock.Remaining() == 0 {
		// the request itself succeeded but the bucket is exhausted; make
		// the next request wait out the reset without blocking this one
		c.log.Debug("bucket exhausted, deferring unlock",
			zap.Stringer("route", r.Route),
			zap.Duration("reset_after", lock.ResetAfter()))
		lock.ReleaseAfter(lock.ResetAfter())
	}

	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		c.log.Warn("server error, retrying",
			zap.Stringer("route", r.Route),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt))
		err := &ServerError{RequestError{Status: resp.StatusCode, Route: r.Route, Body: result}}
		if sleepErr := c.sleep(ctx, backoff(attempt)); sleepErr != nil {
			return nil, outcomeFail, sleepErr
		}
		return nil, outcomeRetry, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, outcomeFail, raiseStatus(resp.StatusCode, r.Route, result)
	}

	c.log.Debug("request done",
		zap.Stringer("route", r.Route),
		zap.Int("status", resp.StatusCode),
		zap.Int("remaining", lock.Remaining()),
		zap.Int("limit", lock.Limit()))
	return result, outcomeDone, nil
}

// rateLimited handles a 429 response. The lock is held by the caller and
// is released on a timer here for bucket and resource limits.
func (c *Client) rateLimited(ctx context.Context, r Request, lock *BucketLock, body []byte) (outcome, error) {
	var limit rateLimitBody
	_ = json.Unmarshal(body, &limit)
	retryAfter := time.Duration(limit.RetryAfter * float64(time.Second))

	switch {
	case limit.Global:
		// this usually means two clients are sharing a token
		c.log.Error("global rate limit exceeded, locking all requests",
			zap.Duration("retry_after", retryAfter))
		c.stats.RateLimited(r.Route, "global")
		if err := c.global.HardLock(ctx, retryAfter); err != nil {
			return outcomeFail, err
		}
		return outcomeRetryGlobal, nil
	case limit.Message == resourceLimitedMessage:
		c.log.Warn("resource is being rate limited",
			zap.Stringer("route", r.Route),
			zap.Duration("retry_after", retryAfter))
		c.stats.RateLimited(r.Route, "resource")
		lock.ReleaseAfter(retryAfter)
		return outcomeRetry, errors.WithStack(&RateLimitedError{Route: r.Route, Scope: "resource"})
	default:
		// 429s on a bucket are unavoidable in a race; infrequent is fine
		c.log.Warn("bucket rate limit exceeded",
			zap.Stringer("route", r.Route),
			zap.Int("limit", lock.Limit()),
			zap.Duration("reset_after", lock.ResetAfter()))
		c.stats.RateLimited(r.Route, "bucket")
		lock.ReleaseAfter(lock.ResetAfter())
		return outcomeRetry, errors.WithStack(&RateLimitedError{Route: r.Route, Scope: "bucket"})
	}
}

// assemble builds the http.Request: resolved URL, auth, user agent and the
// optional audit-log reason.
func (c *Client) assemble(ctx context.Context, r Request, body []byte, contentType string) (*http.Request, error) {
	target := c.base + r.Route.Path()
	if len(r.Params) > 0 {
		target += "?" + r.Params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, r.Route.Method(), target, reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}
	if r.Reason != "" {
		req.Header.Set("X-Audit-Log-Reason", escapeReason(r.Reason))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// Login validates the token by fetching the bot's own user and returns the
// raw user payload. A 401 is surfaced as a LoginError.
func (c *Client) Login(ctx context.Context) (json.RawMessage, error) {
	result, err := c.Do(ctx, Request{Route: NewRoute(http.MethodGet, "/users/@me", nil)})
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusUnauthorized {
			return nil, &LoginError{Err: err}
		}
		return nil, err
	}
	return result, nil
}

// GetGateway returns the gateway URL with the connection parameters this
// package speaks appended.
func (c *Client) GetGateway(ctx context.Context) (string, error) {
	var data gatewayURLData
	if err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, "/gateway", nil)}, &data); err != nil {
		return "", &GatewayNotFoundError{Err: err}
	}
	return BuildGatewayURL(data.URL), nil
}

// GetGatewayBot returns the gateway URL plus the recommended shard count
// and session start budget for this bot.
func (c *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	var data GatewayBot
	if err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, "/gateway/bot", nil)}, &data); err != nil {
		return nil, &GatewayNotFoundError{Err: err}
	}
	return &data, nil
}

// RequestCDN fetches a CDN asset. CDN URLs live outside the bucket system,
// so the request bypasses the rate-limit machinery entirely.
func (c *Client) RequestCDN(ctx context.Context, assetURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, raiseStatus(resp.StatusCode, Route{method: http.MethodGet, path: assetURL}, result)
	}
	return result, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-c.clk.After(d):
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// backoff is the retry delay for transport and server errors.
func backoff(attempt int) time.Duration {
	return time.Duration(1+2*attempt) * time.Second
}

// raiseStatus maps a non-success status to its typed error.
func raiseStatus(status int, route Route, body []byte) error {
	base := RequestError{Status: status, Route: route, Body: body}
	switch {
	case status == http.StatusForbidden:
		return &Forbidden{base}
	case status == http.StatusNotFound:
		return &NotFound{base}
	case status >= 500:
		return &ServerError{base}
	}
	return &base
}

// isTransientNetError reports whether the transport failure is the kind
// that warrants a retry: connection reset or broken pipe underneath an
// otherwise healthy client.
func isTransientNetError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// escapeReason percent-encodes an audit-log reason for header transport,
// keeping slashes and spaces readable as the API permits.
func escapeReason(reason string) string {
	escaped := url.PathEscape(reason)
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return strings.ReplaceAll(escaped, "%20", " ")
}
