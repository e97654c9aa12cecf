package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/cache"
	"github.com/aquasecurity/pypi-audit/pkg/log"
)

const (
	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 15 * time.Second

	// DefaultRetries is the maximum attempt count for one request.
	DefaultRetries = 3

	defaultBackoff   = 1 * time.Second
	defaultUserAgent = "pypi-audit"

	// maxBodySize guards against a misbehaving provider streaming forever.
	maxBodySize = 32 << 20
)

// Client carries the request policies every provider adapter shares:
// per-call timeout, bounded exponential backoff on transient failures,
// and write-through of responses to the shared cache.
type Client struct {
	hc        *http.Client
	cache     *cache.Cache
	service   string
	timeout   time.Duration
	retries   int
	backoff   time.Duration
	userAgent string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithCache attaches the shared response cache. Without it every call goes
// to the network.
func WithCache(cc *cache.Cache) Option {
	return func(c *Client) {
		c.cache = cc
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func WithRetries(retries int) Option {
	return func(c *Client) {
		c.retries = retries
	}
}

func WithBackoff(backoff time.Duration) Option {
	return func(c *Client) {
		c.backoff = backoff
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New builds a client for one provider. The service name doubles as the
// cache bucket.
func New(service string, opts ...Option) *Client {
	c := &Client{
		hc:        &http.Client{},
		service:   service,
		timeout:   DefaultTimeout,
		retries:   DefaultRetries,
		backoff:   defaultBackoff,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retries < 1 {
		c.retries = 1
	}
	return c
}

// Response is a provider reply, fresh or cached.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do issues one request. Connection errors, per-call timeouts and HTTP
// 429/5xx are transient: they are retried with exponential backoff until
// the attempt limit, then surface as an error. Any other status returns
// as-is; adapters decide what it means. Run-level cancellation aborts
// between and during attempts.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	key := cache.Key(method, url, body)
	if c.cache != nil {
		if entry, ok := c.cache.Get(c.service, key); ok {
			log.Debug("Response served from cache",
				log.String("service", c.service), log.String("url", url))
			return &Response{StatusCode: entry.StatusCode, Body: entry.Body}, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			backoff := c.backoff * (1 << uint(attempt-2))
			log.Debug("Retrying request",
				log.String("service", c.service), log.Int("attempt", attempt), log.Err(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.do(ctx, method, url, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if isTransientStatus(resp.StatusCode) {
			lastErr = xerrors.Errorf("%s %s returned status %d", method, url, resp.StatusCode)
			continue
		}

		if c.cache != nil && isCacheable(resp.StatusCode) {
			if err := c.cache.Put(c.service, key, resp.StatusCode, resp.Body); err != nil {
				log.Debug("Cache write failed", log.String("service", c.service), log.Err(err))
			}
		}
		return resp, nil
	}
	return nil, xerrors.Errorf("giving up after %d attempts: %w", c.retries, lastErr)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, url, rd)
	if err != nil {
		return nil, xerrors.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, xerrors.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: b}, nil
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// isCacheable keeps only deterministic provider outcomes. A 404 is a real
// answer (the package/version does not exist there) and saves a round trip
// on fix-candidate validation.
func isCacheable(code int) bool {
	return code == http.StatusOK || code == http.StatusNotFound
}
