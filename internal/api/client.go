// Package api is the authenticated client for the storefront API. Every
// request goes through the session interceptor, so an expired access token
// is refreshed and the call replayed without the caller noticing.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/autherr"
	"github.com/wolfeidau/storefront/internal/httpjson"
	"github.com/wolfeidau/storefront/internal/interceptor"
	"github.com/wolfeidau/storefront/internal/logger"
	"github.com/wolfeidau/storefront/internal/models"
	"github.com/wolfeidau/storefront/internal/telemetry"
	"github.com/wolfeidau/storefront/internal/tokenstore"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PathMe returns the signed-in user's profile.
const PathMe = "/users/me"

const (
	// DefaultTimeout bounds a single attempt when Config.Timeout is unset.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxRetries is the number of extra attempts for a failed GET.
	DefaultMaxRetries = 2
)

var errMissingProfile = errors.New("response has no user profile")

// Config holds API client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// MaxRetries is the number of retries for idempotent requests that
	// failed without a response. Zero means DefaultMaxRetries, negative
	// disables retries.
	MaxRetries int
	// Tracing instruments the base transport with OpenTelemetry.
	Tracing bool
}

// Option configures a Client.
type Option func(*Client)

// WithCache enables response caching honouring the server's Cache-Control.
// cache may be nil for an in-memory cache.
func WithCache(cache httpcache.Cache) Option {
	return func(c *Client) {
		if cache == nil {
			c.cache = newResettableCache(memoryCache)
			return
		}
		c.cache = newResettableCache(func() (httpcache.Cache, func() error) {
			return cache, nil
		})
	}
}

// WithDiskCache enables response caching persisted under dir.
func WithDiskCache(dir string) Option {
	return func(c *Client) {
		c.cache = newResettableCache(diskCache(dir))
	}
}

// WithRefreshFailureHook is passed on to the session interceptor.
func WithRefreshFailureHook(fn interceptor.RefreshFailureFunc) Option {
	return func(c *Client) {
		c.onRefreshFailure = fn
	}
}

// WithBaseTransport replaces http.DefaultTransport at the bottom of the chain.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

// WithLogger sets the logger used for request logging.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithBackOff sets the retry schedule. fn is called once per request.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = fn
	}
}

// Client performs authenticated JSON calls.
type Client struct {
	json       httpjson.Client
	maxRetries int
	newBackOff func() backoff.BackOff

	base             http.RoundTripper
	cache            *resettableCache
	logger           zerolog.Logger
	onRefreshFailure interceptor.RefreshFailureFunc
}

// New builds the client chain:
//
//	request logging -> response cache (optional) -> session interceptor -> base transport
func New(cfg Config, store tokenstore.Store, refresher interceptor.Refresher, opts ...Option) *Client {
	c := &Client{
		maxRetries: cfg.MaxRetries,
		newBackOff: defaultBackOff,
		base:       http.DefaultTransport,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := c.base
	if cfg.Tracing {
		base = otelhttp.NewTransport(base)
	}

	var rt http.RoundTripper = interceptor.New(store, refresher,
		interceptor.WithBase(base),
		interceptor.WithRefreshFailureHook(c.onRefreshFailure),
	)

	if c.cache != nil {
		cached := httpcache.NewTransport(c.cache)
		cached.Transport = rt
		rt = cached
	}

	rt = logger.NewTransport(c.logger, rt)

	c.json = httpjson.Client{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: rt,
		},
	}

	return c
}

// Do performs a JSON request and decodes the response payload into out,
// which may be nil. GETs that fail without a response are retried.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.do(ctx, method, path, body, out, nil)
	return err
}

// Me returns the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (*models.UserProfile, error) {
	var profile models.UserProfile
	if _, err := c.do(ctx, http.MethodGet, PathMe, nil, &profile, func() error {
		if profile.ID == "" && profile.Email == "" {
			return errMissingProfile
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &profile, nil
}

// ResetCache drops every cached response. Called on logout so one user's
// responses are never served to the next.
func (c *Client) ResetCache() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Reset()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, validate func() error) (*models.Envelope, error) {
	respBody, err := c.call(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	if out == nil {
		return nil, nil
	}

	return httpjson.DecodeData(path, respBody, out, validate)
}

func (c *Client) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	if method != http.MethodGet || c.maxRetries < 0 {
		return c.json.Call(ctx, method, path, body)
	}

	operation := func() ([]byte, error) {
		respBody, err := c.json.Call(ctx, method, path, body)
		if err == nil {
			return respBody, nil
		}

		var netErr *autherr.NetworkError
		if !errors.As(err, &netErr) || ctx.Err() != nil || errors.Is(err, autherr.ErrBaseURLNotConfigured) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.GetMetrics().HTTPRetriesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("path", path),
			))
			log.Debug().Err(err).Str("path", path).Dur("next", next).Msg("retrying request")
		}),
	)
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}
