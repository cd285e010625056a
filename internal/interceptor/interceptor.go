// Package interceptor attaches the session's bearer token to outgoing API
// requests and transparently recovers from an expired access token.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/autherr"
	"github.com/wolfeidau/storefront/internal/models"
	"github.com/wolfeidau/storefront/internal/telemetry"
	"github.com/wolfeidau/storefront/internal/tokenstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const headerAuthorization = "Authorization"

var errEmptyRefreshResult = errors.New("refresh returned no access token")

// Refresher exchanges a refresh token for a new pair. It must not itself be
// routed through a Transport.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
}

// RefreshFailureFunc is told about every failed refresh call, once per call
// regardless of how many requests were waiting on it.
type RefreshFailureFunc func(ctx context.Context, err error)

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the round tripper requests are dispatched on.
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = base
	}
}

// WithRefreshFailureHook registers the session policy for failed refreshes.
func WithRefreshFailureHook(fn RefreshFailureFunc) Option {
	return func(t *Transport) {
		t.onRefreshFailure = fn
	}
}

// Transport is an http.RoundTripper implementing the session protocol:
//
//   - attach "Authorization: Bearer <access>" when an access token is stored
//   - on a 401, refresh once and replay the request once with the new token
//   - a 401 on the replay, or with no refresh token stored, is returned as is
//
// Concurrent 401s share one refresh call.
type Transport struct {
	store            tokenstore.Store
	refresher        Refresher
	base             http.RoundTripper
	onRefreshFailure RefreshFailureFunc

	refreshes singleflight.Group
}

var _ http.RoundTripper = (*Transport)(nil)

// New creates a session transport.
func New(store tokenstore.Store, refresher Refresher, opts ...Option) *Transport {
	t := &Transport{
		store:     store,
		refresher: refresher,
		base:      http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	tokens, err := t.store.GetTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session tokens: %w", err)
	}

	resp, err := t.base.RoundTrip(authorize(req, tokens.AccessToken, body))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// From here on the request is marked retried: whatever the replay
	// returns goes back to the caller.
	current, err := t.store.GetTokens(ctx)
	if err != nil {
		discard(resp)
		return nil, fmt.Errorf("failed to read session tokens: %w", err)
	}
	if current.RefreshToken == "" {
		log.Debug().Str("path", req.URL.Path).Msg("401 without refresh token, not refreshing")
		return resp, nil
	}

	discard(resp)

	access, err := t.refresh(ctx, tokens.AccessToken, current)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &autherr.RefreshFailure{StatusCode: http.StatusUnauthorized, Err: err}
	}

	telemetry.GetMetrics().ReplaysTotal.Add(ctx, 1)

	return t.base.RoundTrip(authorize(req, access, body))
}

// refresh returns an access token to replay with. sent is the access token
// the failed request carried: when the store already holds a different one
// another request has refreshed in the meantime and no call is needed.
func (t *Transport) refresh(ctx context.Context, sent string, current tokenstore.Tokens) (string, error) {
	metrics := telemetry.GetMetrics()

	if current.AccessToken != "" && current.AccessToken != sent {
		metrics.RefreshCoalescedTotal.Add(ctx, 1)
		return current.AccessToken, nil
	}

	ch := t.refreshes.DoChan(current.RefreshToken, func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not
		// fail the others.
		rctx := context.WithoutCancel(ctx)

		// A refresh that finished between this caller's store read and
		// DoChan has already rotated current.RefreshToken.
		latest, err := t.store.GetTokens(rctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read session tokens: %w", err)
		}
		if latest.AccessToken != "" && latest.AccessToken != sent {
			metrics.RefreshCoalescedTotal.Add(rctx, 1)
			return latest.AccessToken, nil
		}

		metrics.RefreshAttemptsTotal.Add(rctx, 1)

		pair, err := t.refresher.Refresh(rctx, current.RefreshToken)
		if err == nil && !pair.Valid() {
			err = errEmptyRefreshResult
		}
		if err != nil {
			metrics.RefreshFailuresTotal.Add(rctx, 1, metric.WithAttributes(
				attribute.Int("status", autherr.StatusCode(err)),
			))
			log.Warn().Err(err).
				Str("refresh", tokenstore.Fingerprint(current.RefreshToken)).
				Msg("session refresh failed")
			if t.onRefreshFailure != nil {
				t.onRefreshFailure(rctx, err)
			}
			return nil, err
		}

		if err := t.store.SetTokens(rctx, pair.AccessToken, pair.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to store refreshed tokens: %w", err)
		}

		log.Debug().
			Str("access", tokenstore.Fingerprint(pair.AccessToken)).
			Str("refresh", tokenstore.Fingerprint(pair.RefreshToken)).
			Msg("session refreshed")

		return pair.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			metrics.RefreshCoalescedTotal.Add(ctx, 1)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// authorize clones req with the bearer header for access and a fresh body.
func authorize(req *http.Request, access string, body []byte) *http.Request {
	out := req.Clone(req.Context())
	if access != "" {
		out.Header.Set(headerAuthorization, "Bearer "+access)
	} else {
		out.Header.Del(headerAuthorization)
	}
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return out
}

// readBody buffers the request body so the request can be replayed.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return body, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
