package logger

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/storefront/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HeaderRequestID carries the per-call request ID to the server.
const HeaderRequestID = "X-Request-Id"

var _ http.RoundTripper = (*Transport)(nil)

// Transport logs every outgoing request. It sits at the top of the client
// chain so a refresh replay shows up as a single call.
type Transport struct {
	logger zerolog.Logger
	next   http.RoundTripper
}

// NewTransport wraps next, http.DefaultTransport when nil.
func NewTransport(logger zerolog.Logger, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{logger: logger, next: next}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()

	requestID := req.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
		req = req.Clone(req.Context())
		req.Header.Set(HeaderRequestID, requestID)
	}

	ctx := t.logger.With().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Logger().WithContext(req.Context())
	req = req.WithContext(ctx)

	resp, err := t.next.RoundTrip(req)

	elapsed := time.Since(started)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	telemetry.GetMetrics().HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.Int("status", status),
	))

	if err != nil {
		zerolog.Ctx(ctx).Error().
			Err(err).
			Dur("duration", elapsed).
			Msg("http call")

		return resp, err
	}

	zerolog.Ctx(ctx).Debug().
		Int("status", status).
		Dur("duration", elapsed).
		Msg("http call")

	return resp, nil
}
