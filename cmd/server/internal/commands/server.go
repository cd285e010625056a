package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/storefront/internal/devserver"
	"github.com/wolfeidau/storefront/internal/logger"
	"github.com/wolfeidau/storefront/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServeCmd struct {
	Listen string `help:"HTTP server listen address" default:"127.0.0.1:8080" env:"STOREFRONT_DEV_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"STOREFRONT_DEV_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"STOREFRONT_DEV_TLS_KEY"`

	CORSOrigins []string `help:"allowed CORS origins" default:"http://localhost:3000" env:"STOREFRONT_DEV_CORS_ORIGINS"`

	SigningKey string        `help:"HMAC key for access tokens, random when empty" env:"STOREFRONT_DEV_SIGNING_KEY"`
	AccessTTL  time.Duration `help:"access token lifetime" default:"15m" env:"STOREFRONT_DEV_ACCESS_TTL"`
	FixedOTP   string        `help:"issue this code instead of random OTPs" env:"STOREFRONT_DEV_FIXED_OTP"`

	GoogleIDToken string `help:"the Google ID token /auth/google accepts" env:"STOREFRONT_DEV_GOOGLE_TOKEN"`
	GoogleEmail   string `help:"account signed in by the Google token" default:"google-user@example.com" env:"STOREFRONT_DEV_GOOGLE_EMAIL"`

	Tracing bool `help:"enable tracing" default:"false" env:"STOREFRONT_DEV_TRACING"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting dev auth server")

	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS needs both --cert and --key")
	}
	if c.Cert != "" {
		if _, err := os.Stat(c.Cert); err != nil {
			return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
		}
		if _, err := os.Stat(c.Key); err != nil {
			return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
		}
	}

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{ServiceName: "storefront-devserver", Version: globals.Version})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	dev, err := devserver.New(devserver.Config{
		SigningKey:    []byte(c.SigningKey),
		AccessTTL:     c.AccessTTL,
		FixedOTP:      c.FixedOTP,
		GoogleIDToken: c.GoogleIDToken,
		GoogleEmail:   c.GoogleEmail,
		CORSOrigins:   c.CORSOrigins,
		Logger:        &log,
	})
	if err != nil {
		return err
	}

	var handler http.Handler = dev.Handler()
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "storefront-devserver")
	}

	srv := configureHTTPServer(c.Listen, handler)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Msg("Listening")
		if c.Cert != "" {
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
