package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/api"
	"github.com/wolfeidau/storefront/internal/config"
	"github.com/wolfeidau/storefront/internal/logger"
	"github.com/wolfeidau/storefront/internal/session"
	"github.com/wolfeidau/storefront/internal/telemetry"
	"github.com/wolfeidau/storefront/internal/tokenstore"
	"github.com/wolfeidau/storefront/internal/transport"
)

type Globals struct {
	Debug      bool
	Version    string
	ConfigPath string
	BaseURL    string
	SessionDir string
	Timeout    time.Duration
	Tracing    bool

	Stdin  io.Reader
	Stdout io.Writer
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

func (g *Globals) stdin() io.Reader {
	if g.Stdin == nil {
		return os.Stdin
	}
	return g.Stdin
}

func (g *Globals) printf(format string, args ...any) {
	fmt.Fprintf(g.stdout(), format, args...)
}

// loadConfig layers flags and environment over the config file.
func (g *Globals) loadConfig() (*config.Config, error) {
	path := g.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}

	var (
		cfg *config.Config
		err error
	)
	if g.ConfigPath != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOptional(path)
	}
	if err != nil {
		return nil, err
	}

	if g.BaseURL != "" {
		cfg.BaseURL = g.BaseURL
	}
	if g.SessionDir != "" {
		cfg.Store.Dir = g.SessionDir
	}
	if g.Timeout > 0 {
		cfg.Timeout = g.Timeout
	}
	if g.Tracing {
		cfg.Telemetry.Enabled = true
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// app is the wired client stack shared by the commands.
type app struct {
	cfg     *config.Config
	store   tokenstore.Store
	auth    *transport.Client
	api     *api.Client
	session *session.Controller

	closers []func()
}

func newApp(ctx context.Context, g *Globals, opts ...session.Option) (*app, error) {
	log.Logger = logger.Setup(g.Debug)

	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     g.Version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		} else {
			a.closers = append(a.closers, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			})
		}
	}

	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	a.auth = transport.New(transport.Config{
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.Timeout,
		UserAgent:    cfg.UserAgent,
		RoundTripper: logger.NewTransport(log.Logger, nil),
	})

	apiOpts := []api.Option{
		api.WithLogger(log.Logger),
		api.WithRefreshFailureHook(func(ctx context.Context, err error) {
			a.session.OnRefreshFailure(ctx, err)
		}),
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.Dir != "" {
			apiOpts = append(apiOpts, api.WithDiskCache(cfg.Cache.Dir))
		} else {
			apiOpts = append(apiOpts, api.WithCache(nil))
		}
	}

	a.api = api.New(api.Config{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		UserAgent:  cfg.UserAgent,
		MaxRetries: cfg.MaxRetries,
		Tracing:    cfg.Telemetry.Enabled,
	}, store, a.auth, apiOpts...)

	sessionOpts := append([]session.Option{
		session.WithProfileFetcher(a.api),
		session.WithLogoutHook(func(context.Context) error { return a.api.ResetCache() }),
	}, opts...)

	a.session = session.New(a.auth, store, sessionOpts...)
	if err := a.session.Hydrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) Close() {
	if a.session != nil {
		a.session.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
