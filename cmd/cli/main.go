package main

import (
	"context"
	"time"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/storefront/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Register commands.RegisterCmd `cmd:"" help:"Create an account"`
		Verify   commands.VerifyCmd   `cmd:"" help:"Verify an account with the emailed code"`
		Login    commands.LoginCmd    `cmd:"" help:"Log in with email, password and a one-time code"`
		Google   commands.GoogleCmd   `cmd:"" help:"Log in with a Google ID token"`
		Logout   commands.LogoutCmd   `cmd:"" help:"Log out and clear the local session"`
		Whoami   commands.WhoamiCmd   `cmd:"" help:"Show the signed-in user"`
		Status   commands.StatusCmd   `cmd:"" help:"Show the local session"`

		Debug      bool          `help:"Enable debug mode." env:"STOREFRONT_DEBUG"`
		Config     string        `help:"Path to the config file (default ~/.storefront/config.yaml)." type:"path" env:"STOREFRONT_CONFIG"`
		BaseURL    string        `help:"Storefront API base URL." name:"base-url" env:"STOREFRONT_API_URL"`
		SessionDir string        `help:"Directory holding the session file." type:"path" env:"STOREFRONT_SESSION_DIR"`
		Timeout    time.Duration `help:"Per request timeout." env:"STOREFRONT_TIMEOUT"`
		Tracing    bool          `help:"Export traces and metrics over OTLP." env:"STOREFRONT_TRACING"`
		Version    kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("storefront"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{
		Debug:      cli.Debug,
		Version:    version,
		ConfigPath: cli.Config,
		BaseURL:    cli.BaseURL,
		SessionDir: cli.SessionDir,
		Timeout:    cli.Timeout,
		Tracing:    cli.Tracing,
	})
	cmd.FatalIfErrorf(err)
}
