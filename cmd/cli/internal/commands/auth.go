package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wolfeidau/storefront/internal/identity"
	"github.com/wolfeidau/storefront/internal/session"
)

var errNoInput = errors.New("no input provided")

type RegisterCmd struct {
	Name     string `help:"Display name" required:""`
	Email    string `help:"Account email" required:""`
	Password string `help:"Account password" env:"STOREFRONT_PASSWORD"`
}

func (c *RegisterCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := newApp(ctx, globals)
	if err != nil {
		return err
	}
	defer a.Close()

	password, err := valueOrPrompt(globals, c.Password, "Password: ")
	if err != nil {
		return err
	}

	profile, err := a.session.Register(ctx, c.Name, c.Email, password)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	globals.printf("Registered %s (%s)\n", profile.Email, profile.ID)
	globals.printf("Check your email for the verification code, then run:\n")
	globals.printf("  storefront verify --email %s --otp <code>\n", profile.Email)
	return nil
}

type VerifyCmd struct {
	Email string `help:"Account email" required:""`
	OTP   string `help:"Verification code from the email" name:"otp"`
}

func (c *VerifyCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := newApp(ctx, globals)
	if err != nil {
		return err
	}
	defer a.Close()

	otp, err := valueOrPrompt(globals, c.OTP, "Verification code: ")
	if err != nil {
		return err
	}

	profile, err := a.session.VerifyAccount(ctx, c.Email, otp)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	globals.printf("Account %s verified, you can now log in\n", profile.Email)
	return nil
}

type LoginCmd struct {
	Email    string `help:"Account email" required:""`
	Password string `help:"Account password" env:"STOREFRONT_PASSWORD"`
	OTP      string `help:"Login code; prompted for when omitted" name:"otp"`
}

func (c *LoginCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := newApp(ctx, globals)
	if err != nil {
		return err
	}
	defer a.Close()

	password, err := valueOrPrompt(globals, c.Password, "Password: ")
	if err != nil {
		return err
	}

	if err := a.session.LoginRequest(ctx, c.Email, password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	otp, err := valueOrPrompt(globals, c.OTP, fmt.Sprintf("Code sent to %s: ", c.Email))
	if err != nil {
		return err
	}

	if err := a.session.LoginVerify(ctx, otp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	printSignedIn(globals, a.session.Snapshot())
	return nil
}

type GoogleCmd struct {
	Token string `arg:"" help:"Google ID token, or an authorization code with --code"`
	Code  bool   `help:"Treat the token as an OAuth2 authorization code and redeem it with the configured OIDC provider"`
}

func (c *GoogleCmd) Run(ctx context.Context, globals *Globals) error {
	var opts []session.Option
	if c.Code {
		cfg, err := globals.loadConfig()
		if err != nil {
			return err
		}
		if cfg.OIDC == nil {
			return errors.New("--code requires an oidc section in the config file")
		}
		exchanger, err := identity.NewOIDCExchanger(ctx, *cfg.OIDC)
		if err != nil {
			return err
		}
		opts = append(opts, session.WithTokenSource(exchanger))
	}

	a, err := newApp(ctx, globals, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.GoogleLogin(ctx, c.Token); err != nil {
		return fmt.Errorf("google login failed: %w", err)
	}

	printSignedIn(globals, a.session.Snapshot())
	return nil
}

type LogoutCmd struct{}

func (c *LogoutCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := newApp(ctx, globals)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	globals.printf("Logged out\n")
	return nil
}

func printSignedIn(globals *Globals, snap session.Snapshot) {
	if snap.User != nil {
		globals.printf("Signed in as %s\n", snap.User.Email)
		return
	}
	globals.printf("Signed in\n")
}

// valueOrPrompt returns value, or reads a line from stdin when it is empty.
func valueOrPrompt(globals *Globals, value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}

	globals.printf("%s", prompt)

	line, err := bufio.NewReader(globals.stdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errNoInput
	}
	return line, nil
}
