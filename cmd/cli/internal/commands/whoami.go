package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/storefront/cmd/cli/internal/credentials"
	"github.com/wolfeidau/storefront/internal/autherr"
	"github.com/wolfeidau/storefront/internal/tokenstore"
)

type WhoamiCmd struct{}

func (c *WhoamiCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := newApp(ctx, globals)
	if err != nil {
		return err
	}
	defer a.Close()

	profile, err := a.api.Me(ctx)
	if err != nil {
		if autherr.IsUnauthorized(err) {
			return fmt.Errorf("not logged in, run: storefront login --email <email>: %w", err)
		}
		return err
	}

	w := tabwriter.NewWriter(globals.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", profile.ID)
	fmt.Fprintf(w, "Name:\t%s\n", profile.Name)
	fmt.Fprintf(w, "Email:\t%s\n", profile.Email)
	if profile.Role != "" {
		fmt.Fprintf(w, "Role:\t%s\n", profile.Role)
	}
	return w.Flush()
}

type StatusCmd struct{}

func (c *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := newApp(ctx, globals)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.session.Snapshot()
	tokens, err := a.store.GetTokens(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(globals.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "API:\t%s\n", orNone(a.cfg.BaseURL))
	fmt.Fprintf(w, "Store:\t%s\n", storeDescription(a.cfg.Store.Backend, a.store))
	fmt.Fprintf(w, "State:\t%s\n", snap.State)

	if snap.User != nil {
		fmt.Fprintf(w, "User:\t%s\n", snap.User.Email)
	}

	if tokens.Authenticated() {
		info, err := credentials.Inspect(tokens.AccessToken)
		fmt.Fprintf(w, "Access token:\t%s\n", info.Fingerprint)
		switch {
		case err != nil:
			fmt.Fprintf(w, "Expires:\tunknown (opaque token)\n")
		case info.ExpiresAt.IsZero():
			fmt.Fprintf(w, "Expires:\tnever\n")
		case info.Expired(time.Now()):
			fmt.Fprintf(w, "Expires:\texpired %s (refreshed on next call)\n", info.ExpiresAt.Format(time.RFC3339))
		default:
			fmt.Fprintf(w, "Expires:\t%s\n", info.ExpiresAt.Format(time.RFC3339))
		}
	}
	if tokens.RefreshToken != "" {
		fmt.Fprintf(w, "Refresh token:\t%s\n", tokenstore.Fingerprint(tokens.RefreshToken))
	}

	return w.Flush()
}

func storeDescription(backend string, store any) string {
	if fs, ok := store.(*tokenstore.FileStore); ok {
		if fs.Disabled() {
			return "file (disabled, no home directory)"
		}
		return fs.Path()
	}
	return backend
}

func orNone(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}
