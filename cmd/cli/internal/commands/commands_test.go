package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefront/internal/devserver"
	"github.com/wolfeidau/storefront/internal/tokenstore"
)

func newTestGlobals(t *testing.T) (*Globals, *devserver.Server, *bytes.Buffer) {
	t.Helper()

	dev, err := devserver.New(devserver.Config{
		FixedOTP:      "123456",
		GoogleIDToken: "google-id-token",
		AccessTTL:     time.Minute,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)

	out := &bytes.Buffer{}
	g := &Globals{
		Version:    "test",
		ConfigPath: writeConfig(t, "store:\n  backend: file\n"),
		BaseURL:    srv.URL,
		SessionDir: t.TempDir(),
		Timeout:    5 * time.Second,
		Stdout:     out,
		Stdin:      strings.NewReader(""),
	}
	return g, dev, out
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func storedTokens(t *testing.T, g *Globals) tokenstore.Tokens {
	t.Helper()
	store, err := tokenstore.NewFileStore(g.SessionDir)
	require.NoError(t, err)
	tokens, err := store.GetTokens(context.Background())
	require.NoError(t, err)
	return tokens
}

func TestRegisterVerifyLogin(t *testing.T) {
	ctx := context.Background()
	g, _, out := newTestGlobals(t)

	require.NoError(t, (&RegisterCmd{Name: "Ada", Email: "ada@example.com", Password: "pw"}).Run(ctx, g))
	assert.Contains(t, out.String(), "Registered ada@example.com")

	require.NoError(t, (&VerifyCmd{Email: "ada@example.com", OTP: "123456"}).Run(ctx, g))
	assert.Contains(t, out.String(), "verified")
	assert.False(t, storedTokens(t, g).Authenticated(), "verification issues no tokens")

	out.Reset()
	g.Stdin = strings.NewReader("123456\n")
	require.NoError(t, (&LoginCmd{Email: "ada@example.com", Password: "pw"}).Run(ctx, g))
	assert.Contains(t, out.String(), "Code sent to ada@example.com")
	assert.Contains(t, out.String(), "Signed in as ada@example.com")
	assert.True(t, storedTokens(t, g).Authenticated())

	out.Reset()
	require.NoError(t, (&WhoamiCmd{}).Run(ctx, g))
	assert.Contains(t, out.String(), "ada@example.com")

	out.Reset()
	require.NoError(t, (&StatusCmd{}).Run(ctx, g))
	assert.Contains(t, out.String(), "authenticated")
	assert.Contains(t, out.String(), "Access token:")
	assert.Contains(t, out.String(), "Refresh token:")

	out.Reset()
	require.NoError(t, (&LogoutCmd{}).Run(ctx, g))
	assert.Contains(t, out.String(), "Logged out")
	assert.Equal(t, tokenstore.Tokens{}, storedTokens(t, g))

	err := (&WhoamiCmd{}).Run(ctx, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestLogin_WrongOTP(t *testing.T) {
	ctx := context.Background()
	g, dev, _ := newTestGlobals(t)
	dev.AddUser("Ada", "ada@example.com", "pw")

	err := (&LoginCmd{Email: "ada@example.com", Password: "pw", OTP: "000000"}).Run(ctx, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid OTP")
	assert.False(t, storedTokens(t, g).Authenticated())
}

func TestLogin_MissingOTPInput(t *testing.T) {
	ctx := context.Background()
	g, dev, _ := newTestGlobals(t)
	dev.AddUser("Ada", "ada@example.com", "pw")

	err := (&LoginCmd{Email: "ada@example.com", Password: "pw"}).Run(ctx, g)
	assert.ErrorIs(t, err, errNoInput)
}

func TestWhoami_RefreshesExpiredSession(t *testing.T) {
	ctx := context.Background()
	g, dev, out := newTestGlobals(t)
	dev.AddUser("Ada", "ada@example.com", "pw")

	require.NoError(t, (&LoginCmd{Email: "ada@example.com", Password: "pw", OTP: "123456"}).Run(ctx, g))
	before := storedTokens(t, g)

	dev.Advance(2 * time.Minute)

	out.Reset()
	require.NoError(t, (&WhoamiCmd{}).Run(ctx, g))
	assert.Contains(t, out.String(), "ada@example.com")
	assert.Equal(t, 1, dev.Requests("/auth/refresh-token"))

	after := storedTokens(t, g)
	assert.NotEqual(t, before, after)
	assert.True(t, after.Authenticated())
}

func TestGoogle(t *testing.T) {
	ctx := context.Background()
	g, _, out := newTestGlobals(t)

	require.NoError(t, (&GoogleCmd{Token: "google-id-token"}).Run(ctx, g))
	assert.Contains(t, out.String(), "Signed in")
	assert.True(t, storedTokens(t, g).Authenticated())
}

func TestGoogle_CodeRequiresOIDCConfig(t *testing.T) {
	g, _, _ := newTestGlobals(t)

	err := (&GoogleCmd{Token: "code", Code: true}).Run(context.Background(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oidc")
}

func TestStatus_LoggedOut(t *testing.T) {
	g, _, out := newTestGlobals(t)

	require.NoError(t, (&StatusCmd{}).Run(context.Background(), g))
	assert.Contains(t, out.String(), "idle")
	assert.Contains(t, out.String(), filepath.Join(g.SessionDir, "session.json"))
	assert.NotContains(t, out.String(), "Access token:")
}

func TestLoadConfig(t *testing.T) {
	t.Run("flags override file", func(t *testing.T) {
		g := &Globals{
			ConfigPath: writeConfig(t, "base_url: https://from-file.test\ntimeout: 30s\n"),
			BaseURL:    "https://from-flag.test",
		}
		cfg, err := g.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "https://from-flag.test", cfg.BaseURL)
		assert.Equal(t, 30*time.Second, cfg.Timeout)
	})

	t.Run("explicit config must exist", func(t *testing.T) {
		g := &Globals{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}
		_, err := g.loadConfig()
		require.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		g := &Globals{ConfigPath: writeConfig(t, "store:\n  backend: etcd\n")}
		_, err := g.loadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
