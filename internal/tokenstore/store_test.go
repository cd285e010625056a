package tokenstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefront/internal/models"
)

// storeFactories lets the contract tests run against every in-process backend.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("empty store reads none", func(t *testing.T) {
				s := newStore()

				tokens, err := s.GetTokens(ctx)
				require.NoError(t, err)
				assert.Equal(t, Tokens{}, tokens)
				assert.False(t, tokens.Authenticated())

				user, err := s.GetUser(ctx)
				require.NoError(t, err)
				assert.Nil(t, user)
			})

			t.Run("set tokens overwrites both", func(t *testing.T) {
				s := newStore()

				require.NoError(t, s.SetTokens(ctx, "AT1", "RT1"))
				require.NoError(t, s.SetTokens(ctx, "AT2", "RT2"))

				tokens, err := s.GetTokens(ctx)
				require.NoError(t, err)
				assert.Equal(t, Tokens{AccessToken: "AT2", RefreshToken: "RT2"}, tokens)
				assert.True(t, tokens.Authenticated())
			})

			t.Run("access token without refresh token is legal", func(t *testing.T) {
				s := newStore()

				require.NoError(t, s.SetTokens(ctx, "AT1", ""))

				tokens, err := s.GetTokens(ctx)
				require.NoError(t, err)
				assert.True(t, tokens.Authenticated())
				assert.Empty(t, tokens.RefreshToken)
			})

			t.Run("user round trips with extra fields", func(t *testing.T) {
				s := newStore()
				profile := &models.UserProfile{
					ID:     "u-1",
					Name:   "Ada",
					Email:  "ada@example.com",
					Role:   "customer",
					Status: "active",
					Extra:  map[string]any{"phone": "555-0100"},
				}

				require.NoError(t, s.SetUser(ctx, profile))

				got, err := s.GetUser(ctx)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "u-1", got.ID)
				assert.Equal(t, "ada@example.com", got.Email)
				assert.Equal(t, "555-0100", got.Extra["phone"])
			})

			t.Run("stored user is not aliased", func(t *testing.T) {
				s := newStore()
				profile := &models.UserProfile{ID: "u-1", Name: "Ada"}
				require.NoError(t, s.SetUser(ctx, profile))

				profile.Name = "changed"

				got, err := s.GetUser(ctx)
				require.NoError(t, err)
				assert.Equal(t, "Ada", got.Name)
			})

			t.Run("clear all removes everything and is idempotent", func(t *testing.T) {
				s := newStore()
				require.NoError(t, s.SetTokens(ctx, "AT1", "RT1"))
				require.NoError(t, s.SetUser(ctx, &models.UserProfile{ID: "u-1"}))

				require.NoError(t, s.ClearAll(ctx))
				require.NoError(t, s.ClearAll(ctx))

				tokens, err := s.GetTokens(ctx)
				require.NoError(t, err)
				assert.Equal(t, Tokens{}, tokens)

				user, err := s.GetUser(ctx)
				require.NoError(t, err)
				assert.Nil(t, user)
			})

			t.Run("setting tokens keeps cached user", func(t *testing.T) {
				s := newStore()
				require.NoError(t, s.SetUser(ctx, &models.UserProfile{ID: "u-1"}))
				require.NoError(t, s.SetTokens(ctx, "AT1", "RT1"))

				user, err := s.GetUser(ctx)
				require.NoError(t, err)
				require.NotNil(t, user)
				assert.Equal(t, "u-1", user.ID)
			})
		})
	}
}

func TestStore_TokenPairAtomicity(t *testing.T) {
	ctx := context.Background()

	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			require.NoError(t, s.SetTokens(ctx, "AT0", "RT0"))

			const writes = 200
			var wg sync.WaitGroup
			done := make(chan struct{})

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer close(done)
				for i := 1; i <= writes; i++ {
					if err := s.SetTokens(ctx, fmt.Sprintf("AT%d", i), fmt.Sprintf("RT%d", i)); err != nil {
						t.Errorf("set tokens: %v", err)
						return
					}
				}
			}()

			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-done:
							return
						default:
						}
						tokens, err := s.GetTokens(ctx)
						if err != nil {
							t.Errorf("get tokens: %v", err)
							return
						}
						if tokens.AccessToken[2:] != tokens.RefreshToken[2:] {
							t.Errorf("observed mixed pair %q/%q", tokens.AccessToken, tokens.RefreshToken)
							return
						}
					}
				}()
			}

			wg.Wait()

			tokens, err := s.GetTokens(ctx)
			require.NoError(t, err)
			assert.Equal(t, Tokens{AccessToken: "AT200", RefreshToken: "RT200"}, tokens)
		})
	}
}

func TestNoopStore(t *testing.T) {
	ctx := context.Background()
	var s Store = NoopStore{}

	require.NoError(t, s.SetTokens(ctx, "AT1", "RT1"))
	require.NoError(t, s.SetUser(ctx, &models.UserProfile{ID: "u-1"}))

	tokens, err := s.GetTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, Tokens{}, tokens)

	user, err := s.GetUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)

	require.NoError(t, s.ClearAll(ctx))
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))

	fp := Fingerprint("AT1")
	assert.Len(t, fp, 10)
	assert.Equal(t, fp, Fingerprint("AT1"))
	assert.NotEqual(t, fp, Fingerprint("AT2"))
	assert.NotContains(t, fp, "AT1")
}
