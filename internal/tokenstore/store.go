package tokenstore

import (
	"context"
	"crypto/sha256"

	"github.com/mr-tron/base58"
	"github.com/wolfeidau/storefront/internal/models"
)

// Tokens is the credential pair as persisted. An empty string means absent.
type Tokens struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Authenticated is derived from token presence, never stored.
func (t Tokens) Authenticated() bool {
	return t.AccessToken != ""
}

// Store is the single source of truth for persisted session credentials.
//
// SetTokens must replace both tokens as one unit: a concurrent GetTokens
// observes either the previous pair or the new pair, never a mix.
// Backends without a storage context read as empty and ignore writes.
type Store interface {
	GetTokens(ctx context.Context) (Tokens, error)
	SetTokens(ctx context.Context, access, refresh string) error
	// GetUser returns nil, nil when no profile is cached.
	GetUser(ctx context.Context) (*models.UserProfile, error)
	SetUser(ctx context.Context, profile *models.UserProfile) error
	// ClearAll removes tokens and the cached profile. Idempotent.
	ClearAll(ctx context.Context) error
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	fp := base58.Encode(hash[:])
	if len(fp) > 10 {
		fp = fp[:10]
	}
	return fp
}

// NoopStore is a store without a storage context: reads are empty and
// writes are dropped.
type NoopStore struct{}

var _ Store = NoopStore{}

func (NoopStore) GetTokens(context.Context) (Tokens, error)            { return Tokens{}, nil }
func (NoopStore) SetTokens(context.Context, string, string) error      { return nil }
func (NoopStore) GetUser(context.Context) (*models.UserProfile, error) { return nil, nil }
func (NoopStore) SetUser(context.Context, *models.UserProfile) error   { return nil }
func (NoopStore) ClearAll(context.Context) error                       { return nil }
