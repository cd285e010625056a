// Package credentials inspects the tokens held in the local session.
package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfeidau/storefront/internal/tokenstore"
)

// ErrOpaqueToken is returned for an access token that is not a JWT.
var ErrOpaqueToken = errors.New("access token is not a JWT")

// Claims are the access token claims the CLI displays.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TokenInfo describes a stored access token.
type TokenInfo struct {
	Fingerprint string
	Subject     string
	Email       string
	Issuer      string
	ExpiresAt   time.Time
}

// Expired reports whether the token is past its expiry at now. A token
// without an expiry never expires.
func (i *TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Inspect decodes the access token claims without verifying the signature.
// The client holds no key to verify with, and the values are only shown.
func Inspect(accessToken string) (*TokenInfo, error) {
	info := &TokenInfo{Fingerprint: tokenstore.Fingerprint(accessToken)}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return info, fmt.Errorf("%w: %v", ErrOpaqueToken, err)
	}

	info.Subject = claims.Subject
	info.Email = claims.Email
	info.Issuer = claims.Issuer
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}

	return info, nil
}
