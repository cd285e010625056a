// Package identity turns the token handed over by an external identity
// provider into the ID token the storefront's Google login endpoint expects.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	// ErrEmptyToken is returned when no external token was supplied.
	ErrEmptyToken = errors.New("external token is empty")
	// ErrNoIDToken is returned when the provider's token response has no id_token.
	ErrNoIDToken = errors.New("token response has no id_token")
)

// TokenSource exchanges an external token for a provider ID token.
type TokenSource interface {
	ExchangeIDToken(ctx context.Context, externalToken string) (string, error)
}

// Passthrough is used when the external token already is the ID token,
// e.g. the credential returned by a Google sign-in button.
type Passthrough struct{}

func (Passthrough) ExchangeIDToken(_ context.Context, externalToken string) (string, error) {
	token := strings.TrimSpace(externalToken)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// OIDCConfig describes the provider an authorization code is redeemed with.
type OIDCConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// OIDCExchanger treats the external token as an OAuth2 authorization code,
// redeems it and returns the verified ID token from the response.
type OIDCExchanger struct {
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
}

// NewOIDCExchanger discovers the provider's endpoints and signing keys.
func NewOIDCExchanger(ctx context.Context, cfg OIDCConfig) (*OIDCExchanger, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc issuer and client id are required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
	}

	return NewOIDCExchangerWithVerifier(oauthCfg, provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), nil), nil
}

// NewOIDCExchangerWithVerifier builds an exchanger from explicit parts.
// httpClient, when set, is used for the code exchange.
func NewOIDCExchangerWithVerifier(oauthCfg *oauth2.Config, verifier *oidc.IDTokenVerifier, httpClient *http.Client) *OIDCExchanger {
	return &OIDCExchanger{oauth: oauthCfg, verifier: verifier, httpClient: httpClient}
}

// AuthCodeURL is where the user is sent to obtain a code.
func (e *OIDCExchanger) AuthCodeURL(state string) string {
	return e.oauth.AuthCodeURL(state)
}

func (e *OIDCExchanger) ExchangeIDToken(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrEmptyToken
	}

	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}

	token, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", ErrNoIDToken
	}

	idToken, err := e.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("failed to verify ID token: %w", err)
	}

	log.Debug().Str("issuer", idToken.Issuer).Str("subject", idToken.Subject).Msg("ID token verified")

	return rawIDToken, nil
}
