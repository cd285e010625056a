// Package transport maps the auth server's fixed endpoint set onto Go calls.
//
// The client is stateless and unauthenticated: it never reads the token
// store and never retries. Refresh goes through this client directly so it
// is never subject to the 401 refresh rule of the interceptor chain.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/httpjson"
	"github.com/wolfeidau/storefront/internal/models"
	"github.com/wolfeidau/storefront/internal/tokenstore"
)

// Endpoint paths relative to the base URL.
const (
	PathRegister      = "/auth/register"
	PathVerifyAccount = "/auth/verify-account"
	PathLogin         = "/auth/login"
	PathLoginVerify   = "/auth/login-verify"
	PathRefreshToken  = "/auth/refresh-token"
	PathGoogle        = "/auth/google"
)

// DefaultTimeout bounds every auth call when Config.Timeout is unset.
const DefaultTimeout = 15 * time.Second

var (
	errMissingAccessToken = errors.New("response has no accessToken")
	errMissingProfile     = errors.New("response has no user profile")
)

// Config holds transport configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// RoundTripper overrides the HTTP transport, e.g. for request logging.
	RoundTripper http.RoundTripper
}

// Client calls the auth endpoints.
type Client struct {
	json httpjson.Client
}

// New creates an auth transport client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if cfg.BaseURL == "" {
		log.Warn().Msg("auth transport created without a base URL, every call will fail")
	}

	return &Client{
		json: httpjson.Client{
			BaseURL:   cfg.BaseURL,
			UserAgent: cfg.UserAgent,
			HTTPClient: &http.Client{
				Timeout:   timeout,
				Transport: cfg.RoundTripper,
			},
		},
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type otpRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type googleRequest struct {
	Token string `json:"token"`
}

// Register creates an account. The server sends a verification OTP.
func (c *Client) Register(ctx context.Context, name, email, password string) (*models.UserProfile, error) {
	return c.postProfile(ctx, PathRegister, registerRequest{Name: name, Email: email, Password: password})
}

// VerifyAccount confirms a registration with the emailed OTP.
func (c *Client) VerifyAccount(ctx context.Context, email, otp string) (*models.UserProfile, error) {
	return c.postProfile(ctx, PathVerifyAccount, otpRequest{Email: email, OTP: otp})
}

// LoginRequest checks credentials; on success the server dispatches a login
// OTP out of band. Returns the server's message.
func (c *Client) LoginRequest(ctx context.Context, email, password string) (string, error) {
	body, err := c.json.Call(ctx, http.MethodPost, PathLogin, credentialsRequest{Email: email, Password: password})
	if err != nil {
		return "", err
	}

	env, err := httpjson.DecodeEnvelope(PathLogin, body)
	if err != nil {
		return "", err
	}

	log.Debug().Str("endpoint", PathLogin).Msg("login OTP dispatched")

	return env.Message, nil
}

// LoginVerify exchanges the login OTP for a token pair.
func (c *Client) LoginVerify(ctx context.Context, email, otp string) (*models.TokenPair, error) {
	return c.postTokens(ctx, PathLoginVerify, otpRequest{Email: email, OTP: otp})
}

// GoogleLogin exchanges a provider ID token for a token pair.
func (c *Client) GoogleLogin(ctx context.Context, idToken string) (*models.TokenPair, error) {
	return c.postTokens(ctx, PathGoogle, googleRequest{Token: idToken})
}

// Refresh exchanges a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	log.Debug().
		Str("refresh", tokenstore.Fingerprint(refreshToken)).
		Msg("refreshing session")

	return c.postTokens(ctx, PathRefreshToken, refreshRequest{RefreshToken: refreshToken})
}

func (c *Client) postProfile(ctx context.Context, path string, req any) (*models.UserProfile, error) {
	body, err := c.json.Call(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	var profile models.UserProfile
	if _, err := httpjson.DecodeData(path, body, &profile, func() error {
		if profile.ID == "" && profile.Email == "" {
			return errMissingProfile
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return &profile, nil
}

func (c *Client) postTokens(ctx context.Context, path string, req any) (*models.TokenPair, error) {
	body, err := c.json.Call(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	var pair models.TokenPair
	if _, err := httpjson.DecodeData(path, body, &pair, func() error {
		if !pair.Valid() {
			return errMissingAccessToken
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return &pair, nil
}
