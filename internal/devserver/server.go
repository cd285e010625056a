// Package devserver is an in-memory stand-in for the storefront auth server.
// It speaks the same wire format so the client can be developed and tested
// without the real backend. Nothing here is meant for production: passwords
// are held in plain text and all state is lost on restart.
package devserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/storefront/internal/http"
	"github.com/wolfeidau/storefront/internal/models"
)

const (
	defaultAccessTTL = 15 * time.Minute
	issuer           = "storefront-devserver"

	// PurposeVerify and PurposeLogin tag the OTPs handed to the OTPSender.
	PurposeVerify = "verify"
	PurposeLogin  = "login"
)

// OTPSender delivers one-time codes out of band.
type OTPSender interface {
	SendOTP(ctx context.Context, email, purpose, code string) error
}

// LogSender writes OTPs to the log, which is all a developer needs.
type LogSender struct{}

func (LogSender) SendOTP(ctx context.Context, email, purpose, code string) error {
	zerolog.Ctx(ctx).Info().Str("email", email).Str("purpose", purpose).Str("otp", code).Msg("OTP issued")
	return nil
}

// Config holds dev server configuration.
type Config struct {
	// SigningKey signs access tokens (HS256). A random key is used when empty.
	SigningKey []byte
	AccessTTL  time.Duration
	// FixedOTP, when set, is issued instead of a random code.
	FixedOTP string
	// GoogleIDToken is the only token /auth/google accepts, for GoogleEmail.
	GoogleIDToken string
	GoogleEmail   string
	CORSOrigins   []string
	Sender        OTPSender
	Logger        *zerolog.Logger
}

type user struct {
	profile  models.UserProfile
	password string
	verified bool
}

type otpKey struct {
	purpose string
	email   string
}

// Server implements the auth endpoints and /users/me.
type Server struct {
	cfg Config

	mu       sync.Mutex
	users    map[string]*user
	otps     map[otpKey]string
	refresh  map[string]string
	requests map[string]int
	offset   time.Duration
}

// New creates a dev server.
func New(cfg Config) (*Server, error) {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = make([]byte, 32)
		if _, err := rand.Read(cfg.SigningKey); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	if cfg.Sender == nil {
		cfg.Sender = LogSender{}
	}
	if cfg.GoogleEmail == "" {
		cfg.GoogleEmail = "google-user@example.com"
	}

	return &Server{
		cfg:      cfg,
		users:    make(map[string]*user),
		otps:     make(map[otpKey]string),
		refresh:  make(map[string]string),
		requests: make(map[string]int),
	}, nil
}

// Handler returns the routed handler with CORS and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", s.count(s.handleRegister))
	mux.HandleFunc("POST /auth/verify-account", s.count(s.handleVerifyAccount))
	mux.HandleFunc("POST /auth/login", s.count(s.handleLogin))
	mux.HandleFunc("POST /auth/login-verify", s.count(s.handleLoginVerify))
	mux.HandleFunc("POST /auth/refresh-token", s.count(s.handleRefresh))
	mux.HandleFunc("POST /auth/google", s.count(s.handleGoogle))
	mux.HandleFunc("GET /users/me", s.count(s.handleMe))

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
	})

	logger := log.Logger
	if s.cfg.Logger != nil {
		logger = *s.cfg.Logger
	}

	return httpmiddleware.AccessLog(logger)(corsMiddleware.Handler(mux))
}

// Requests returns how many requests reached path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// Advance moves the server clock forward, expiring access tokens.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += d
}

// AddUser creates a verified account, for seeding.
func (s *Server) AddUser(name, email, password string) models.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.newUserLocked(name, email, password)
	u.verified = true
	u.profile.Status = "active"
	return u.profile
}

func (s *Server) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Add(s.offset)
}

func (s *Server) count(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.mu.Unlock()
		next(w, r)
	}
}

type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	OTP      string `json:"otp"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email and password are required")
		return
	}

	s.mu.Lock()
	if _, ok := s.users[key(req.Email)]; ok {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "User already exists")
		return
	}
	u := s.newUserLocked(req.Name, req.Email, req.Password)
	profile := u.profile
	s.mu.Unlock()

	if !s.sendOTP(w, r, PurposeVerify, req.Email) {
		return
	}

	writeData(w, http.StatusCreated, "Registered, check your email for the verification code", profile)
}

func (s *Server) handleVerifyAccount(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	u, ok := s.users[key(req.Email)]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if !s.consumeOTPLocked(PurposeVerify, req.Email, req.OTP) {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "Invalid OTP")
		return
	}
	u.verified = true
	u.profile.Status = "active"
	profile := u.profile
	s.mu.Unlock()

	writeData(w, http.StatusOK, "Account verified", profile)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	u, ok := s.users[key(req.Email)]
	switch {
	case !ok || u.password != req.Password:
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	case !u.verified:
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "Account not verified")
		return
	}
	s.mu.Unlock()

	if !s.sendOTP(w, r, PurposeLogin, req.Email) {
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "OTP sent to your email"})
}

func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	u, ok := s.users[key(req.Email)]
	if !ok || !s.consumeOTPLocked(PurposeLogin, req.Email, req.OTP) {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "Invalid OTP")
		return
	}
	profile := u.profile
	s.mu.Unlock()

	s.issueTokens(w, profile)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	email, ok := s.refresh[req.RefreshToken]
	if ok {
		// rotate: a refresh token is good for one use
		delete(s.refresh, req.RefreshToken)
	}
	u := s.users[email]
	s.mu.Unlock()

	if !ok || u == nil {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	s.issueTokens(w, u.profile)
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	if s.cfg.GoogleIDToken == "" || req.Token != s.cfg.GoogleIDToken {
		writeError(w, http.StatusUnauthorized, "Invalid Google token")
		return
	}

	s.mu.Lock()
	u, ok := s.users[key(s.cfg.GoogleEmail)]
	if !ok {
		u = s.newUserLocked("Google User", s.cfg.GoogleEmail, "")
		u.verified = true
		u.profile.Status = "active"
	}
	profile := u.profile
	s.mu.Unlock()

	s.issueTokens(w, profile)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifyAccess(r.Header.Get("Authorization"))
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("access token rejected")
		msg := "Unauthorized"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "jwt expired"
		}
		writeError(w, http.StatusUnauthorized, msg)
		return
	}

	s.mu.Lock()
	u, ok := s.users[key(claims.Email)]
	s.mu.Unlock()
	if !ok || u.profile.ID != claims.Subject {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	writeData(w, http.StatusOK, "", u.profile)
}

type accessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Server) issueTokens(w http.ResponseWriter, profile models.UserProfile) {
	now := s.now()
	claims := accessClaims{
		Email: profile.Email,
		Role:  profile.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   profile.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.SigningKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}

	refresh := uuid.NewString()
	s.mu.Lock()
	s.refresh[refresh] = key(profile.Email)
	s.mu.Unlock()

	writeData(w, http.StatusOK, "", models.TokenPair{AccessToken: access, RefreshToken: refresh})
}

func (s *Server) verifyAccess(header string) (*accessClaims, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, errors.New("missing bearer token")
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.cfg.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) newUserLocked(name, email, password string) *user {
	u := &user{
		profile: models.UserProfile{
			ID:     uuid.NewString(),
			Name:   name,
			Email:  email,
			Role:   "customer",
			Status: "pending",
		},
		password: password,
	}
	s.users[key(email)] = u
	return u
}

func (s *Server) sendOTP(w http.ResponseWriter, r *http.Request, purpose, email string) bool {
	code := s.cfg.FixedOTP
	if code == "" {
		var err error
		if code, err = randomOTP(); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate OTP")
			return false
		}
	}

	s.mu.Lock()
	s.otps[otpKey{purpose: purpose, email: key(email)}] = code
	s.mu.Unlock()

	if err := s.cfg.Sender.SendOTP(r.Context(), email, purpose, code); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to send OTP")
		writeError(w, http.StatusBadGateway, "failed to send OTP")
		return false
	}
	return true
}

func (s *Server) consumeOTPLocked(purpose, email, code string) bool {
	k := otpKey{purpose: purpose, email: key(email)}
	want, ok := s.otps[k]
	if !ok || code == "" || want != code {
		return false
	}
	delete(s.otps, k)
	return true
}

func randomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func key(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
