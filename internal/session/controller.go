// Package session is the login state machine consumed by user interfaces.
//
// The Controller drives registration, account verification, the two-step
// credential/OTP login and Google login, persisting tokens in a
// tokenstore.Store. It is the only layer that turns errors into UI state:
// every operation both records the failure in the Snapshot and returns it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/autherr"
	"github.com/wolfeidau/storefront/internal/identity"
	"github.com/wolfeidau/storefront/internal/models"
	"github.com/wolfeidau/storefront/internal/telemetry"
	"github.com/wolfeidau/storefront/internal/tokenstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// storeReadTimeout bounds the token store read behind every Snapshot.
const storeReadTimeout = 5 * time.Second

var (
	// ErrSuperseded is returned by an operation whose result arrived after
	// Back, Logout or Close. The result was discarded.
	ErrSuperseded = errors.New("session operation superseded")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session controller closed")
	// ErrNoPendingLogin is returned by LoginVerify outside the OTP step.
	ErrNoPendingLogin = errors.New("no login awaiting an OTP")
	// ErrEmailMismatch is returned when LoginVerifyEmail names a different
	// email than the one the OTP was requested for.
	ErrEmailMismatch = errors.New("email does not match the pending login")
)

// Authenticator is the unauthenticated auth API.
type Authenticator interface {
	Register(ctx context.Context, name, email, password string) (*models.UserProfile, error)
	VerifyAccount(ctx context.Context, email, otp string) (*models.UserProfile, error)
	LoginRequest(ctx context.Context, email, password string) (string, error)
	LoginVerify(ctx context.Context, email, otp string) (*models.TokenPair, error)
	GoogleLogin(ctx context.Context, idToken string) (*models.TokenPair, error)
}

// ProfileFetcher loads the signed-in user's profile.
type ProfileFetcher interface {
	Me(ctx context.Context) (*models.UserProfile, error)
}

// LogoutHook runs after the store is cleared, e.g. to drop cached responses.
type LogoutHook func(ctx context.Context) error

// Option configures a Controller.
type Option func(*Controller)

// WithTokenSource sets how Google login turns its external token into an
// ID token. The default passes the token through.
func WithTokenSource(ts identity.TokenSource) Option {
	return func(c *Controller) {
		c.tokenSource = ts
	}
}

// WithProfileFetcher loads the user profile after a successful login.
func WithProfileFetcher(pf ProfileFetcher) Option {
	return func(c *Controller) {
		c.profiles = pf
	}
}

// WithLogoutHook adds a hook run on every logout.
func WithLogoutHook(fn LogoutHook) Option {
	return func(c *Controller) {
		c.logoutHooks = append(c.logoutHooks, fn)
	}
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// Controller is safe for concurrent use.
type Controller struct {
	auth        Authenticator
	store       tokenstore.Store
	tokenSource identity.TokenSource
	profiles    ProfileFetcher
	logoutHooks []LogoutHook
	validate    *validator.Validate

	mu          sync.Mutex
	state       State
	loginEmail  string
	inflight    int
	err         error
	user        *models.UserProfile
	generation  uint64
	closed      bool
	subscribers []subscriber
	nextSubID   int
}

// New creates a controller in the Idle state. It does not read the store;
// call Hydrate to pick up a persisted session.
func New(auth Authenticator, store tokenstore.Store, opts ...Option) *Controller {
	c := &Controller{
		auth:        auth,
		store:       store,
		tokenSource: identity.Passthrough{},
		validate:    newValidator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state. Authenticated is read from the token
// store, so a session cleared by another process shows as signed out.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	return c.withTokens(snap)
}

// Subscribe registers fn to receive every state change. The returned func
// removes it.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.subscribers = append(c.subscribers, subscriber{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Hydrate loads a persisted session: the cached profile and, when an access
// token is stored, the Authenticated state.
func (c *Controller) Hydrate(ctx context.Context) error {
	tokens, err := c.store.GetTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session tokens: %w", err)
	}
	user, err := c.store.GetUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cached user: %w", err)
	}

	c.mutate(func() {
		c.user = user
		if tokens.Authenticated() && c.state == StateIdle {
			c.state = StateAuthenticated
		}
	})

	log.Debug().Bool("authenticated", tokens.Authenticated()).Msg("session hydrated")

	return nil
}

// LoginRequest checks the credentials; the server then emails an OTP.
// On success the controller awaits the OTP for email.
func (c *Controller) LoginRequest(ctx context.Context, email, password string) error {
	in := loginInput{Email: normalizeEmail(email), Password: password}
	if err := c.checkInput("login_request", in); err != nil {
		return err
	}

	gen, err := c.begin()
	if err != nil {
		return err
	}

	message, err := c.auth.LoginRequest(ctx, in.Email, in.Password)

	return c.finish("login_request", gen, err, func() error {
		c.state = StateAwaitingOTP
		c.loginEmail = in.Email
		log.Debug().Str("message", message).Msg("login OTP requested")
		return nil
	}, func() {
		if c.state == StateFailed {
			c.state = StateIdle
		}
	})
}

// LoginVerify completes the pending login with the OTP.
func (c *Controller) LoginVerify(ctx context.Context, otp string) error {
	c.mu.Lock()
	email, state := c.loginEmail, c.state
	c.mu.Unlock()

	if state != StateAwaitingOTP {
		c.mutate(func() { c.err = ErrNoPendingLogin })
		return ErrNoPendingLogin
	}

	return c.loginVerify(ctx, email, otp)
}

// LoginVerifyEmail is LoginVerify with the email restated by the caller.
func (c *Controller) LoginVerifyEmail(ctx context.Context, email, otp string) error {
	c.mu.Lock()
	pending, state := c.loginEmail, c.state
	c.mu.Unlock()

	if state != StateAwaitingOTP {
		c.mutate(func() { c.err = ErrNoPendingLogin })
		return ErrNoPendingLogin
	}
	if !strings.EqualFold(normalizeEmail(email), pending) {
		c.mutate(func() { c.err = ErrEmailMismatch })
		return ErrEmailMismatch
	}

	return c.loginVerify(ctx, pending, otp)
}

func (c *Controller) loginVerify(ctx context.Context, email, otp string) error {
	in := otpInput{Email: email, OTP: strings.TrimSpace(otp)}
	if err := c.checkInput("login_verify", in); err != nil {
		return err
	}

	gen, err := c.beginPending(email)
	if err != nil {
		return err
	}

	pair, err := c.auth.LoginVerify(ctx, in.Email, in.OTP)

	err = c.finish("login_verify", gen, err, func() error {
		return c.signInLocked(ctx, pair)
	}, nil)
	if err != nil {
		return err
	}

	c.loadProfile(ctx, gen)
	return nil
}

// GoogleLogin signs in with a token from the external identity provider,
// bypassing the OTP step.
func (c *Controller) GoogleLogin(ctx context.Context, externalToken string) error {
	in := googleInput{Token: strings.TrimSpace(externalToken)}
	if err := c.checkInput("google_login", in); err != nil {
		return err
	}

	gen, err := c.begin()
	if err != nil {
		return err
	}

	var pair *models.TokenPair
	idToken, err := c.tokenSource.ExchangeIDToken(ctx, in.Token)
	if err == nil {
		pair, err = c.auth.GoogleLogin(ctx, idToken)
	}

	err = c.finish("google_login", gen, err, func() error {
		return c.signInLocked(ctx, pair)
	}, func() {
		c.state = StateFailed
	})
	if err != nil {
		return err
	}

	c.loadProfile(ctx, gen)
	return nil
}

// Register creates an account. The server emails a verification OTP which
// is redeemed with VerifyAccount.
func (c *Controller) Register(ctx context.Context, name, email, password string) (*models.UserProfile, error) {
	in := registerInput{Name: strings.TrimSpace(name), Email: normalizeEmail(email), Password: password}
	if err := c.checkInput("register", in); err != nil {
		return nil, err
	}

	gen, err := c.begin()
	if err != nil {
		return nil, err
	}

	profile, err := c.auth.Register(ctx, in.Name, in.Email, in.Password)

	err = c.finish("register", gen, err, func() error {
		if c.state == StateFailed {
			c.state = StateIdle
		}
		return nil
	}, func() {
		c.state = StateFailed
	})
	if err != nil {
		return nil, err
	}

	return profile, nil
}

// VerifyAccount confirms a registration. The verified profile is cached but
// no tokens are issued: the user still has to log in.
func (c *Controller) VerifyAccount(ctx context.Context, email, otp string) (*models.UserProfile, error) {
	in := otpInput{Email: normalizeEmail(email), OTP: strings.TrimSpace(otp)}
	if err := c.checkInput("verify_account", in); err != nil {
		return nil, err
	}

	gen, err := c.begin()
	if err != nil {
		return nil, err
	}

	profile, err := c.auth.VerifyAccount(ctx, in.Email, in.OTP)

	err = c.finish("verify_account", gen, err, func() error {
		if err := c.store.SetUser(ctx, profile); err != nil {
			return fmt.Errorf("failed to cache verified profile: %w", err)
		}
		c.user = profile.Clone()
		if c.state == StateFailed {
			c.state = StateIdle
		}
		return nil
	}, func() {
		c.state = StateFailed
	})
	if err != nil {
		return nil, err
	}

	return profile, nil
}

// Back abandons the pending OTP step. Any login still in flight is
// discarded when it completes.
func (c *Controller) Back() {
	c.mutate(func() {
		if c.state != StateAwaitingOTP {
			return
		}
		c.generation++
		c.state = StateIdle
		c.loginEmail = ""
		c.err = nil
	})
}

// Logout clears the token store and the cached user from any state.
// In-memory state is reset even when the store fails.
func (c *Controller) Logout(ctx context.Context) error {
	return c.logout(ctx, "user")
}

func (c *Controller) logout(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.generation++
	c.mu.Unlock()

	var errs []error
	if err := c.store.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear session: %w", err))
	}
	for _, hook := range c.logoutHooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.mutate(func() {
		c.state = StateIdle
		c.loginEmail = ""
		c.user = nil
		c.err = nil
	})

	telemetry.GetMetrics().LogoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	log.Info().Str("reason", reason).Msg("logged out")

	return errors.Join(errs...)
}

// OnRefreshFailure is installed as the interceptor's refresh failure hook.
// A refresh token rejected by the server ends the session; network failures
// keep the tokens so the next request can try again.
func (c *Controller) OnRefreshFailure(ctx context.Context, err error) {
	var reqErr *autherr.RequestError
	if !errors.As(err, &reqErr) || !reqErr.IsRejection() {
		log.Warn().Err(err).Msg("session refresh failed, keeping tokens")
		return
	}

	if logoutErr := c.logout(ctx, "refresh_rejected"); logoutErr != nil && !errors.Is(logoutErr, ErrClosed) {
		log.Error().Err(logoutErr).Msg("failed to end session after rejected refresh")
	}
}

// Authenticated reads token presence from the store.
func (c *Controller) Authenticated(ctx context.Context) (bool, error) {
	tokens, err := c.store.GetTokens(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read session tokens: %w", err)
	}
	return tokens.Authenticated(), nil
}

// Close detaches the controller: in-flight results are discarded, later
// operations fail with ErrClosed and subscribers are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.generation++
	c.subscribers = nil
}

// signInLocked persists a token pair. Called with c.mu held so a
// concurrent Logout cannot interleave with the write.
func (c *Controller) signInLocked(ctx context.Context, pair *models.TokenPair) error {
	if err := c.store.SetTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		return fmt.Errorf("failed to store session tokens: %w", err)
	}
	c.state = StateAuthenticated
	c.loginEmail = ""

	log.Debug().
		Str("access", tokenstore.Fingerprint(pair.AccessToken)).
		Str("refresh", tokenstore.Fingerprint(pair.RefreshToken)).
		Msg("signed in")
	return nil
}

// loadProfile caches the user after sign in. Failure leaves the session
// signed in without a profile.
func (c *Controller) loadProfile(ctx context.Context, gen uint64) {
	if c.profiles == nil {
		return
	}

	profile, err := c.profiles.Me(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load user profile")
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		return
	}
	if err := c.store.SetUser(ctx, profile); err != nil {
		log.Warn().Err(err).Msg("failed to cache user profile")
	}
	c.user = profile.Clone()
	snap, subs := c.snapshotLocked(), c.subscribersLocked()
	c.mu.Unlock()

	c.notify(subs, snap)
}

// checkInput validates before any network call and records the failure.
func (c *Controller) checkInput(op string, in any) error {
	err := check(c.validate, in)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.mutate(func() { c.err = err })
	c.record(op, "invalid")
	return err
}

// begin marks an operation in flight and returns its generation.
func (c *Controller) begin() (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.inflight++
	c.err = nil
	gen := c.generation
	snap, subs := c.snapshotLocked(), c.subscribersLocked()
	c.mu.Unlock()

	c.notify(subs, snap)
	return gen, nil
}

// beginPending is begin for the OTP step. The pending login is checked and
// the generation taken under one lock, so a Back after this point is seen
// by finish and a Back before it fails here.
func (c *Controller) beginPending(email string) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.state != StateAwaitingOTP || c.loginEmail != email {
		c.err = ErrNoPendingLogin
		snap, subs := c.snapshotLocked(), c.subscribersLocked()
		c.mu.Unlock()

		c.notify(subs, snap)
		return 0, ErrNoPendingLogin
	}
	c.inflight++
	c.err = nil
	gen := c.generation
	snap, subs := c.snapshotLocked(), c.subscribersLocked()
	c.mu.Unlock()

	c.notify(subs, snap)
	return gen, nil
}

// finish applies the outcome of an operation started at gen. onSuccess and
// onFailure run under the lock and only when the attempt is still current.
func (c *Controller) finish(op string, gen uint64, err error, onSuccess func() error, onFailure func()) error {
	ctx := context.Background()

	c.mu.Lock()
	c.inflight--

	if c.closed || gen != c.generation {
		closed := c.closed
		snap, subs := c.snapshotLocked(), c.subscribersLocked()
		c.mu.Unlock()

		telemetry.GetMetrics().StaleResultsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		log.Debug().Str("op", op).Msg("discarding superseded result")

		if closed {
			return ErrClosed
		}
		c.notify(subs, snap)
		return ErrSuperseded
	}

	if err == nil {
		err = onSuccess()
	}

	if err != nil {
		c.err = err
		if onFailure != nil {
			onFailure()
		}
	} else {
		c.err = nil
	}

	snap, subs := c.snapshotLocked(), c.subscribersLocked()
	c.mu.Unlock()

	if err != nil {
		c.record(op, "failure")
		log.Debug().Err(err).Str("op", op).Msg("session operation failed")
	} else {
		c.record(op, "success")
	}

	c.notify(subs, snap)
	return err
}

// mutate applies fn under the lock and notifies subscribers.
func (c *Controller) mutate(fn func()) {
	c.mu.Lock()
	fn()
	snap, subs := c.snapshotLocked(), c.subscribersLocked()
	c.mu.Unlock()

	c.notify(subs, snap)
}

func (c *Controller) record(op, outcome string) {
	telemetry.GetMetrics().AuthOperationsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:      c.state,
		LoginEmail: c.loginEmail,
		Loading:    c.inflight > 0,
		Err:        c.err,
		User:       c.user.Clone(),
	}
}

func (c *Controller) subscribersLocked() []subscriber {
	if len(c.subscribers) == 0 {
		return nil
	}
	return append([]subscriber(nil), c.subscribers...)
}

// withTokens fills Authenticated from the store. On a read failure the
// snapshot keeps Authenticated false.
func (c *Controller) withTokens(snap Snapshot) Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), storeReadTimeout)
	defer cancel()

	tokens, err := c.store.GetTokens(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read session tokens")
		return snap
	}
	snap.Authenticated = tokens.Authenticated()
	return snap
}

// notify runs outside c.mu.
func (c *Controller) notify(subs []subscriber, snap Snapshot) {
	if len(subs) == 0 {
		return
	}
	snap = c.withTokens(snap)
	for _, s := range subs {
		s.fn(snap)
	}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}
