package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefront/internal/autherr"
	"github.com/wolfeidau/storefront/internal/models"
	"github.com/wolfeidau/storefront/internal/tokenstore"
	"github.com/wolfeidau/storefront/internal/transport"
)

// fakeAPI is an auth server plus one protected resource. validToken is the
// access token /users/me accepts; refresh swaps it for refreshTo.
type fakeAPI struct {
	*httptest.Server

	mu          sync.Mutex
	validToken  string
	refreshTo   [2]string
	refreshCode int
	refreshWait time.Duration
	alwaysDeny  bool
	meGate      chan struct{}

	meCalls       atomic.Int32
	refreshCalls  atomic.Int32
	seenAuth      []string
	seenBodies    []string
	refreshBodies []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		validToken:  "AT2",
		refreshTo:   [2]string{"AT2", "RT2"},
		refreshCode: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/users/me", f.handleMe)
	mux.HandleFunc("/orders", f.handleMe)
	mux.HandleFunc("/auth/refresh-token", f.handleRefresh)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)

	return f
}

func (f *fakeAPI) handleMe(w http.ResponseWriter, r *http.Request) {
	f.meCalls.Add(1)
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.seenAuth = append(f.seenAuth, r.Header.Get("Authorization"))
	f.seenBodies = append(f.seenBodies, string(body))
	valid := "Bearer " + f.validToken
	deny := f.alwaysDeny
	gate := f.meGate
	f.mu.Unlock()

	if deny || r.Header.Get("Authorization") != valid {
		if gate != nil {
			<-gate
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"jwt expired"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true,"data":{"id":"u-1","email":"a@b.com"}}`))
}

func (f *fakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)

	var req map[string]string
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.refreshBodies = append(f.refreshBodies, req["refresh_token"])
	code, pair, wait := f.refreshCode, f.refreshTo, f.refreshWait
	f.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	if code != http.StatusOK {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"success":false,"message":"invalid refresh token"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    map[string]string{"accessToken": pair[0], "refreshToken": pair[1]},
	})
}

func (f *fakeAPI) auth() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seenAuth...)
}

func newClient(f *fakeAPI, store tokenstore.Store, opts ...Option) *http.Client {
	refresher := transport.New(transport.Config{BaseURL: f.URL, Timeout: 5 * time.Second})
	return &http.Client{Transport: New(store, refresher, opts...)}
}

func get(t *testing.T, c *http.Client, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Do(req)
}

func TestTransport_AttachesBearer(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT2", "RT2"))

	resp, err := get(t, newClient(f, store), f.URL+"/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Bearer AT2"}, f.auth())
	assert.Zero(t, f.refreshCalls.Load())
}

func TestTransport_NoTokenDispatchesUnauthenticated(t *testing.T) {
	f := newFakeAPI(t)

	resp, err := get(t, newClient(f, tokenstore.NewMemoryStore()), f.URL+"/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, []string{""}, f.auth())
	assert.Zero(t, f.refreshCalls.Load())
}

func TestTransport_RefreshAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))

	resp, err := get(t, newClient(f, store), f.URL+"/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), f.refreshCalls.Load())
	assert.Equal(t, []string{"RT1"}, f.refreshBodies)
	assert.Equal(t, []string{"Bearer AT1", "Bearer AT2"}, f.auth())

	tokens, err := store.GetTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Tokens{AccessToken: "AT2", RefreshToken: "RT2"}, tokens)
}

func TestTransport_AtMostOneReplay(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	f.alwaysDeny = true
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))

	resp, err := get(t, newClient(f, store), f.URL+"/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "the replay's 401 is surfaced")
	assert.Equal(t, int32(1), f.refreshCalls.Load())
	assert.Equal(t, int32(2), f.meCalls.Load())
	assert.Equal(t, []string{"Bearer AT1", "Bearer AT2"}, f.auth())
}

func TestTransport_NoRefreshTokenShortCircuit(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", ""))

	resp, err := get(t, newClient(f, store), f.URL+"/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jwt expired", "the original response is returned intact")
	assert.Zero(t, f.refreshCalls.Load())
	assert.Equal(t, int32(1), f.meCalls.Load())
}

func TestTransport_RefreshFailure(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	f.refreshCode = http.StatusUnauthorized
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))

	var hookCalls atomic.Int32
	var hookErr error
	c := newClient(f, store, WithRefreshFailureHook(func(ctx context.Context, err error) {
		hookCalls.Add(1)
		hookErr = err
	}))

	_, err := get(t, c, f.URL+"/users/me")
	require.Error(t, err)

	var rf *autherr.RefreshFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, http.StatusUnauthorized, rf.StatusCode)
	assert.True(t, autherr.IsUnauthorized(err))

	var reqErr *autherr.RequestError
	require.ErrorAs(t, err, &reqErr, "the refresh cause is kept")
	assert.Equal(t, transport.PathRefreshToken, reqErr.Endpoint)

	assert.Equal(t, int32(1), hookCalls.Load())
	require.ErrorAs(t, hookErr, &reqErr)

	assert.Equal(t, int32(1), f.meCalls.Load(), "no replay after a failed refresh")

	tokens, err := store.GetTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Tokens{AccessToken: "AT1", RefreshToken: "RT1"}, tokens, "tokens are left to the session policy")
}

func TestTransport_PassesThroughOtherStatuses(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))
	refresher := &countingRefresher{}
	c := &http.Client{Transport: New(store, refresher)}

	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, refresher.calls.Load())
}

func TestTransport_ReplaysRequestBody(t *testing.T) {
	ctx := context.Background()
	f := newFakeAPI(t)
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL+"/orders", strings.NewReader(`{"item":"pizza"}`))
	require.NoError(t, err)

	resp, err := newClient(f, store).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{`{"item":"pizza"}`, `{"item":"pizza"}`}, f.seenBodies)
}

func TestTransport_CoalescesConcurrentRefreshes(t *testing.T) {
	ctx := context.Background()
	const n = 10

	f := newFakeAPI(t)
	gate := make(chan struct{})
	f.meGate = gate
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))
	c := newClient(f, store)

	var wg sync.WaitGroup
	statuses := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := get(t, c, f.URL+"/users/me")
			errs[i] = err
			if err == nil {
				statuses[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}

	// hold every 401 until all n requests carrying AT1 have arrived
	require.Eventually(t, func() bool { return f.meCalls.Load() == n }, 5*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, statuses[i])
	}
	assert.Equal(t, int32(1), f.refreshCalls.Load())
	assert.Equal(t, int32(2*n), f.meCalls.Load())

	replays := 0
	for _, h := range f.auth() {
		if h == "Bearer AT2" {
			replays++
		}
	}
	assert.Equal(t, n, replays, "every request replays with the single refreshed token")
}

func TestTransport_CoalescedRefreshFailureFailsAll(t *testing.T) {
	ctx := context.Background()
	const n = 8

	f := newFakeAPI(t)
	gate := make(chan struct{})
	f.meGate = gate
	f.refreshCode = http.StatusUnauthorized
	f.refreshWait = 200 * time.Millisecond
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))

	var hookCalls atomic.Int32
	c := newClient(f, store, WithRefreshFailureHook(func(context.Context, error) { hookCalls.Add(1) }))

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := get(t, c, f.URL+"/users/me")
			if err == nil {
				resp.Body.Close()
			}
			errs[i] = err
		}(i)
	}

	require.Eventually(t, func() bool { return f.meCalls.Load() == n }, 5*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		var rf *autherr.RefreshFailure
		require.ErrorAs(t, err, &rf)
		assert.Equal(t, http.StatusUnauthorized, autherr.StatusCode(err))
	}
	assert.Equal(t, int32(1), f.refreshCalls.Load())
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestTransport_LateArrivalReusesRefreshedToken(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))

	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, auth)
		mu.Unlock()
		if auth == "Bearer AT1" {
			// another request refreshed while this one was in flight
			require.NoError(t, store.SetTokens(ctx, "AT2", "RT2"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	refresher := &countingRefresher{}
	c := &http.Client{Transport: New(store, refresher)}

	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, refresher.calls.Load())
	assert.Equal(t, []string{"Bearer AT1", "Bearer AT2"}, seen)
}

// staleReadStore returns what the store held before running afterRead on
// call number onCall, so the caller sees tokens that were rotated right
// after it read them.
type staleReadStore struct {
	tokenstore.Store

	mu        sync.Mutex
	calls     int
	onCall    int
	afterRead func()
}

func (s *staleReadStore) GetTokens(ctx context.Context) (tokenstore.Tokens, error) {
	tokens, err := s.Store.GetTokens(ctx)

	s.mu.Lock()
	s.calls++
	run := s.calls == s.onCall
	s.mu.Unlock()

	if run {
		s.afterRead()
	}
	return tokens, err
}

// rotatingRefresher accepts only the current refresh token, like a server
// with single-use refresh tokens.
type rotatingRefresher struct {
	valid string
	calls atomic.Int32
}

func (r *rotatingRefresher) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	r.calls.Add(1)
	if refreshToken != r.valid {
		return nil, &autherr.RequestError{Endpoint: transport.PathRefreshToken, StatusCode: http.StatusUnauthorized, Message: "Invalid refresh token"}
	}
	return &models.TokenPair{AccessToken: "AT3", RefreshToken: "RT3"}, nil
}

func TestTransport_RefreshFinishedBeforeJoining(t *testing.T) {
	ctx := context.Background()
	inner := tokenstore.NewMemoryStore()
	require.NoError(t, inner.SetTokens(ctx, "AT1", "RT1"))

	// the read after the 401 sees AT1/RT1, then a concurrent refresh
	// completes and rotates the pair before this request reaches DoChan
	store := &staleReadStore{Store: inner, onCall: 2, afterRead: func() {
		require.NoError(t, inner.SetTokens(ctx, "AT2", "RT2"))
	}}

	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, auth)
		mu.Unlock()
		if auth != "Bearer AT2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	refresher := &rotatingRefresher{valid: "RT2"}
	var hookCalls atomic.Int32
	c := &http.Client{Transport: New(store, refresher, WithRefreshFailureHook(func(context.Context, error) { hookCalls.Add(1) }))}

	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, refresher.calls.Load(), "the rotated refresh token is never sent again")
	assert.Zero(t, hookCalls.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer AT1", "Bearer AT2"}, seen)

	tokens, err := inner.GetTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Tokens{AccessToken: "AT2", RefreshToken: "RT2"}, tokens)
}

func TestTransport_CallerCancelWhileWaiting(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetTokens(ctx, "AT1", "RT1"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	release := make(chan struct{})
	refresher := &countingRefresher{block: release}
	defer close(release)

	c := &http.Client{Transport: New(store, refresher)}

	reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	var rf *autherr.RefreshFailure
	assert.False(t, errors.As(err, &rf), "a caller timeout is not a refresh failure")
}

type countingRefresher struct {
	calls atomic.Int32
	block chan struct{}
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	r.calls.Add(1)
	if r.block != nil {
		<-r.block
	}
	return &models.TokenPair{AccessToken: "ATX", RefreshToken: "RTX"}, nil
}
