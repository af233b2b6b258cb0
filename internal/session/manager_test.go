package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/obs"
	"github.com/aussiebroadwan/wardgate/internal/tokenstore"
	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory stand-in for the portal REST API.
type fakeBackend struct {
	mu       sync.Mutex
	access   map[string]bool
	refresh  map[string]bool
	rotate   bool
	calls    map[string]int
	issued   int
	meDelay  time.Duration
	loginHit chan struct{}
	loginGo  chan struct{}

	// refreshStatus, when set, is returned by /auth/refresh instead of a pair.
	refreshStatus int
	// meAfterRefresh, when set, is returned by /auth/me once a refresh happened.
	meAfterRefresh int

	requestIDs map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		access:  map[string]bool{},
		refresh: map[string]bool{},
		calls:   map[string]int{},

		requestIDs: map[string]string{},
	}
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

func (b *fakeBackend) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// grant issues a fresh valid pair, as if the user had logged in elsewhere.
func (b *fakeBackend) grant() portalsdk.TokenPair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked()
}

func (b *fakeBackend) issueLocked() portalsdk.TokenPair {
	b.issued++
	pair := portalsdk.TokenPair{
		AccessToken:  fmt.Sprintf("access-%d", b.issued),
		RefreshToken: fmt.Sprintf("refresh-%d", b.issued),
	}
	b.access[pair.AccessToken] = true
	b.refresh[pair.RefreshToken] = true
	return pair
}

func (b *fakeBackend) requestID(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestIDs[path]
}

func (b *fakeBackend) revokeAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = map[string]bool{}
}

func (b *fakeBackend) revokeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = map[string]bool{}
	b.refresh = map[string]bool{}
}

var house = portalsdk.Identity{ID: "u-1", Name: "Gregory House", Role: portalsdk.RoleDoctor, Email: "house@ppth.org"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.calls[r.URL.Path]++
	b.requestIDs[r.URL.Path] = r.Header.Get("X-Request-ID")
	loginHit, loginGo, meDelay := b.loginHit, b.loginGo, b.meDelay
	refreshStatus := b.refreshStatus
	meAfterRefresh := b.meAfterRefresh
	if b.calls["/auth/refresh"] == 0 {
		meAfterRefresh = 0
	}
	b.mu.Unlock()

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	switch r.URL.Path {
	case "/auth/login":
		if loginHit != nil {
			loginHit <- struct{}{}
			<-loginGo
		}
		var req portalsdk.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Identifier != "house" || req.Password != "vicodin" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
			return
		}
		b.mu.Lock()
		pair := b.issueLocked()
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, portalsdk.LoginResponse{
			Tokens: pair,
			User:   portalsdk.User{ID: house.ID, Name: house.Name, Role: house.Role},
		})

	case "/auth/refresh":
		if refreshStatus != 0 {
			writeJSON(w, refreshStatus, map[string]string{"message": "refresh unavailable"})
			return
		}
		var req portalsdk.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		b.mu.Lock()
		ok := b.refresh[req.RefreshToken]
		var pair portalsdk.TokenPair
		if ok {
			pair = b.issueLocked()
			if !b.rotate {
				delete(b.refresh, pair.RefreshToken)
				pair.RefreshToken = ""
			} else {
				delete(b.refresh, req.RefreshToken)
			}
		}
		b.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "refresh token revoked"})
			return
		}
		writeJSON(w, http.StatusOK, portalsdk.RefreshResponse{Tokens: pair})

	case "/auth/me", "/profile":
		if r.URL.Path == "/auth/me" && meAfterRefresh != 0 {
			writeJSON(w, meAfterRefresh, map[string]string{"message": "identity service failed"})
			return
		}
		if r.URL.Path == "/auth/me" && meDelay > 0 {
			select {
			case <-time.After(meDelay):
			case <-r.Context().Done():
				return
			}
		}
		b.mu.Lock()
		ok := b.access[bearer]
		b.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, house)

	case "/auth/logout":
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

type fakeRealtime struct {
	opens  atomic.Int32
	closes atomic.Int32
}

func (f *fakeRealtime) Open()  { f.opens.Add(1) }
func (f *fakeRealtime) Close() { f.closes.Add(1) }

type harness struct {
	backend *fakeBackend
	store   *tokenstore.Memory
	rt      *fakeRealtime
	mgr     *Manager
}

func newHarness(t *testing.T, verifyTimeout time.Duration) *harness {
	t.Helper()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	return newHarnessWithURL(t, backend, srv.URL, verifyTimeout)
}

func newHarnessWithURL(t *testing.T, backend *fakeBackend, url string, verifyTimeout time.Duration) *harness {
	t.Helper()

	store := tokenstore.NewMemory(0)
	rt := &fakeRealtime{}

	mgr, err := New(Options{
		API:           portalsdk.NewClient(url, tokenstore.AccessTokenSource(store)),
		Store:         store,
		Realtime:      rt,
		Logger:        slogx.Discard(),
		Metrics:       obs.New(prometheus.NewRegistry()),
		VerifyTimeout: verifyTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &harness{backend: backend, store: store, rt: rt, mgr: mgr}
}

func (h *harness) seed(t *testing.T, pair portalsdk.TokenPair) {
	t.Helper()
	require.NoError(t, h.store.Save(context.Background(), tokenstore.Record{
		Tokens: pair,
		User:   portalsdk.User{ID: house.ID, Name: house.Name, Role: house.Role},
	}))
}

func (h *harness) stored(t *testing.T) (tokenstore.Record, bool) {
	t.Helper()
	rec, err := h.store.Read(context.Background())
	if errors.Is(err, tokenstore.ErrNotFound) {
		return tokenstore.Record{}, false
	}
	require.NoError(t, err)
	return rec, true
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Store: tokenstore.NewMemory(0)})
	require.Error(t, err)

	_, err = New(Options{API: portalsdk.NewClient("http://x", nil)})
	require.Error(t, err)
}

func TestCheckAuthNoTokenMakesNoCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	require.Equal(t, PhaseUninitialized, h.mgr.State().Phase)

	s := h.mgr.CheckAuth(context.Background())

	require.Equal(t, PhaseUnauthenticated, s.Phase)
	require.True(t, s.IsInitialized)
	require.False(t, s.IsAuthenticated)
	require.False(t, s.IsLoading)
	require.Nil(t, s.Session)
	require.Zero(t, h.backend.total())
	require.Zero(t, h.rt.opens.Load())
}

func TestCheckAuthConcurrentCallsShareOneVerify(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.backend.set(func(b *fakeBackend) { b.meDelay = 50 * time.Millisecond })
	h.seed(t, h.backend.grant())

	const callers = 20
	results := make([]State, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.mgr.CheckAuth(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, 1, h.backend.count("/auth/me"))
	for _, s := range results {
		require.True(t, s.IsInitialized)
		require.True(t, s.IsAuthenticated)
		require.Equal(t, house.ID, s.Session.UserID)
	}
	require.EqualValues(t, 1, h.rt.opens.Load())
}

func TestCheckAuthWhenAuthenticatedSkipsNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.seed(t, h.backend.grant())

	first := h.mgr.CheckAuth(context.Background())
	second := h.mgr.CheckAuth(context.Background())

	require.Equal(t, first, second)
	require.Equal(t, 1, h.backend.count("/auth/me"))
}

func TestCheckAuthRefreshesOnceOnRejectedToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	pair := h.backend.grant()
	h.backend.revokeAccess()
	h.seed(t, pair)

	s := h.mgr.CheckAuth(context.Background())

	require.Equal(t, PhaseAuthenticated, s.Phase)
	require.Equal(t, portalsdk.RoleDoctor, s.Session.Role)
	require.Equal(t, house.Email, s.Session.Email)
	require.Equal(t, 1, h.backend.count("/auth/refresh"))
	require.Equal(t, 2, h.backend.count("/auth/me"))

	rec, ok := h.stored(t)
	require.True(t, ok)
	require.NotEqual(t, pair.AccessToken, rec.Tokens.AccessToken)
	require.Equal(t, pair.RefreshToken, rec.Tokens.RefreshToken, "non-rotating backend keeps the old refresh token")
}

func TestCheckAuthRejectedRefreshClearsStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	pair := h.backend.grant()
	h.backend.revokeAll()
	h.seed(t, pair)

	s := h.mgr.CheckAuth(context.Background())

	require.Equal(t, PhaseUnauthenticated, s.Phase)
	require.True(t, s.IsInitialized)
	require.Equal(t, 1, h.backend.count("/auth/refresh"))
	require.Equal(t, 1, h.backend.count("/auth/me"))

	_, ok := h.stored(t)
	require.False(t, ok)
}

func TestCheckAuthFailedVerifyAfterRefreshClearsStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.backend.set(func(b *fakeBackend) { b.meAfterRefresh = http.StatusInternalServerError })
	pair := h.backend.grant()
	h.backend.revokeAccess()
	h.seed(t, pair)

	s := h.mgr.CheckAuth(context.Background())

	require.Equal(t, PhaseUnauthenticated, s.Phase)
	require.True(t, s.IsInitialized)
	require.Equal(t, 1, h.backend.count("/auth/refresh"))
	require.Equal(t, 2, h.backend.count("/auth/me"))

	_, err := h.store.Read(context.Background())
	require.ErrorIs(t, err, tokenstore.ErrNotFound)
	require.Zero(t, h.rt.opens.Load())
}

func TestCheckAuthNetworkDown(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	h := newHarnessWithURL(t, newFakeBackend(), url, 0)
	h.seed(t, portalsdk.TokenPair{AccessToken: "a", RefreshToken: "r"})

	s := h.mgr.CheckAuth(context.Background())

	require.Equal(t, PhaseUnauthenticated, s.Phase)
	require.True(t, s.IsInitialized)
	require.False(t, s.IsLoading)

	_, ok := h.stored(t)
	require.True(t, ok, "an unreachable backend did not reject the token")
}

func TestCheckAuthVerifyTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 50*time.Millisecond)
	h.backend.set(func(b *fakeBackend) { b.meDelay = 2 * time.Second })
	h.seed(t, h.backend.grant())

	start := time.Now()
	s := h.mgr.CheckAuth(context.Background())

	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, PhaseUnauthenticated, s.Phase)
	require.True(t, s.IsInitialized)
}

func TestCheckAuthSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.backend.set(func(b *fakeBackend) { b.meDelay = 100 * time.Millisecond })
	h.seed(t, h.backend.grant())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	early := h.mgr.CheckAuth(ctx)
	require.NotEqual(t, PhaseAuthenticated, early.Phase)

	require.Eventually(t, func() bool {
		return h.mgr.State().Phase == PhaseAuthenticated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoginThenCheckAuthRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)

	sess, err := h.mgr.Login(context.Background(), "house", "vicodin")
	require.NoError(t, err)
	require.Equal(t, house.ID, sess.UserID)

	s := h.mgr.CheckAuth(context.Background())
	require.Equal(t, PhaseAuthenticated, s.Phase)
	require.True(t, s.IsInitialized)
	require.Equal(t, *sess, *s.Session)
	require.Zero(t, h.backend.count("/auth/me"))
	require.EqualValues(t, 1, h.rt.opens.Load())

	rec, ok := h.stored(t)
	require.True(t, ok)
	require.Equal(t, house.ID, rec.User.ID)
}

func TestLoginFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	before := h.mgr.State()

	_, err := h.mgr.Login(context.Background(), "house", "wrong")

	var apiErr *portalsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, portalsdk.KindUnauthorized, apiErr.Kind)
	require.Equal(t, "invalid credentials", apiErr.Message)
	require.Equal(t, before, h.mgr.State())

	_, ok := h.stored(t)
	require.False(t, ok)
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	_, err := h.mgr.Login(context.Background(), "house", "vicodin")
	require.NoError(t, err)

	once := h.mgr.Logout(context.Background())
	twice := h.mgr.Logout(context.Background())

	require.Equal(t, once, twice)
	require.Equal(t, PhaseUnauthenticated, twice.Phase)
	require.True(t, twice.IsInitialized)
	require.False(t, twice.IsAuthenticated)

	_, ok := h.stored(t)
	require.False(t, ok)
	require.Equal(t, 1, h.backend.count("/auth/logout"))
	require.GreaterOrEqual(t, h.rt.closes.Load(), int32(1))
}

func TestLogoutClearsLocallyWhenBackendUnreachable(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	h := newHarnessWithURL(t, backend, srv.URL, 0)

	_, err := h.mgr.Login(context.Background(), "house", "vicodin")
	require.NoError(t, err)
	srv.Close()

	s := h.mgr.Logout(context.Background())

	require.Equal(t, PhaseUnauthenticated, s.Phase)
	require.True(t, s.IsInitialized)
	require.False(t, s.IsAuthenticated)
	require.Nil(t, s.Session)

	_, ok := h.stored(t)
	require.False(t, ok)
	require.GreaterOrEqual(t, h.rt.closes.Load(), int32(1))
}

func TestLogoutDuringLoginWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	hit, release := make(chan struct{}), make(chan struct{})
	h.backend.set(func(b *fakeBackend) { b.loginHit, b.loginGo = hit, release })

	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.Login(context.Background(), "house", "vicodin")
		done <- err
	}()

	<-hit
	require.True(t, h.mgr.State().IsLoading)
	h.mgr.Logout(context.Background())
	close(release)

	require.ErrorIs(t, <-done, ErrSuperseded)

	s := h.mgr.State()
	require.Equal(t, PhaseUnauthenticated, s.Phase)
	require.False(t, s.IsLoading)

	_, ok := h.stored(t)
	require.False(t, ok)
	require.Zero(t, h.rt.opens.Load())
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("rotating backend replaces refresh token", func(t *testing.T) {
		h := newHarness(t, 0)
		h.backend.set(func(b *fakeBackend) { b.rotate = true })
		pair := h.backend.grant()
		h.seed(t, pair)

		require.NoError(t, h.mgr.Refresh(context.Background()))

		rec, ok := h.stored(t)
		require.True(t, ok)
		require.NotEqual(t, pair.RefreshToken, rec.Tokens.RefreshToken)
		require.Equal(t, PhaseUninitialized, h.mgr.State().Phase, "refresh only touches the store")
	})

	t.Run("rejected refresh wraps ErrRefreshFailed", func(t *testing.T) {
		h := newHarness(t, 0)
		h.seed(t, portalsdk.TokenPair{AccessToken: "a", RefreshToken: "unknown"})

		err := h.mgr.Refresh(context.Background())
		require.ErrorIs(t, err, ErrRefreshFailed)
		require.True(t, portalsdk.IsUnauthorized(err))
	})

	t.Run("nothing stored", func(t *testing.T) {
		h := newHarness(t, 0)
		require.ErrorIs(t, h.mgr.Refresh(context.Background()), ErrRefreshFailed)
		require.Zero(t, h.backend.total())
	})
}

func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("without a token", func(t *testing.T) {
		h := newHarness(t, 0)
		err := h.mgr.Do(context.Background(), http.MethodGet, "/profile", nil, nil)
		require.ErrorIs(t, err, ErrAuthRequired)
		require.Zero(t, h.backend.total())
	})

	t.Run("retries once after refresh", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.mgr.Login(context.Background(), "house", "vicodin")
		require.NoError(t, err)
		h.backend.revokeAccess()

		profile, err := portalsdk.Resources{Doer: h.mgr}.Profile(context.Background())
		require.NoError(t, err)
		require.Equal(t, house.Email, profile.Email)
		require.Equal(t, 2, h.backend.count("/profile"))
		require.Equal(t, 1, h.backend.count("/auth/refresh"))
		require.True(t, h.mgr.State().IsAuthenticated)
	})

	t.Run("rejected refresh drops the session", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.mgr.Login(context.Background(), "house", "vicodin")
		require.NoError(t, err)
		h.backend.revokeAll()

		err = h.mgr.Do(context.Background(), http.MethodGet, "/profile", nil, nil)
		require.ErrorIs(t, err, ErrAuthRequired)
		require.Equal(t, PhaseUnauthenticated, h.mgr.State().Phase)

		_, ok := h.stored(t)
		require.False(t, ok)
		require.GreaterOrEqual(t, h.rt.closes.Load(), int32(1))
	})

	t.Run("refresh server fault keeps the session", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.mgr.Login(context.Background(), "house", "vicodin")
		require.NoError(t, err)
		h.backend.revokeAccess()
		h.backend.set(func(b *fakeBackend) { b.refreshStatus = http.StatusBadGateway })

		err = h.mgr.Do(context.Background(), http.MethodGet, "/profile", nil, nil)
		require.ErrorIs(t, err, ErrRefreshFailed)
		require.NotErrorIs(t, err, ErrAuthRequired)
		require.True(t, portalsdk.IsServerFault(err))

		require.True(t, h.mgr.State().IsAuthenticated)
		_, ok := h.stored(t)
		require.True(t, ok)
		require.Zero(t, h.rt.closes.Load())
	})

	t.Run("forwards the request id", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.mgr.Login(context.Background(), "house", "vicodin")
		require.NoError(t, err)

		ctx := slogx.WithRequestID(context.Background(), "01HQ7T3Z1MZ0JQ3M6MZQ1FQ3ZX")
		require.NoError(t, h.mgr.Do(ctx, http.MethodGet, "/profile", nil, nil))
		require.Equal(t, "01HQ7T3Z1MZ0JQ3M6MZQ1FQ3ZX", h.backend.requestID("/profile"))
	})

	t.Run("other failures pass through", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.mgr.Login(context.Background(), "house", "vicodin")
		require.NoError(t, err)

		err = h.mgr.Do(context.Background(), http.MethodGet, "/nowhere", nil, nil)
		var apiErr *portalsdk.APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		require.True(t, h.mgr.State().IsAuthenticated)
	})
}

func TestWatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ch, cancel := h.mgr.Watch()

	initial := <-ch
	require.Equal(t, PhaseUninitialized, initial.Phase)

	h.mgr.CheckAuth(context.Background())

	// Only the newest snapshot is kept for a reader that fell behind.
	latest := <-ch
	require.Equal(t, PhaseUnauthenticated, latest.Phase)
	require.True(t, latest.IsInitialized)

	cancel()
	_, open := <-ch
	require.False(t, open)
	cancel()
}

func TestPublishedStatesNeverTear(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ch, cancel := h.mgr.Watch()

	var seen []State
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range ch {
			seen = append(seen, s)
		}
	}()

	for range 5 {
		_, err := h.mgr.Login(context.Background(), "house", "vicodin")
		require.NoError(t, err)
		h.mgr.CheckAuth(context.Background())
		h.mgr.Logout(context.Background())
	}
	cancel()
	<-done

	require.NotEmpty(t, seen)
	for _, s := range seen {
		require.Equal(t, s.Session != nil, s.IsAuthenticated)
		if s.Phase == PhaseAuthenticated {
			require.True(t, s.IsInitialized)
		}
	}
}

func TestCloseReleasesWatchers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ch, _ := h.mgr.Watch()
	<-ch

	h.mgr.Close()
	_, open := <-ch
	require.False(t, open)

	late, _ := h.mgr.Watch()
	_, open = <-late
	require.False(t, open)
	require.GreaterOrEqual(t, h.rt.closes.Load(), int32(1))
}
