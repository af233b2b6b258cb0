// Package session owns the tab's authentication state machine.
//
// A Manager moves from UNINITIALIZED through CHECKING to AUTHENTICATED or
// UNAUTHENTICATED, performs login, logout and token refresh, and publishes an
// immutable State snapshot on every transition. Tokens live in a
// tokenstore.Store; the Manager never keeps them in its own state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/obs"
	"github.com/aussiebroadwan/wardgate/internal/tokenstore"
	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultVerifyTimeout bounds the verify and refresh calls of a check.
	DefaultVerifyTimeout = 10 * time.Second

	// DefaultLogoutTimeout bounds the best-effort backend logout.
	DefaultLogoutTimeout = 5 * time.Second
)

// API is the slice of the backend client the manager needs.
// *portalsdk.Client satisfies it.
type API interface {
	Login(ctx context.Context, identifier, password string) (*portalsdk.LoginResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*portalsdk.TokenPair, error)
	Me(ctx context.Context, accessToken string) (*portalsdk.Identity, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	Request(ctx context.Context, method, path string, opts portalsdk.RequestOptions, out any) error
}

// Realtime is the push channel the manager opens once a session exists and
// closes when it ends. Both calls must be non-blocking and idempotent.
type Realtime interface {
	Open()
	Close()
}

// Options wires a Manager. API and Store are required.
type Options struct {
	API      API
	Store    tokenstore.Store
	Realtime Realtime
	Logger   *slog.Logger
	Metrics  *obs.Metrics

	VerifyTimeout time.Duration
	LogoutTimeout time.Duration
}

// Manager is safe for concurrent use. All state sits behind mu and every
// transition publishes exactly one snapshot.
type Manager struct {
	api           API
	store         tokenstore.Store
	rt            Realtime
	logger        *slog.Logger
	metrics       *obs.Metrics
	verifyTimeout time.Duration
	logoutTimeout time.Duration

	checks    singleflight.Group
	refreshes singleflight.Group

	mu       sync.Mutex
	state    State
	epoch    uint64
	logins   int
	watchers map[uint64]chan State
	nextID   uint64
	closed   bool
}

// New creates a Manager in the UNINITIALIZED phase.
func New(opts Options) (*Manager, error) {
	if opts.API == nil {
		return nil, errors.New("session: API is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: Store is required")
	}

	m := &Manager{
		api:           opts.API,
		store:         opts.Store,
		rt:            opts.Realtime,
		logger:        slogx.OrDefault(opts.Logger),
		metrics:       opts.Metrics,
		verifyTimeout: opts.VerifyTimeout,
		logoutTimeout: opts.LogoutTimeout,
		watchers:      make(map[uint64]chan State),
	}
	if m.verifyTimeout <= 0 {
		m.verifyTimeout = DefaultVerifyTimeout
	}
	if m.logoutTimeout <= 0 {
		m.logoutTimeout = DefaultLogoutTimeout
	}
	m.state = State{Phase: PhaseUninitialized}

	return m, nil
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch returns a channel that always holds the newest snapshot, starting
// with the current one. Slow readers skip intermediate states. cancel stops
// delivery and closes the channel.
func (m *Manager) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	ch <- m.state
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(ch)
			}
		})
	}
}

// Close releases every watcher and closes the realtime channel. The store is
// left untouched so the next process for this tab can resume the session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.mu.Unlock()

	if m.rt != nil {
		m.rt.Close()
	}
}

// CheckAuth establishes whether the stored token still belongs to a valid
// session. It never fails: every path settles in AUTHENTICATED or
// UNAUTHENTICATED with IsInitialized set. Concurrent callers share one check,
// and the check itself is not cancelled when a caller gives up.
func (m *Manager) CheckAuth(ctx context.Context) State {
	m.mu.Lock()
	if m.state.Phase == PhaseAuthenticated {
		s := m.state
		m.mu.Unlock()
		return s
	}
	m.mu.Unlock()

	ch := m.checks.DoChan("check", func() (any, error) {
		return m.check(context.WithoutCancel(ctx)), nil
	})

	select {
	case res := <-ch:
		return res.Val.(State)
	case <-ctx.Done():
		return m.State()
	}
}

func (m *Manager) check(ctx context.Context) State {
	m.mu.Lock()
	if m.state.Phase == PhaseAuthenticated {
		s := m.state
		m.mu.Unlock()
		return s
	}
	epoch := m.epoch
	m.publishLocked(State{Phase: PhaseChecking, IsInitialized: m.state.IsInitialized})
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.verifyTimeout)
	defer cancel()

	rec, err := m.store.Read(ctx)
	if err != nil || rec.Tokens.AccessToken == "" {
		if err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
			m.logger.Warn("failed to read stored session", "error", err)
		}
		return m.settle(epoch, nil, obs.OutcomeNoToken)
	}

	identity, err := m.api.Me(ctx, rec.Tokens.AccessToken)
	if portalsdk.IsUnauthorized(err) {
		// Exactly one refresh and one retried verify; anything else ends the session.
		pair, rerr := m.refresh(ctx)
		if rerr != nil {
			m.logger.Info("token refresh rejected during session check", "error", rerr)
			return m.drop(epoch, obs.OutcomeUnauthenticated)
		}

		identity, err = m.api.Me(ctx, pair.AccessToken)
		if err != nil {
			m.logger.Info("session verify failed after refresh", "error", err)
			return m.drop(epoch, obs.OutcomeUnauthenticated)
		}
	}

	if err != nil {
		var apiErr *portalsdk.APIError
		switch {
		case portalsdk.IsNetwork(err):
			// The token was not rejected, keep it for the next check.
			m.logger.Warn("session verify failed: backend unreachable", "error", err)
			return m.settle(epoch, nil, obs.OutcomeNetwork)
		case errors.As(err, &apiErr):
			m.logger.Warn("session verify failed", "status", apiErr.StatusCode, "error", err)
			return m.settle(epoch, nil, obs.OutcomeUnauthenticated)
		default:
			// The identity could not be decoded, so the stored session is unusable.
			m.logger.Warn("backend identity unreadable, dropping session", "error", err)
			return m.drop(epoch, obs.OutcomeUnauthenticated)
		}
	}

	sess, err := sessionFromIdentity(identity)
	if err != nil {
		m.logger.Warn("backend identity invalid, dropping session", "error", err)
		return m.drop(epoch, obs.OutcomeUnauthenticated)
	}

	return m.settle(epoch, sess, obs.OutcomeAuthenticated)
}

// settle applies the result of a check if no logout or login landed since
// it started.
func (m *Manager) settle(epoch uint64, sess *Session, outcome string) State {
	m.mu.Lock()
	if epoch != m.epoch {
		// Whatever happened meanwhile already published its own state.
		s := m.state
		m.mu.Unlock()
		m.metrics.SessionCheck(obs.OutcomeSuperseded)
		return s
	}

	if sess != nil {
		m.publishLocked(State{Phase: PhaseAuthenticated, Session: sess, IsInitialized: true})
	} else {
		m.publishLocked(State{Phase: PhaseUnauthenticated, IsInitialized: true})
	}
	s := m.state
	m.mu.Unlock()

	m.metrics.SessionCheck(outcome)
	if sess != nil {
		m.logger.Info("session authenticated", "user_id", sess.UserID, "role", sess.Role)
		m.openRealtime()
	}
	return s
}

// drop ends the session after the backend rejected it: the store is cleared
// and the state becomes UNAUTHENTICATED.
func (m *Manager) drop(epoch uint64, outcome string) State {
	m.mu.Lock()
	if epoch != m.epoch {
		s := m.state
		m.mu.Unlock()
		m.metrics.SessionCheck(obs.OutcomeSuperseded)
		return s
	}

	m.epoch++
	if err := m.store.Clear(context.Background()); err != nil {
		m.logger.Warn("failed to clear stored session", "error", err)
	}
	m.publishLocked(State{Phase: PhaseUnauthenticated, IsInitialized: true})
	s := m.state
	m.mu.Unlock()

	m.metrics.SessionCheck(outcome)
	m.metrics.Logout()
	m.closeRealtime()
	return s
}

// Login exchanges credentials for a session. On failure the state is left as
// it was and the backend error is returned unchanged. A logout issued while
// the login is in flight wins: the login result is discarded and
// ErrSuperseded returned.
func (m *Manager) Login(ctx context.Context, identifier, password string) (*Session, error) {
	m.mu.Lock()
	epoch := m.epoch
	m.logins++
	m.publishLocked(m.state)
	m.mu.Unlock()

	resp, err := m.api.Login(ctx, identifier, password)

	m.mu.Lock()
	m.logins--

	if err != nil {
		m.publishLocked(m.state)
		m.mu.Unlock()
		m.metrics.Login(obs.OutcomeFailure)
		return nil, err
	}

	if epoch != m.epoch {
		m.publishLocked(m.state)
		m.mu.Unlock()
		m.metrics.Login(obs.OutcomeSuperseded)
		return nil, ErrSuperseded
	}

	sess, err := sessionFromUser(resp.User)
	if err != nil {
		m.publishLocked(m.state)
		m.mu.Unlock()
		m.metrics.Login(obs.OutcomeFailure)
		return nil, err
	}

	if err := m.store.Save(ctx, tokenstore.Record{Tokens: resp.Tokens, User: resp.User}); err != nil {
		m.publishLocked(m.state)
		m.mu.Unlock()
		m.metrics.Login(obs.OutcomeFailure)
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	// A login is authoritative: in-flight checks and refreshes started
	// against the previous tokens must not overwrite it.
	m.epoch++
	m.publishLocked(State{Phase: PhaseAuthenticated, Session: sess, IsInitialized: true})
	m.mu.Unlock()

	m.metrics.Login(obs.OutcomeSuccess)
	m.logger.Info("user logged in", "user_id", sess.UserID, "role", sess.Role)
	m.openRealtime()

	out := *sess
	return &out, nil
}

// Logout clears the stored tokens, closes the realtime channel and publishes
// UNAUTHENTICATED, all unconditionally. The backend is told afterwards on a
// best-effort basis. Calling it again is harmless.
func (m *Manager) Logout(ctx context.Context) State {
	storeCtx := context.WithoutCancel(ctx)

	m.mu.Lock()
	rec, readErr := m.store.Read(storeCtx)
	m.epoch++
	if err := m.store.Clear(storeCtx); err != nil {
		m.logger.Warn("failed to clear stored session", "error", err)
	}
	wasAuthenticated := m.state.IsAuthenticated
	m.publishLocked(State{Phase: PhaseUnauthenticated, IsInitialized: true})
	s := m.state
	m.mu.Unlock()

	m.closeRealtime()
	if wasAuthenticated {
		m.metrics.Logout()
		m.logger.Info("user logged out")
	}

	if readErr == nil && rec.Tokens.RefreshToken != "" {
		logoutCtx, cancel := context.WithTimeout(storeCtx, m.logoutTimeout)
		defer cancel()
		if err := m.api.Logout(logoutCtx, rec.Tokens.AccessToken, rec.Tokens.RefreshToken); err != nil {
			m.logger.Warn("backend logout failed", "error", err)
		}
	}

	return s
}

// Refresh exchanges the stored refresh token for a new pair and stores it.
// The published state is not touched. Failures wrap ErrRefreshFailed.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.refresh(ctx)
	return err
}

// refresh collapses concurrent refreshes into one backend call.
func (m *Manager) refresh(ctx context.Context) (*portalsdk.TokenPair, error) {
	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*portalsdk.TokenPair), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, ctx.Err())
	}
}

func (m *Manager) doRefresh(ctx context.Context) (*portalsdk.TokenPair, error) {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	rec, err := m.store.Read(ctx)
	if err != nil {
		m.metrics.Refresh(obs.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if rec.Tokens.RefreshToken == "" {
		m.metrics.Refresh(obs.OutcomeFailure)
		return nil, fmt.Errorf("%w: no refresh token stored", ErrRefreshFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, m.verifyTimeout)
	defer cancel()

	pair, err := m.api.Refresh(ctx, rec.Tokens.RefreshToken)
	if err != nil {
		m.metrics.Refresh(obs.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	// Backends that do not rotate refresh tokens omit it from the response.
	if pair.RefreshToken == "" {
		pair.RefreshToken = rec.Tokens.RefreshToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		m.metrics.Refresh(obs.OutcomeSuperseded)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, ErrSuperseded)
	}

	rec.Tokens = *pair
	rec.SavedAt = time.Time{}
	if err := m.store.Save(ctx, rec); err != nil {
		m.metrics.Refresh(obs.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	m.metrics.Refresh(obs.OutcomeSuccess)
	return pair, nil
}

// Do performs an authenticated JSON call with the stored token. A 401 gets
// exactly one refresh and one retry; if the refresh is rejected the session
// is dropped and ErrAuthRequired returned. A refresh that fails on the
// network or with a 5xx keeps the session. Other failures pass through.
func (m *Manager) Do(ctx context.Context, method, path string, body, out any) error {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	rec, err := m.store.Read(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) || (err == nil && rec.Tokens.AccessToken == "") {
		return ErrAuthRequired
	}
	if err != nil {
		return err
	}

	opts := portalsdk.RequestOptions{Body: body, Token: rec.Tokens.AccessToken}
	if id := slogx.RequestID(ctx); id != "" {
		opts.Headers = map[string]string{"X-Request-ID": id}
	}
	err = m.api.Request(ctx, method, path, opts, out)
	if !portalsdk.IsUnauthorized(err) {
		return err
	}

	pair, err := m.refresh(ctx)
	if err != nil {
		if portalsdk.IsNetwork(err) || portalsdk.IsServerFault(err) || errors.Is(err, ErrSuperseded) || ctx.Err() != nil {
			return err
		}
		m.drop(epoch, obs.OutcomeUnauthenticated)
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)
	}

	opts.Token = pair.AccessToken
	err = m.api.Request(ctx, method, path, opts, out)
	if portalsdk.IsUnauthorized(err) {
		m.drop(epoch, obs.OutcomeUnauthenticated)
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)
	}
	return err
}

// publishLocked derives the computed flags, stores s and fans it out to the
// watchers. Callers hold mu.
func (m *Manager) publishLocked(s State) {
	s.IsAuthenticated = s.Session != nil
	s.IsLoading = s.Phase == PhaseChecking || m.logins > 0
	m.state = s
	m.metrics.SetAuthenticated(s.IsAuthenticated)

	for _, ch := range m.watchers {
		select {
		case ch <- s:
		default:
			// Replace the unread snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

func (m *Manager) openRealtime() {
	if m.rt != nil {
		m.rt.Open()
	}
}

func (m *Manager) closeRealtime() {
	if m.rt != nil {
		m.rt.Close()
	}
}
