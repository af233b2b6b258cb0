package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/session"
	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	state   session.State
	ch      chan session.State
	checks  atomic.Int32
	onCheck func() session.State
}

func newFakeSource(s session.State) *fakeSource {
	return &fakeSource{state: s, ch: make(chan session.State, 16)}
}

func (f *fakeSource) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Watch() (<-chan session.State, func()) {
	f.ch <- f.State()
	return f.ch, func() {}
}

func (f *fakeSource) CheckAuth(context.Context) session.State {
	f.checks.Add(1)
	if f.onCheck != nil {
		return f.onCheck()
	}
	return f.State()
}

func (f *fakeSource) publish(s session.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.ch <- s
}

func authenticated(role portalsdk.Role, name string) session.State {
	return session.State{
		Phase:           session.PhaseAuthenticated,
		Session:         &session.Session{UserID: "u-1", Name: name, Role: role},
		IsInitialized:   true,
		IsAuthenticated: true,
	}
}

var unauthenticated = session.State{Phase: session.PhaseUnauthenticated, IsInitialized: true}

func TestGuardNavigatesOnlyOnRelevantChange(t *testing.T) {
	t.Parallel()

	src := newFakeSource(session.State{Phase: session.PhaseUninitialized})
	actions := make(chan Action, 16)

	g := New(src, Doctor, NavigatorFunc(func(a Action) { actions <- a }), Options{Logger: slogx.Discard()})
	g.Start(context.Background())
	g.Start(context.Background())

	next := func() Action {
		t.Helper()
		select {
		case a := <-actions:
			return a
		case <-time.After(2 * time.Second):
			t.Fatal("no navigation")
			return Action{}
		}
	}

	require.Equal(t, Action{Kind: Wait}, next())

	// CHECKING has the same input as UNINITIALIZED.
	src.publish(session.State{Phase: session.PhaseChecking, IsLoading: true})
	src.publish(unauthenticated)
	require.Equal(t, Action{Kind: Redirect, Path: "/login"}, next())

	src.publish(authenticated(portalsdk.RoleDoctor, "Gregory House"))
	require.Equal(t, Action{Kind: Render}, next())

	// A new name on the same role is not a relevant change.
	src.publish(authenticated(portalsdk.RoleDoctor, "Dr. House"))
	src.publish(authenticated(portalsdk.RolePatient, "Rebecca Adler"))
	require.Equal(t, Action{Kind: Redirect, Path: "/patient"}, next())

	g.Stop()
	g.Stop()
	require.Empty(t, actions)
	require.Eventually(t, func() bool { return src.checks.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serve := func(src Source, section Section) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h := Middleware(src, section, Options{})(ok)
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, section.Prefix, nil))
		return rec
	}

	t.Run("render", func(t *testing.T) {
		rec := serve(newFakeSource(authenticated(portalsdk.RoleAdmin, "Cuddy")), Admin)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("role mismatch redirects home", func(t *testing.T) {
		rec := serve(newFakeSource(authenticated(portalsdk.RoleHelpdesk, "Kutner")), Admin)
		require.Equal(t, http.StatusSeeOther, rec.Code)
		require.Equal(t, "/helpdesk", rec.Header().Get("Location"))
	})

	t.Run("anonymous redirects to login", func(t *testing.T) {
		rec := serve(newFakeSource(unauthenticated), Discharge)
		require.Equal(t, http.StatusSeeOther, rec.Code)
		require.Equal(t, "/login", rec.Header().Get("Location"))
	})

	t.Run("first request triggers the check", func(t *testing.T) {
		src := newFakeSource(session.State{Phase: session.PhaseUninitialized})
		src.onCheck = func() session.State { return authenticated(portalsdk.RoleDischarge, "Wilson") }

		rec := serve(src, Discharge)
		require.Equal(t, http.StatusOK, rec.Code)
		require.EqualValues(t, 1, src.checks.Load())
	})

	t.Run("pending check serves placeholder", func(t *testing.T) {
		src := newFakeSource(session.State{Phase: session.PhaseChecking, IsLoading: true})

		rec := serve(src, Patient)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "1", rec.Header().Get("Retry-After"))
	})
}
