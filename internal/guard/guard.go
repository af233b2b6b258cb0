package guard

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aussiebroadwan/wardgate/internal/session"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"
)

// Source is the session state a guard follows. *session.Manager satisfies it.
type Source interface {
	State() session.State
	Watch() (<-chan session.State, func())
	CheckAuth(ctx context.Context) session.State
}

// Navigator carries out a guard's decision, e.g. by rendering the section or
// redirecting the shell.
type Navigator interface {
	Navigate(Action)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(Action)

func (f NavigatorFunc) Navigate(a Action) { f(a) }

// Options tunes a Guard or Middleware. Zero values use the portal defaults.
type Options struct {
	Routes    RouteTable
	LoginPath string
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Routes == nil {
		o.Routes = DefaultRoutes()
	}
	if o.LoginPath == "" {
		o.LoginPath = DefaultLoginPath
	}
	o.Logger = slogx.OrDefault(o.Logger)
	return o
}

// InputOf extracts the decision input from a session snapshot.
func InputOf(s session.State) Input {
	in := Input{Initialized: s.IsInitialized, Authenticated: s.IsAuthenticated}
	if s.Session != nil {
		in.Role = s.Session.Role
	}
	return in
}

// Guard follows a Source for one section and hands a new Action to its
// Navigator only when initialized, authenticated or role change.
type Guard struct {
	src     Source
	section Section
	nav     Navigator
	opts    Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Guard for section.
func New(src Source, section Section, nav Navigator, opts Options) *Guard {
	return &Guard{src: src, section: section, nav: nav, opts: opts.withDefaults()}
}

// Start begins following the source and triggers the first session check.
// It is a no-op if the guard is already running.
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	states, stop := g.src.Watch()
	go g.follow(ctx, states, stop, g.done)
	go g.src.CheckAuth(ctx)
}

// Stop ends the guard and waits for its goroutine.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Guard) follow(ctx context.Context, states <-chan session.State, stop func(), done chan struct{}) {
	defer close(done)
	defer stop()

	var (
		last  Input
		first = true
	)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			in := InputOf(s)
			if !first && in == last {
				continue
			}
			first, last = false, in

			action := Decide(in, g.section, g.opts.Routes, g.opts.LoginPath)
			g.opts.Logger.Debug("guard decision",
				"section", g.section.Name,
				"action", action.Kind.String(),
				"path", action.Path,
			)
			g.nav.Navigate(action)
		}
	}
}
