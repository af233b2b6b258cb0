package portal

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/guard"
	"github.com/aussiebroadwan/wardgate/internal/obs"
	"github.com/aussiebroadwan/wardgate/internal/realtime"
	"github.com/aussiebroadwan/wardgate/internal/session"
	"github.com/aussiebroadwan/wardgate/pkg/httpx"
	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"

	_ "github.com/aussiebroadwan/wardgate/api/portal" // Swagger docs
	"github.com/prometheus/client_golang/prometheus"
	httpSwagger "github.com/swaggo/http-swagger"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Router serves the portal shell: the login form, the role-gated sections and
// a small JSON API over the session.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	manager    *session.Manager
	resources  portalsdk.Resources
	channel    *realtime.Channel
	metrics    *obs.Metrics
	gatherer   prometheus.Gatherer
	routes     guard.RouteTable
	loginLimit httpx.RateLimitConfig

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
}

func (app *Application) initHTTP() {
	loginLimit := httpx.LoginLimit
	if app.cfg.LoginRateLimitPerMin > 0 {
		loginLimit.RequestsPerWindow = app.cfg.LoginRateLimitPerMin
		loginLimit.Burst = app.cfg.LoginRateLimitPerMin
	}

	router := &Router{
		Mux:          http.NewServeMux(),
		manager:      app.manager,
		resources:    app.resources,
		channel:      app.channel,
		metrics:      app.metrics,
		gatherer:     app.registry,
		routes:       guard.DefaultRoutes(),
		loginLimit:   loginLimit,
		buildVersion: BuildVersion,
		startTime:    time.Now(),
		logger:       app.logger,
	}
	router.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(app.logger),
	}
	router.ApplyRoutes()

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      app.cfg.RequestTimeout + app.cfg.VerifyTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerAPI()
	r.registerSections()
	r.registerSystem()
}

// ServeHTTP applies the global middleware chain.
//
//	@title			Wardgate Portal Shell API
//	@version		0.1.0
//	@description	Session API of one hospital portal tab. The shell holds the tab's tokens itself,
//	@description	so callers never see or send them: every call acts on the session of the tab.
//
//	@contact.name	AussieBroadWAN Team
//	@contact.url	https://github.com/aussiebroadwan/wardgate
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host			localhost:8080
//	@BasePath		/
//
//	@schemes		http https
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) handle(pattern, route string, h http.Handler) {
	r.Mux.Handle(pattern, r.metrics.Instrument(route, h))
}

func (r *Router) registerAuth() {
	r.handle("GET /{$}", "/", http.HandlerFunc(r.handleRoot))
	r.handle("GET /login", "/login", http.HandlerFunc(r.handleLoginForm))

	// Credential submissions are throttled by client IP and identifier.
	r.handle("POST /login", "/login", httpx.Chain(http.HandlerFunc(r.handleLoginSubmit),
		httpx.LimitLoginAttempts(r.loginLimit),
	))
	r.handle("POST /logout", "/logout", http.HandlerFunc(r.handleLogout))
}

func (r *Router) registerAPI() {
	r.handle("GET /api/session", "/api/session", http.HandlerFunc(r.handleSession))
	r.handle("POST /api/session/check", "/api/session/check", http.HandlerFunc(r.handleSessionCheck))
	r.handle("POST /api/login", "/api/login", httpx.Chain(http.HandlerFunc(r.handleAPILogin),
		httpx.LimitLoginAttempts(r.loginLimit),
	))
	r.handle("POST /api/logout", "/api/logout", http.HandlerFunc(r.handleAPILogout))
	r.handle("GET /api/notifications", "/api/notifications", http.HandlerFunc(r.handleNotifications))
	r.handle("POST /api/notifications/{id}/read", "/api/notifications/{id}/read", http.HandlerFunc(r.handleNotificationRead))
}

func (r *Router) registerSections() {
	opts := guard.Options{Routes: r.routes, Logger: r.logger}

	for _, section := range guard.Sections {
		h := httpx.Chain(r.sectionHandler(section), guard.Middleware(r.manager, section, opts))
		prefix := strings.TrimSuffix(section.Prefix, "/")
		r.handle("GET "+prefix, prefix, h)
		r.handle("GET "+prefix+"/", prefix+"/", h)
	}
}

func (r *Router) registerSystem() {
	r.handle("GET /livez", "/livez", http.HandlerFunc(r.handleLivez))
	r.handle("GET /readyz", "/readyz", http.HandlerFunc(r.handleReadyz))
	r.Mux.Handle("GET /metrics", obs.Handler(r.gatherer))
	r.Mux.Handle("/swagger/", httpSwagger.Handler())
}

// settled returns the current state, running the first check if none has
// settled yet. The wait is bounded by guard.DefaultWaitBudget.
func (r *Router) settled(ctx context.Context) session.State {
	state := r.manager.State()
	if state.IsInitialized {
		return state
	}
	ctx, cancel := context.WithTimeout(ctx, guard.DefaultWaitBudget)
	defer cancel()
	return r.manager.CheckAuth(ctx)
}

func (r *Router) home(state session.State) string {
	if state.Session != nil {
		if path, ok := r.routes.Home(state.Session.Role); ok {
			return path
		}
	}
	return guard.DefaultLoginPath
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	state := r.settled(req.Context())
	httpx.NoCache(w)
	http.Redirect(w, req, r.home(state), http.StatusSeeOther)
}

type loginPage struct {
	Title      string
	Action     string
	Identifier string
	Error      string
}

func (r *Router) handleLoginForm(w http.ResponseWriter, req *http.Request) {
	if state := r.settled(req.Context()); state.IsAuthenticated {
		httpx.NoCache(w)
		http.Redirect(w, req, r.home(state), http.StatusSeeOther)
		return
	}
	r.render(w, req, http.StatusOK, "login.html", loginPage{Title: "Sign in", Action: guard.DefaultLoginPath})
}

func (r *Router) handleLoginSubmit(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		r.render(w, req, http.StatusBadRequest, "login.html", loginPage{
			Title: "Sign in", Action: guard.DefaultLoginPath, Error: "Malformed form submission.",
		})
		return
	}

	identifier := strings.TrimSpace(req.PostForm.Get("identifier"))
	password := req.PostForm.Get("password")

	sess, err := r.login(req.Context(), identifier, password)
	if err != nil {
		code, message := loginFailure(err)
		r.render(w, req, code, "login.html", loginPage{
			Title: "Sign in", Action: guard.DefaultLoginPath, Identifier: identifier, Error: message,
		})
		return
	}

	httpx.NoCache(w)
	http.Redirect(w, req, r.home(session.State{Session: sess}), http.StatusSeeOther)
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// handleAPILogin godoc
//
//	@Summary		Sign in
//	@Description	Exchanges credentials for a session and stores it for the tab. A logout that lands while
//	@Description	the login is in flight wins, and the login then fails with 409.
//	@Tags			Session
//	@Accept			json
//	@Produce		json
//	@Param			request	body		portal.loginRequest		true	"identifier (email, mobile number or username) and password"
//	@Success		200		{object}	session.State			"The authenticated session state"
//	@Failure		400		{object}	httpx.ErrorResponse		"Malformed body or missing credentials"
//	@Failure		401		{object}	httpx.ErrorResponse		"Credentials rejected by the backend"
//	@Failure		409		{object}	httpx.ErrorResponse		"Superseded by a logout"
//	@Failure		429		{object}	httpx.ErrorResponse		"Too many attempts"
//	@Failure		502		{object}	httpx.ErrorResponse		"Backend unreachable or failing"
//	@Router			/api/login [post].
func (r *Router) handleAPILogin(w http.ResponseWriter, req *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<16)).Decode(&body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "request body must be JSON with identifier and password")
		return
	}

	if _, err := r.login(req.Context(), strings.TrimSpace(body.Identifier), body.Password); err != nil {
		code, message := loginFailure(err)
		httpx.WriteError(w, code, message)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, r.manager.State())
}

func (r *Router) login(ctx context.Context, identifier, password string) (*session.Session, error) {
	if identifier == "" || password == "" {
		return nil, errMissingCredentials
	}
	return r.manager.Login(ctx, identifier, password)
}

var errMissingCredentials = errors.New("identifier and password are required")

// loginFailure maps a login error to a status and a message safe to show.
func loginFailure(err error) (int, string) {
	var apiErr *portalsdk.APIError
	switch {
	case errors.Is(err, errMissingCredentials):
		return http.StatusBadRequest, "Enter your identifier and password."
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, "You were signed out while signing in. Please try again."
	case portalsdk.IsNetwork(err):
		return http.StatusBadGateway, "The portal is unreachable. Please try again shortly."
	case errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError:
		if apiErr.Message != "" {
			return http.StatusUnauthorized, apiErr.Message
		}
		return http.StatusUnauthorized, "Invalid credentials."
	default:
		return http.StatusBadGateway, "Sign in failed. Please try again."
	}
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	r.manager.Logout(req.Context())
	httpx.NoCache(w)
	http.Redirect(w, req, guard.DefaultLoginPath, http.StatusSeeOther)
}

// handleAPILogout godoc
//
//	@Summary		Sign out
//	@Description	Clears the stored session and closes the realtime channel. The backend is told on a
//	@Description	best-effort basis, so this always succeeds.
//	@Tags			Session
//	@Produce		json
//	@Success		200	{object}	session.State	"The unauthenticated state"
//	@Router			/api/logout [post].
func (r *Router) handleAPILogout(w http.ResponseWriter, req *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, r.manager.Logout(req.Context()))
}

// handleSession godoc
//
//	@Summary		Current session state
//	@Description	Returns the last published snapshot without contacting the backend.
//	@Tags			Session
//	@Produce		json
//	@Success		200	{object}	session.State
//	@Router			/api/session [get].
func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, r.manager.State())
}

// handleSessionCheck godoc
//
//	@Summary		Verify the stored session
//	@Description	Runs a session check against the backend, refreshing the access token once if it was
//	@Description	rejected. Concurrent checks share one backend round trip.
//	@Tags			Session
//	@Produce		json
//	@Success		200	{object}	session.State
//	@Router			/api/session/check [post].
func (r *Router) handleSessionCheck(w http.ResponseWriter, req *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, r.manager.CheckAuth(req.Context()))
}

// handleNotifications godoc
//
//	@Summary		List notifications
//	@Tags			Notifications
//	@Produce		json
//	@Success		200	{array}		portalsdk.Notification
//	@Failure		401	{object}	httpx.ErrorResponse	"No session, or the session was dropped"
//	@Failure		502	{object}	httpx.ErrorResponse	"Backend unreachable"
//	@Router			/api/notifications [get].
func (r *Router) handleNotifications(w http.ResponseWriter, req *http.Request) {
	list, err := r.resources.Notifications(req.Context())
	if err != nil {
		r.writeAPIError(w, req, err)
		return
	}
	if list == nil {
		list = []portalsdk.Notification{}
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

// handleNotificationRead godoc
//
//	@Summary		Mark a notification read
//	@Tags			Notifications
//	@Param			id	path	string	true	"Notification ID"
//	@Success		204
//	@Failure		401	{object}	httpx.ErrorResponse	"No session, or the session was dropped"
//	@Failure		404	{object}	httpx.ErrorResponse	"Unknown notification"
//	@Failure		502	{object}	httpx.ErrorResponse	"Backend unreachable"
//	@Router			/api/notifications/{id}/read [post].
func (r *Router) handleNotificationRead(w http.ResponseWriter, req *http.Request) {
	if err := r.resources.MarkNotificationRead(req.Context(), req.PathValue("id")); err != nil {
		r.writeAPIError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeAPIError relays a backend failure without leaking transport detail.
func (r *Router) writeAPIError(w http.ResponseWriter, req *http.Request, err error) {
	var apiErr *portalsdk.APIError
	switch {
	case errors.Is(err, session.ErrAuthRequired):
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
	case portalsdk.IsNetwork(err):
		httpx.WriteError(w, http.StatusBadGateway, "portal backend unreachable")
	case errors.As(err, &apiErr):
		httpx.WriteError(w, apiErr.StatusCode, apiErr.Message)
	default:
		slogx.FromContext(req.Context()).Error("portal request failed", "error", err)
		httpx.WriteError(w, http.StatusBadGateway, "portal request failed")
	}
}

type stat struct {
	Name  string
	Value string
}

type sectionPage struct {
	Title   string
	Session *session.Session
	Stats   []stat
	Error   string
}

// sectionHandler renders a section dashboard. It runs behind the guard, so a
// session is present when it is reached.
func (r *Router) sectionHandler(section guard.Section) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		state := r.manager.State()
		if state.Session == nil {
			httpx.NoCache(w)
			http.Redirect(w, req, guard.DefaultLoginPath, http.StatusSeeOther)
			return
		}

		page := sectionPage{Title: section.Name, Session: state.Session}

		stats, err := r.resources.DashboardStats(req.Context(), section.Name)
		switch {
		case errors.Is(err, session.ErrAuthRequired):
			// The session was dropped while fetching; the guard will agree next time.
			httpx.NoCache(w)
			http.Redirect(w, req, guard.DefaultLoginPath, http.StatusSeeOther)
			return
		case err != nil:
			slogx.FromContext(req.Context()).Warn("failed to load dashboard stats", "section", section.Name, "error", err)
			page.Error = "Dashboard figures are unavailable right now."
		default:
			for _, name := range slices.Sorted(maps.Keys(stats)) {
				page.Stats = append(page.Stats, stat{Name: name, Value: string(stats[name])})
			}
		}

		r.render(w, req, http.StatusOK, "section.html", page)
	})
}

func (r *Router) render(w http.ResponseWriter, req *http.Request, code int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		slogx.FromContext(req.Context()).Error("failed to render page", "template", name, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.NoCache(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleLivez godoc
//
//	@Summary		Liveness check
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	portal.healthResponse	"status, uptime, version"
//	@Router			/livez [get].
func (r *Router) handleLivez(w http.ResponseWriter, req *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Uptime:  time.Since(r.startTime).String(),
		Version: r.buildVersion,
	})
}

// handleReadyz is ready once the first session check has settled.
//
//	@Summary		Readiness check
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	portal.healthResponse	"Session settled; checks report the session phase and realtime link"
//	@Failure		503	{object}	portal.healthResponse	"First session check still pending"
//	@Router			/readyz [get].
func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	state := r.manager.State()
	checks := map[string]string{"session": state.Phase.String()}

	switch {
	case r.channel == nil:
		checks["realtime"] = "disabled"
	case r.channel.Connected():
		checks["realtime"] = "connected"
	default:
		checks["realtime"] = "disconnected"
	}

	status, code := "ok", http.StatusOK
	if !state.IsInitialized {
		status, code = "starting", http.StatusServiceUnavailable
	}

	httpx.WriteJSON(w, code, healthResponse{
		Status:  status,
		Uptime:  time.Since(r.startTime).String(),
		Version: r.buildVersion,
		Checks:  checks,
	})
}
