package guard

import (
	"context"
	"net/http"
	"time"

	"github.com/aussiebroadwan/wardgate/pkg/httpx"
)

// DefaultWaitBudget is how long a request waits for the first session check
// before the loading placeholder is served.
const DefaultWaitBudget = 2 * time.Second

// Middleware gates an HTTP section: Render serves next, Redirect answers 303
// and Wait answers 503 with Retry-After while the first check is pending.
func Middleware(src Source, section Section, opts Options) httpx.Middleware {
	opts = opts.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := src.State()
			if !state.IsInitialized {
				ctx, cancel := context.WithTimeout(r.Context(), DefaultWaitBudget)
				state = src.CheckAuth(ctx)
				cancel()
			}

			action := Decide(InputOf(state), section, opts.Routes, opts.LoginPath)
			switch action.Kind {
			case Render:
				next.ServeHTTP(w, r)
			case Redirect:
				httpx.NoCache(w)
				http.Redirect(w, r, action.Path, http.StatusSeeOther)
			default:
				httpx.NoCache(w)
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(w, http.StatusServiceUnavailable, "session check in progress")
			}
		})
	}
}
