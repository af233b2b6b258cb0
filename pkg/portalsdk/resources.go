package portalsdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Doer performs an authenticated JSON call. *Client satisfies it directly; the
// session manager satisfies it with refresh-and-retry on 401.
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// Resources wraps the role-scoped endpoints the section dashboards read.
type Resources struct {
	Doer Doer
}

// DashboardStats fetches the counters for a section, e.g. "doctor" or "pharmacy".
func (r Resources) DashboardStats(ctx context.Context, section string) (DashboardStats, error) {
	var stats DashboardStats
	path := fmt.Sprintf("/%s/dashboard/stats", url.PathEscape(section))
	if err := r.Doer.Do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Profile fetches the caller's full profile.
func (r Resources) Profile(ctx context.Context) (*Identity, error) {
	var identity Identity
	if err := r.Doer.Do(ctx, http.MethodGet, "/profile", nil, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// Notifications lists the caller's notifications, newest first.
func (r Resources) Notifications(ctx context.Context) ([]Notification, error) {
	var list []Notification
	if err := r.Doer.Do(ctx, http.MethodGet, "/notifications", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// MarkNotificationRead flags one notification as read.
func (r Resources) MarkNotificationRead(ctx context.Context, id string) error {
	path := "/notifications/" + url.PathEscape(id) + "/read"
	return r.Doer.Do(ctx, http.MethodPatch, path, nil, nil)
}
