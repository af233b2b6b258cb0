/*
Package portalsdk is the REST client for the hospital portal backend.

# Client

Client is a thin fetch wrapper: it attaches the bearer token supplied by its
TokenSource, JSON-encodes request bodies and normalises failures.

	client := portalsdk.NewClient("https://api.hospital.example", tokens)

	var stats portalsdk.DashboardStats
	err := client.Request(ctx, http.MethodGet, "/doctor/dashboard/stats", portalsdk.RequestOptions{}, &stats)

The auth endpoints are exposed directly:

	login, err := client.Login(ctx, "dr.house", "vicodin")
	pair, err := client.Refresh(ctx, login.Tokens.RefreshToken)
	me, err := client.Me(ctx, pair.AccessToken)

# Errors

Responses with a status of 400 or above become *APIError, whose Message is the
backend's "message" field when the body carries one:

	var apiErr *portalsdk.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == portalsdk.KindValidation {
		showBanner(apiErr.Message)
	}

When no response arrives at all (connection refused, DNS, timeout) the error is
a *NetworkError and matches ErrNetworkUnreachable:

	if errors.Is(err, portalsdk.ErrNetworkUnreachable) {
		// offer a retry button
	}

The client never retries on its own. Token refresh on 401 belongs to the
session manager, which also implements Doer so it can back Resources.
*/
package portalsdk
