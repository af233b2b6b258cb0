package portalsdk

import (
	"context"
	"errors"
	"net/http"
)

// Login exchanges credentials for a token pair and the user's identity.
// Bad credentials come back as an *APIError (KindUnauthorized or
// KindValidation depending on the backend) carrying the server's message.
func (c *Client) Login(ctx context.Context, identifier, password string) (*LoginResponse, error) {
	var resp LoginResponse
	err := c.Request(ctx, http.MethodPost, "/auth/login", RequestOptions{
		Body:      LoginRequest{Identifier: identifier, Password: password},
		Anonymous: true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Tokens.AccessToken == "" {
		return nil, errors.New("login response missing access token")
	}

	return &resp, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var resp RefreshResponse
	err := c.Request(ctx, http.MethodPost, "/auth/refresh", RequestOptions{
		Body:      RefreshRequest{RefreshToken: refreshToken},
		Anonymous: true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Tokens.AccessToken == "" {
		return nil, errors.New("refresh response missing access token")
	}

	return &resp.Tokens, nil
}

// Me verifies accessToken and returns the identity it belongs to.
func (c *Client) Me(ctx context.Context, accessToken string) (*Identity, error) {
	var identity Identity
	err := c.Request(ctx, http.MethodGet, "/auth/me", RequestOptions{Token: accessToken}, &identity)
	if err != nil {
		return nil, err
	}

	return &identity, nil
}

// Logout asks the backend to revoke the refresh token. Callers treat this as
// best effort.
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	return c.Request(ctx, http.MethodPost, "/auth/logout", RequestOptions{
		Body:  RefreshRequest{RefreshToken: refreshToken},
		Token: accessToken,
	}, nil)
}
