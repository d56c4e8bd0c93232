package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/moreonion/mogin/pkg/config"
)

// TokenSource yields bearer tokens for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AuthClient retrieves JWTs from the auth service by presenting an API key.
type AuthClient struct {
	client *Client
	apiKey string
}

// NewAuthClient creates an auth client from the configuration keys
// auth.api_url and auth.api_key.
func NewAuthClient(cfg *config.Config, opts ...Option) (*AuthClient, error) {
	baseURL := cfg.AuthAPIURL()
	if baseURL == "" {
		return nil, fmt.Errorf("missing setting %s", config.KeyAuthAPIURL)
	}
	apiKey := cfg.AuthAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("missing setting %s", config.KeyAuthAPIKey)
	}
	return &AuthClient{
		client: NewClient(baseURL, opts...),
		apiKey: apiKey,
	}, nil
}

// Token exchanges the API key for a fresh JWT.
func (a *AuthClient) Token(ctx context.Context) (string, error) {
	var response struct {
		Token string `json:"token"`
	}
	if err := a.client.Post(ctx, "token", a.apiKey, &response); err != nil {
		return "", fmt.Errorf("fetching token: %w", err)
	}
	return response.Token, nil
}

// BearerTransport injects bearer tokens from a TokenSource into outgoing
// requests. On a 401 response it fetches a fresh token and retries once,
// provided the request body can be replayed.
type BearerTransport struct {
	Base   http.RoundTripper
	Source TokenSource
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Source.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("fetching bearer token: %w", err)
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base().RoundTrip(authed)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}
	resp.Body.Close()

	token, err = t.Source.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("refreshing bearer token: %w", err)
	}
	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.base().RoundTrip(retry)
}
