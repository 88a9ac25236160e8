// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package auth builds HTTP clients that authenticate CRM API calls with an
// OAuth access token, refreshed from a refresh token when needed.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenType is the authorization scheme the CRM API expects.
const TokenType = "Zoho-oauthtoken"

const tokenPath = "/oauth/v2/token"

// Credentials authenticate API calls. A static AccessToken wins over the
// refresh-token flow.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
}

// TokenSource returns a reusable token source for the accounts server at accountsURL.
func TokenSource(ctx context.Context, accountsURL string, creds Credentials) (oauth2.TokenSource, error) {
	if creds.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: TokenType}), nil
	}
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.RefreshToken == "" {
		return nil, errors.New("client id, client secret and refresh token are required")
	}
	if accountsURL == "" {
		return nil, errors.New("accounts URL is required")
	}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(accountsURL, "/") + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	return oauth2.ReuseTokenSource(nil, schemeSource{src}), nil
}

// NewHTTPClient returns an http.Client that adds the Authorization header to every request.
func NewHTTPClient(ctx context.Context, accountsURL string, creds Credentials, timeout time.Duration) (*http.Client, error) {
	src, err := TokenSource(ctx, accountsURL, creds)
	if err != nil {
		return nil, err
	}
	client := oauth2.NewClient(ctx, src)
	client.Timeout = timeout
	return client, nil
}

// schemeSource rewrites the token type so the header reads "Zoho-oauthtoken <token>".
type schemeSource struct {
	src oauth2.TokenSource
}

func (s schemeSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	out := *t
	out.TokenType = TokenType
	return &out, nil
}
