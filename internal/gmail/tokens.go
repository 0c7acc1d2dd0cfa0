package gmail

import (
	"context"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Credentials are the server-held OAuth client credentials for the
// mailbox-authorization flow.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// TokenGrant is the result of an authorization-code exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Email        string
	Name         string
}

// TokenProvider exchanges authorization codes and refresh tokens against
// Google's OAuth endpoint.
type TokenProvider struct {
	creds    Credentials
	endpoint oauth2.Endpoint
}

// NewTokenProvider creates a token provider for the given client
// credentials.
func NewTokenProvider(creds Credentials) *TokenProvider {
	return &TokenProvider{creds: creds, endpoint: google.Endpoint}
}

func (p *TokenProvider) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.creds.ClientID,
		ClientSecret: p.creds.ClientSecret,
		RedirectURL:  p.creds.RedirectURL,
		Endpoint:     p.endpoint,
	}
}

// ExchangeCode performs the authorization-code grant and extracts the
// mailbox identity from the returned id_token. Authorization codes are
// single-use: a rejection is terminal and must not be retried.
func (p *TokenProvider) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	if p.creds.ClientID == "" || p.creds.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}

	tok, err := p.config().Exchange(ctx, code)
	if err != nil {
		return nil, classifyOAuthErr("exchange", err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, fmt.Errorf("token response missing id_token")
	}

	email, name, err := identityClaims(rawID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id_token: %w", err)
	}

	return &TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Email:        email,
		Name:         name,
	}, nil
}

// RefreshAccessToken exchanges a stored refresh token for a fresh
// short-lived access token. Access tokens expire on a minutes scale and
// are never cached; every sync cycle fetches its own.
func (p *TokenProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	if p.creds.ClientID == "" || p.creds.ClientSecret == "" {
		return "", ErrMissingCredentials
	}

	src := p.config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", classifyOAuthErr("refresh", err)
	}
	return tok.AccessToken, nil
}

// classifyOAuthErr maps oauth2 retrieval failures onto the provider error
// taxonomy. invalid_grant covers both reused codes and revoked refresh
// tokens; either way the credential is dead.
func classifyOAuthErr(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.ErrorCode
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		if code == "invalid_grant" || code == "unauthorized_client" || status == 401 || status == 403 {
			return &UpstreamAuthError{Op: op, Reason: code, Err: err}
		}
		return &UpstreamAPIError{Op: "token " + op, StatusCode: status, Err: err}
	}
	return fmt.Errorf("token %s failed: %w", op, err)
}

// identityClaims pulls email and display name out of the id_token. The
// token arrived over the direct TLS exchange with Google, so the signature
// is not re-verified here.
func identityClaims(raw string) (email, name string, err error) {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return "", "", err
	}

	if v, ok := tok.Get("email"); ok {
		email, _ = v.(string)
	}
	if email == "" {
		return "", "", fmt.Errorf("id_token missing email claim")
	}

	if v, ok := tok.Get("name"); ok {
		name, _ = v.(string)
	}
	if name == "" {
		name = email
	}
	return email, name, nil
}
