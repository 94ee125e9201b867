// Package auth supplies bearer credentials for upstream requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// ErrNoCredentials is returned when no usable credential is configured.
var ErrNoCredentials = errors.New("no upstream credentials configured")

// TokenSource yields a valid bearer token for the upstream.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed API key.
type StaticTokenSource struct {
	key string
}

// NewStaticTokenSource creates a token source around a fixed key.
func NewStaticTokenSource(key string) *StaticTokenSource {
	return &StaticTokenSource{key: strings.TrimSpace(key)}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s.key == "" {
		return "", ErrNoCredentials
	}
	return s.key, nil
}

// OAuthTokenSource refreshes an OAuth credential as needed. The refresh
// itself is delegated to oauth2, which caches the access token until expiry.
type OAuthTokenSource struct {
	src oauth2.TokenSource
}

// NewOAuthTokenSource builds a refreshing source from a stored refresh token.
func NewOAuthTokenSource(ctx context.Context, clientID, tokenURL, refreshToken string) (*OAuthTokenSource, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrNoCredentials
	}
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return &OAuthTokenSource{src: oauth2.ReuseTokenSource(nil, src)}, nil
}

func (o *OAuthTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := o.src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh upstream token: %w", err)
	}
	return tok.AccessToken, nil
}
