// Package auth resolves the bearer token used for vault requests, either from
// a fixed token or by exchanging a service-account credential file.
package auth

import (
	"context"
	"fmt"
	"net/http"
)

// Provider supplies a bearer token.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a bearer token passed in directly.
type StaticToken string

// Token returns the static token.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("bearer token is empty")
	}
	return string(t), nil
}

// NewProvider picks the provider for exactly one of credentialsFile or bearerToken.
func NewProvider(credentialsFile, bearerToken string, httpClient *http.Client) (Provider, error) {
	switch {
	case credentialsFile != "" && bearerToken != "":
		return nil, fmt.Errorf("provide either a credentials file or a bearer token, not both")
	case bearerToken != "":
		return StaticToken(bearerToken), nil
	case credentialsFile != "":
		return LoadServiceAccount(credentialsFile, httpClient)
	default:
		return nil, fmt.Errorf("a credentials file or a bearer token is required")
	}
}
