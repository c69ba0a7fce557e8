package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"vaultdump/internal/vault"

	"github.com/golang-jwt/jwt/v5"
)

const (
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL       = time.Hour
	fallbackTokenTTL   = 55 * time.Minute
	refreshLeeway      = 30 * time.Second
)

// Credentials is the service-account credential file.
type Credentials struct {
	ClientID   string `json:"clientID"`
	ClientName string `json:"clientName"`
	KeyID      string `json:"keyID"`
	TokenURI   string `json:"tokenURI"`
	PrivateKey string `json:"privateKey"`
}

// ServiceAccount exchanges a signed assertion for a bearer token and caches it
// until shortly before it expires.
type ServiceAccount struct {
	creds Credentials
	key   *rsa.PrivateKey
	http  *http.Client
	now   func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
}

// LoadServiceAccount reads a credential file.
func LoadServiceAccount(path string, httpClient *http.Client) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	return NewServiceAccount(creds, httpClient)
}

// NewServiceAccount validates the credentials and parses the private key.
func NewServiceAccount(creds Credentials, httpClient *http.Client) (*ServiceAccount, error) {
	if creds.ClientID == "" || creds.KeyID == "" || creds.TokenURI == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("credentials must contain clientID, keyID, tokenURI and privateKey")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &ServiceAccount{
		creds: creds,
		key:   key,
		http:  httpClient,
		now:   time.Now,
	}, nil
}

// Token returns a cached token or exchanges a fresh assertion.
func (s *ServiceAccount) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expiry.Add(-refreshLeeway)) {
		return s.token, nil
	}

	token, err := s.exchange(ctx, now)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiry = tokenExpiry(token, now)
	return s.token, nil
}

func (s *ServiceAccount) exchange(ctx context.Context, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.creds.ClientID,
		"key": s.creds.KeyID,
		"aud": s.creds.TokenURI,
		"sub": s.creds.ClientID,
		"exp": now.Add(assertionTTL).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"grant_type": grantTypeJWTBearer,
		"assertion":  assertion,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.TokenURI, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &vault.Error{Class: vault.ClassNetwork, Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &vault.Error{StatusCode: resp.StatusCode, Class: vault.ClassNetwork, Message: "failed to read token response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &vault.Error{
			StatusCode: resp.StatusCode,
			Class:      exchangeClass(resp.StatusCode),
			Message:    fmt.Sprintf("token endpoint rejected the request: %s", bytes.TrimSpace(data)),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response has no accessToken")
	}
	return tr.AccessToken, nil
}

// exchangeClass treats every 4xx except throttling as a rejected credential.
func exchangeClass(code int) vault.ErrorClass {
	class := vault.ClassifyStatus(code)
	if class == vault.ClassClient {
		return vault.ClassAuth
	}
	return class
}

// tokenExpiry reads the exp claim without verifying the signature; the vault
// verifies it. Opaque tokens get a fixed lifetime.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return now.Add(fallbackTokenTTL)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(fallbackTokenTTL)
	}
	return exp.Time
}
