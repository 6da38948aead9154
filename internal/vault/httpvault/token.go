package httpvault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AssertionLifetime is how long a signed role assertion is valid.
const AssertionLifetime = 60 * time.Second

// Audience is the "aud" claim the vault expects on role assertions.
const Audience = "vulnproof-vault"

// TokenProvider mints a bearer token proving the caller holds role.
// Tokens are minted per request and never cached.
type TokenProvider interface {
	Token(ctx context.Context, role string) (string, error)
}

// ClientCredentials obtains tokens with the OAuth 2.0 client credentials
// grant, requesting the role as the scope.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// HTTPClient is used for the token endpoint; nil means http.DefaultClient.
	HTTPClient *http.Client
}

func (c *ClientCredentials) Token(ctx context.Context, role string) (string, error) {
	cfg := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       []string{role},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("httpvault: client credentials exchange: %w", err)
	}
	return tok.AccessToken, nil
}

// RoleAssertion signs a short-lived HS256 JWT whose subject is the role.
//
// The vault verifies it with the same shared key. The jti claim makes every
// assertion unique so the vault can reject replays within the lifetime.
type RoleAssertion struct {
	key []byte
	now func() time.Time
}

// NewRoleAssertion returns a provider signing with key. The key should be at
// least 32 bytes of random data.
func NewRoleAssertion(key string) (*RoleAssertion, error) {
	if len(key) < 16 {
		return nil, errors.New("httpvault: assertion key must be at least 16 characters")
	}
	return &RoleAssertion{key: []byte(key), now: time.Now}, nil
}

func (r *RoleAssertion) Token(_ context.Context, role string) (string, error) {
	now := r.now()
	claims := jwt.RegisteredClaims{
		Subject:   role,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AssertionLifetime)),
		ID:        xid.New().String(),
		Issuer:    "vulnproof",
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.key)
	if err != nil {
		return "", fmt.Errorf("httpvault: signing role assertion: %w", err)
	}
	return signed, nil
}

// VerifyRoleAssertion parses a token minted by RoleAssertion and returns its
// role. Vault implementations and tests use it on the receiving side.
func VerifyRoleAssertion(key, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return []byte(key), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("httpvault: invalid role assertion: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("httpvault: role assertion has no subject")
	}
	return claims.Subject, nil
}
