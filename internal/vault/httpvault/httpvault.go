// Package httpvault reads secrets from a remote secrets API.
//
// Protocol:
//
//	GET {base}/v1/secrets/{ref}
//	Authorization: Bearer <token for role>
//	200 {"value": "..."}
//
// 401, 403 and 404 are all reported as access denied so a caller without a
// grant cannot learn which references exist. Transport failures and 5xx
// responses mean the vault is unavailable.
package httpvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/vault"
)

var _ vault.Vault = (*Client)(nil)

// maxResponse bounds how much of a response body is read.
const maxResponse = 64 << 10

// Client is a vault.Vault backed by the remote API.
type Client struct {
	base   *url.URL
	tokens TokenProvider
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for secret reads.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New returns a client for the vault at baseURL.
func New(baseURL string, tokens TokenProvider, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("httpvault: parsing base url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("httpvault: unsupported scheme %q", u.Scheme)
	}
	if tokens == nil {
		return nil, errors.New("httpvault: token provider is required")
	}

	c := &Client{
		base:   u,
		tokens: tokens,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type secretResponse struct {
	Value string `json:"value"`
}

// ReadSecret fetches ref on behalf of role.
func (c *Client) ReadSecret(ctx context.Context, role, ref string) (string, error) {
	token, err := c.tokens.Token(ctx, role)
	if err != nil {
		return "", apperror.VaultUnavailable(ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.secretURL(ref), nil)
	if err != nil {
		return "", apperror.VaultUnavailable(ref, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperror.VaultUnavailable(ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return "", apperror.AccessDenied(role, ref)
	default:
		return "", apperror.VaultUnavailable(ref, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body secretResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&body); err != nil {
		return "", apperror.VaultUnavailable(ref, fmt.Errorf("decoding response: %w", err))
	}
	if body.Value == "" {
		return "", apperror.VaultUnavailable(ref, errors.New("empty secret value"))
	}
	return body.Value, nil
}

// secretURL escapes each segment of ref but keeps its slashes.
func (c *Client) secretURL(ref string) string {
	segments := strings.Split(strings.Trim(ref, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(c.base.String(), "/") + "/v1/secrets/" + strings.Join(segments, "/")
}
