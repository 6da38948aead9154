package httpvault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vulnproof/internal/apperror"
)

const testKey = "0123456789abcdef0123456789abcdef"

// fakeVaultServer serves one secret to one role, authenticating with role
// assertions signed by testKey.
func fakeVaultServer(t *testing.T, role, ref, value string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		got, err := VerifyRoleAssertion(testKey, token)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/secrets/"+ref {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got != role {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"value": value})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAssertionClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	tokens, err := NewRoleAssertion(testKey)
	require.NoError(t, err)
	c, err := New(baseURL, tokens)
	require.NoError(t, err)
	return c
}

func TestReadSecret_RoleAssertion(t *testing.T) {
	srv := fakeVaultServer(t, "synthesizer", "openai/api-key", "sk-remote")
	c := newAssertionClient(t, srv.URL)

	secret, err := c.ReadSecret(context.Background(), "synthesizer", "openai/api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-remote", secret)
}

func TestReadSecret_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		role     string
		ref      string
		sentinel error
	}{
		{"wrong role is forbidden", "sandbox", "openai/api-key", apperror.ErrAccessDenied},
		{"unknown ref looks denied", "synthesizer", "other", apperror.ErrAccessDenied},
	}

	srv := fakeVaultServer(t, "synthesizer", "openai/api-key", "sk-remote")
	c := newAssertionClient(t, srv.URL)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ReadSecret(context.Background(), tt.role, tt.ref)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
		})
	}
}

func TestReadSecret_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newAssertionClient(t, srv.URL).ReadSecret(context.Background(), "synthesizer", "openai/api-key")
	assert.True(t, errors.Is(err, apperror.ErrVaultUnavailable))
}

func TestReadSecret_TransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newAssertionClient(t, url).ReadSecret(context.Background(), "synthesizer", "openai/api-key")
	assert.True(t, errors.Is(err, apperror.ErrVaultUnavailable))
}

func TestReadSecret_ClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		id, secret, ok := r.BasicAuth()
		if !ok || id != "vulnproof" || secret != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + r.PostForm.Get("scope"),
			"token_type":   "bearer",
			"expires_in":   60,
		})
	})
	mux.HandleFunc("/v1/secrets/openai/api-key", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-synthesizer" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"value": "sk-oauth"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, &ClientCredentials{
		ClientID:     "vulnproof",
		ClientSecret: "client-secret",
		TokenURL:     srv.URL + "/oauth/token",
	})
	require.NoError(t, err)

	secret, err := c.ReadSecret(context.Background(), "synthesizer", "openai/api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-oauth", secret)

	_, err = c.ReadSecret(context.Background(), "sandbox", "openai/api-key")
	assert.True(t, errors.Is(err, apperror.ErrAccessDenied))

	assert.Equal(t, int32(2), tokenCalls.Load(), "a token is minted for every read")
}

func TestRoleAssertion_Expires(t *testing.T) {
	r, err := NewRoleAssertion(testKey)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Now().Add(-2 * AssertionLifetime) }

	token, err := r.Token(context.Background(), "synthesizer")
	require.NoError(t, err)

	_, err = VerifyRoleAssertion(testKey, token)
	assert.Error(t, err)
}

func TestRoleAssertion_WrongKey(t *testing.T) {
	r, err := NewRoleAssertion(testKey)
	require.NoError(t, err)
	token, err := r.Token(context.Background(), "synthesizer")
	require.NoError(t, err)

	_, err = VerifyRoleAssertion("another-key-of-sufficient-length", token)
	assert.Error(t, err)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tokens, _ := NewRoleAssertion(testKey)

	_, err := New("ftp://vault", tokens)
	assert.Error(t, err)
	_, err = New("https://vault", nil)
	assert.Error(t, err)
	_, err = NewRoleAssertion("short")
	assert.Error(t, err)
}

func TestSecretURL(t *testing.T) {
	tokens, _ := NewRoleAssertion(testKey)
	c, err := New("https://vault.internal/", tokens)
	require.NoError(t, err)
	assert.Equal(t, "https://vault.internal/v1/secrets/openai/api%20key", c.secretURL("/openai/api key"))
}
