package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/vault/sqlite"
)

func TestRun_PutGrantRead(t *testing.T) {
	t.Setenv("VAULT_PASSPHRASE", "correct horse battery staple")
	db := filepath.Join(t.TempDir(), "vault.db")
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(ctx, []string{"-db", db, "put", "openai/api-key"},
		strings.NewReader("sk-live-123\n"), &stdout, &stderr), stderr.String())
	require.Equal(t, 0, run(ctx, []string{"-db", db, "grant", "synthesizer", "openai/api-key"},
		nil, &stdout, &stderr), stderr.String())

	v, err := sqlite.New(db, "correct horse battery staple")
	require.NoError(t, err)
	got, err := v.ReadSecret(ctx, "synthesizer", "openai/api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", got)
	require.NoError(t, v.Close())

	require.Equal(t, 0, run(ctx, []string{"-db", db, "revoke", "synthesizer", "openai/api-key"},
		nil, &stdout, &stderr), stderr.String())

	v, err = sqlite.New(db, "correct horse battery staple")
	require.NoError(t, err)
	defer v.Close()
	_, err = v.ReadSecret(ctx, "synthesizer", "openai/api-key")
	assert.ErrorIs(t, err, apperror.ErrAccessDenied)
}

func TestRun_Usage(t *testing.T) {
	t.Setenv("VAULT_PASSPHRASE", "x")
	var stdout, stderr bytes.Buffer
	ctx := context.Background()

	assert.Equal(t, 2, run(ctx, nil, nil, &stdout, &stderr))
	assert.Equal(t, 2, run(ctx, []string{"grant", "only-role"}, nil, &stdout, &stderr))
	assert.Equal(t, 2, run(ctx, []string{"rotate", "ref"}, nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: vaultctl")
}

func TestRun_RequiresPassphrase(t *testing.T) {
	t.Setenv("VAULT_PASSPHRASE", "")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-db", filepath.Join(t.TempDir(), "v.db"), "delete", "x"}, nil, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "VAULT_PASSPHRASE")
}

func TestReadSecret(t *testing.T) {
	got, err := readSecret(strings.NewReader("abc\r\nignored"))
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	_, err = readSecret(strings.NewReader("\n"))
	assert.Error(t, err)
}
