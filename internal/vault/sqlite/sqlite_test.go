package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vulnproof/internal/apperror"
)

// newTestDB returns an in-memory vault that is closed when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:", "correct horse battery staple")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReadSecret_WithGrant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-test"))
	require.NoError(t, db.Grant(ctx, "synthesizer", "openai/api-key"))

	secret, err := db.ReadSecret(ctx, "synthesizer", "openai/api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", secret)
}

func TestReadSecret_WithoutGrantIsDenied(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-test"))

	_, err := db.ReadSecret(ctx, "sandbox", "openai/api-key")
	assert.True(t, errors.Is(err, apperror.ErrAccessDenied))
}

func TestReadSecret_MissingLooksLikeDenied(t *testing.T) {
	db := newTestDB(t)

	_, err := db.ReadSecret(context.Background(), "synthesizer", "does/not/exist")
	assert.True(t, errors.Is(err, apperror.ErrAccessDenied))
}

func TestRevoke(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-test"))
	require.NoError(t, db.Grant(ctx, "synthesizer", "openai/api-key"))
	require.NoError(t, db.Revoke(ctx, "synthesizer", "openai/api-key"))

	_, err := db.ReadSecret(ctx, "synthesizer", "openai/api-key")
	assert.True(t, errors.Is(err, apperror.ErrAccessDenied))
}

func TestPutSecret_Replaces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-old"))
	require.NoError(t, db.Grant(ctx, "synthesizer", "openai/api-key"))
	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-new"))

	secret, err := db.ReadSecret(ctx, "synthesizer", "openai/api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-new", secret)
}

func TestDeleteSecret_CascadesGrants(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-test"))
	require.NoError(t, db.Grant(ctx, "synthesizer", "openai/api-key"))
	require.NoError(t, db.DeleteSecret(ctx, "openai/api-key"))

	var n int
	require.NoError(t, db.conn.QueryRow(`SELECT COUNT(*) FROM grants`).Scan(&n))
	assert.Zero(t, n)
}

func TestGrant_UnknownSecret(t *testing.T) {
	db := newTestDB(t)
	err := db.Grant(context.Background(), "synthesizer", "nope")
	assert.Error(t, err, "foreign key must reject grants on missing secrets")
}

func TestSecretsAreEncryptedAtRest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-plaintext-marker"))

	var ciphertext []byte
	require.NoError(t, db.conn.QueryRow(`SELECT ciphertext FROM secrets WHERE ref = ?`, "openai/api-key").Scan(&ciphertext))
	assert.NotContains(t, string(ciphertext), "sk-plaintext-marker")
}

func TestSwappedRowsFailToDecrypt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSecret(ctx, "a", "secret-a"))
	require.NoError(t, db.PutSecret(ctx, "b", "secret-b"))
	require.NoError(t, db.Grant(ctx, "r", "b"))

	_, err := db.conn.Exec(`UPDATE secrets SET nonce = (SELECT nonce FROM secrets WHERE ref = 'a'),
		ciphertext = (SELECT ciphertext FROM secrets WHERE ref = 'a') WHERE ref = 'b'`)
	require.NoError(t, err)

	_, err = db.ReadSecret(ctx, "r", "b")
	assert.True(t, errors.Is(err, apperror.ErrVaultUnavailable))
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	ctx := context.Background()

	db, err := New(path, "passphrase-one")
	require.NoError(t, err)
	require.NoError(t, db.PutSecret(ctx, "openai/api-key", "sk-test"))
	require.NoError(t, db.Grant(ctx, "synthesizer", "openai/api-key"))
	require.NoError(t, db.Close())

	_, err = New(path, "passphrase-two")
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	db, err = New(path, "passphrase-one")
	require.NoError(t, err)
	defer db.Close()

	secret, err := db.ReadSecret(ctx, "synthesizer", "openai/api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", secret)
}

func TestNew_RequiresPassphrase(t *testing.T) {
	_, err := New(":memory:", "")
	assert.Error(t, err)
}
