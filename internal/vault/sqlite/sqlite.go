// Package sqlite implements a local secrets vault on SQLite.
//
// It backs development and single-host deployments where no external secrets
// service is available. Secret values never touch the disk in plaintext:
//
//	passphrase --argon2id(salt)--> 32-byte key
//	secret     --XChaCha20-Poly1305(key, nonce, ad=ref)--> ciphertext
//
// The salt lives in the meta table next to an encrypted check value, so a wrong
// passphrase is detected when the vault is opened rather than on first read.
//
// Access is role based: a role may read a secret only if a row in grants says
// so. A missing grant and a missing secret look the same to the caller.
package sqlite

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	// Registers the pure-Go "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/vault"
)

// compile-time check that *DB implements vault.Vault
var _ vault.Vault = (*DB)(nil)

const (
	saltSize   = 16
	checkValue = "vulnproof-vault"

	// argon2id parameters, as recommended by RFC 9106 for memory-constrained hosts.
	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// ErrWrongPassphrase is returned by New when the passphrase does not open an
// existing vault.
var ErrWrongPassphrase = errors.New("sqlite vault: wrong passphrase")

// DB is an encrypted secrets store.
type DB struct {
	conn *sql.DB
	aead cipher.AEAD
}

// New opens (or creates) the vault at dbPath and unlocks it with passphrase.
//
// dbPath examples:
//   - "data/vault.db"  → file-based vault (persistent)
//   - ":memory:"       → in-memory vault (tests)
func New(dbPath, passphrase string) (*DB, error) {
	if passphrase == "" {
		return nil, errors.New("sqlite vault: passphrase is required")
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite vault: opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database. The vault is tiny
	// and read-mostly, so one connection is enough for files too.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite vault: pinging database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite vault: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite vault: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite vault: running migrations: %w", err)
	}

	if err := db.unlock(passphrase); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema. CREATE TABLE IF NOT EXISTS keeps it idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating meta table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS secrets (
			id         TEXT PRIMARY KEY,
			ref        TEXT NOT NULL UNIQUE,
			nonce      BLOB NOT NULL,
			ciphertext BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating secrets table: %w", err)
	}

	// A grant outlives nothing: deleting a secret deletes who may read it.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS grants (
			role TEXT NOT NULL,
			ref  TEXT NOT NULL REFERENCES secrets(ref) ON DELETE CASCADE,
			PRIMARY KEY (role, ref)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating grants table: %w", err)
	}

	return nil
}

// unlock derives the key from passphrase. On a fresh vault it generates the
// salt and stores the check value; otherwise it verifies the check value.
func (db *DB) unlock(passphrase string) error {
	var salt []byte
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = 'salt'`).Scan(&salt)
	fresh := errors.Is(err, sql.ErrNoRows)
	if err != nil && !fresh {
		return fmt.Errorf("sqlite vault: reading salt: %w", err)
	}

	if fresh {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("sqlite vault: generating salt: %w", err)
		}
	}

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("sqlite vault: creating cipher: %w", err)
	}
	db.aead = aead

	if fresh {
		nonce, sealed, err := db.seal("meta:check", checkValue)
		if err != nil {
			return err
		}
		_, err = db.conn.Exec(
			`INSERT INTO meta (key, value) VALUES ('salt', ?), ('check', ?)`,
			salt, append(nonce, sealed...),
		)
		if err != nil {
			return fmt.Errorf("sqlite vault: storing salt: %w", err)
		}
		return nil
	}

	var check []byte
	if err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = 'check'`).Scan(&check); err != nil {
		return fmt.Errorf("sqlite vault: reading check value: %w", err)
	}
	if len(check) < chacha20poly1305.NonceSizeX {
		return ErrWrongPassphrase
	}
	plain, err := db.open("meta:check", check[:chacha20poly1305.NonceSizeX], check[chacha20poly1305.NonceSizeX:])
	if err != nil || plain != checkValue {
		return ErrWrongPassphrase
	}
	return nil
}

// seal encrypts plaintext with a fresh random nonce. ad binds the ciphertext
// to its reference so rows cannot be swapped.
func (db *DB) seal(ad, plaintext string) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("sqlite vault: generating nonce: %w", err)
	}
	return nonce, db.aead.Seal(nil, nonce, []byte(plaintext), []byte(ad)), nil
}

func (db *DB) open(ad string, nonce, ciphertext []byte) (string, error) {
	plain, err := db.aead.Open(nil, nonce, ciphertext, []byte(ad))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// PutSecret stores or replaces the secret under ref.
func (db *DB) PutSecret(ctx context.Context, ref, secret string) error {
	if ref == "" {
		return apperror.ValidationFailed("ref", "secret reference is required")
	}
	nonce, ciphertext, err := db.seal("secret:"+ref, secret)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO secrets (id, ref, nonce, ciphertext) VALUES (?, ?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = CURRENT_TIMESTAMP`,
		xid.New().String(), ref, nonce, ciphertext,
	)
	if err != nil {
		return fmt.Errorf("sqlite vault: storing secret %s: %w", ref, err)
	}
	return nil
}

// DeleteSecret removes the secret and every grant on it.
func (db *DB) DeleteSecret(ctx context.Context, ref string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM secrets WHERE ref = ?`, ref)
	if err != nil {
		return fmt.Errorf("sqlite vault: deleting secret %s: %w", ref, err)
	}
	return nil
}

// Grant allows role to read ref. The secret must exist.
func (db *DB) Grant(ctx context.Context, role, ref string) error {
	if role == "" {
		return apperror.ValidationFailed("role", "role is required")
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO grants (role, ref) VALUES (?, ?)`, role, ref,
	)
	if err != nil {
		return fmt.Errorf("sqlite vault: granting %s on %s: %w", role, ref, err)
	}
	return nil
}

// Revoke removes role's access to ref.
func (db *DB) Revoke(ctx context.Context, role, ref string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM grants WHERE role = ? AND ref = ?`, role, ref)
	if err != nil {
		return fmt.Errorf("sqlite vault: revoking %s on %s: %w", role, ref, err)
	}
	return nil
}

// ReadSecret returns the plaintext of ref if role holds a grant on it.
func (db *DB) ReadSecret(ctx context.Context, role, ref string) (string, error) {
	var nonce, ciphertext []byte
	err := db.conn.QueryRowContext(ctx,
		`SELECT s.nonce, s.ciphertext
		 FROM secrets s JOIN grants g ON g.ref = s.ref
		 WHERE s.ref = ? AND g.role = ?`,
		ref, role,
	).Scan(&nonce, &ciphertext)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.AccessDenied(role, ref)
		}
		return "", apperror.VaultUnavailable(ref, err)
	}

	plain, err := db.open("secret:"+ref, nonce, ciphertext)
	if err != nil {
		return "", apperror.VaultUnavailable(ref, fmt.Errorf("decrypting: %w", err))
	}
	return plain, nil
}
