// Package vault brokers the model-provider credential for a validation run.
//
// The Broker is bound to exactly one role and one secret reference at
// construction. It never caches: every Fetch reads through to the backing
// Vault, and the returned Credential is meant to be dropped when the run ends.
package vault

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/vulnproof/internal/apperror"
)

// DefaultTTL bounds how long a fetched credential is considered usable.
const DefaultTTL = 5 * time.Minute

// Vault is the secrets store. Implementations return errors wrapping
// apperror.ErrAccessDenied or apperror.ErrVaultUnavailable.
type Vault interface {
	ReadSecret(ctx context.Context, role, ref string) (string, error)
}

// Credential is a secret plus the bookkeeping needed to decide when to drop it.
type Credential struct {
	Role      string
	Ref       string
	Secret    string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its lifetime at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String never prints the secret.
func (c *Credential) String() string {
	return "credential(" + c.Role + ", " + c.Ref + ")"
}

// LogValue keeps the secret out of structured logs.
func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", c.Role),
		slog.String("ref", c.Ref),
		slog.Time("expires_at", c.ExpiresAt),
	)
}

// Broker hands out the single credential its role may read.
type Broker struct {
	vault  Vault
	role   string
	ref    string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewBroker binds a broker to role and ref.
func NewBroker(v Vault, role, ref string, logger *slog.Logger) (*Broker, error) {
	if v == nil {
		return nil, errors.New("vault: nil backend")
	}
	if strings.TrimSpace(role) == "" || strings.TrimSpace(ref) == "" {
		return nil, errors.New("vault: role and secret reference are required")
	}
	return &Broker{
		vault:  v,
		role:   role,
		ref:    ref,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Role is the only role this broker serves.
func (b *Broker) Role() string { return b.role }

// Fetch reads the secret for role. A role other than the bound one is denied
// without contacting the vault.
func (b *Broker) Fetch(ctx context.Context, role string) (*Credential, error) {
	if role != b.role {
		b.logger.Warn("credential request for foreign role denied",
			slog.String("role", role),
			slog.String("bound_role", b.role),
		)
		return nil, apperror.AccessDenied(role, b.ref)
	}

	secret, err := b.vault.ReadSecret(ctx, role, b.ref)
	if err != nil {
		if errors.Is(err, apperror.ErrAccessDenied) || errors.Is(err, apperror.ErrVaultUnavailable) {
			return nil, err
		}
		return nil, apperror.VaultUnavailable(b.ref, err)
	}
	if secret == "" {
		return nil, apperror.VaultUnavailable(b.ref, errors.New("empty secret"))
	}

	now := b.now()
	return &Credential{
		Role:      role,
		Ref:       b.ref,
		Secret:    secret,
		FetchedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}, nil
}
