/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kms wraps and unwraps per-tenant data encryption keys. A pluggable
// Backend performs the actual key wrapping (local master key, Vault transit,
// AWS KMS, GCP KMS); the Service couples a backend to the tenant_keys table
// so key resolution is a single call for the encryption layer.
package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors for key service operations.
var (
	// ErrBackendUnavailable indicates the KMS backend could not be reached.
	ErrBackendUnavailable = errors.New("kms backend unavailable")
	// ErrWrapFailed indicates the backend rejected a wrap operation.
	ErrWrapFailed = errors.New("kms wrap failed")
	// ErrUnwrapFailed indicates the backend rejected an unwrap operation.
	ErrUnwrapFailed = errors.New("kms unwrap failed")
)

// Mode is the tenant encryption mode recorded alongside the wrapped key.
type Mode string

const (
	// ModePlatform means the server holds and uses the tenant DEK.
	ModePlatform Mode = "platform"
	// ModeClient means the server encrypts but returns ciphertext on read.
	ModeClient Mode = "client"
	// ModeSealed means the server holds only an RSA public key.
	ModeSealed Mode = "sealed"
)

// Key statuses in tenant_keys.
const (
	statusActive   = "active"
	statusDisabled = "disabled"
)

// Backend wraps and unwraps data keys. keyName scopes the operation to a
// tenant ({prefix}-{tenant_id}); backends that support key derivation or
// encryption contexts bind it into the ciphertext.
type Backend interface {
	// Wrap encrypts a 32-byte DEK, returning the wrapped bytes, the backend
	// key identifier, and the algorithm label stored with the row.
	Wrap(ctx context.Context, keyName string, dek []byte) (wrapped []byte, kmsKeyID, algorithm string, err error)
	// Unwrap decrypts wrapped bytes produced by Wrap with the same keyName.
	Unwrap(ctx context.Context, keyName string, wrapped []byte) ([]byte, error)
	// Name identifies the backend (local, vault, aws, gcp).
	Name() string
	// Close releases backend resources.
	Close() error
}

// Service is the key service: backend wrapping plus tenant_keys persistence.
type Service struct {
	pool      *pgxpool.Pool
	backend   Backend
	keyPrefix string
}

// NewService creates a key service over an existing pool.
func NewService(pool *pgxpool.Pool, backend Backend, keyPrefix string) *Service {
	return &Service{pool: pool, backend: backend, keyPrefix: keyPrefix}
}

// KeyName returns the backend key name for a tenant.
func (s *Service) KeyName(tenantID string) string {
	return s.keyPrefix + "-" + tenantID
}

// WrapAndStoreDEK wraps dek and upserts the tenant_keys row with status
// active. Fails with ErrBackendUnavailable wrapped errors on transport
// trouble.
func (s *Service) WrapAndStoreDEK(ctx context.Context, tenantID string, dek []byte, mode Mode) error {
	wrapped, kmsKeyID, algorithm, err := s.backend.Wrap(ctx, s.KeyName(tenantID), dek)
	if err != nil {
		return fmt.Errorf("kms: wrapping DEK for tenant %s: %w", tenantID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_keys (tenant_id, wrapped_dek, kms_key_id, algorithm, status, mode)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			wrapped_dek = EXCLUDED.wrapped_dek,
			kms_key_id = EXCLUDED.kms_key_id,
			algorithm = EXCLUDED.algorithm,
			status = EXCLUDED.status,
			mode = EXCLUDED.mode,
			updated_at = now()`,
		tenantID, wrapped, kmsKeyID, algorithm, statusActive, string(mode),
	)
	if err != nil {
		return fmt.Errorf("kms: storing wrapped DEK: %w", err)
	}
	return nil
}

// UnwrapDEK returns the cleartext DEK for a tenant, or nil when no active
// row exists.
func (s *Service) UnwrapDEK(ctx context.Context, tenantID string) ([]byte, error) {
	var wrapped []byte
	err := s.pool.QueryRow(ctx,
		`SELECT wrapped_dek FROM tenant_keys WHERE tenant_id=$1 AND status=$2`,
		tenantID, statusActive,
	).Scan(&wrapped)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: loading tenant key: %w", err)
	}

	dek, err := s.backend.Unwrap(ctx, s.KeyName(tenantID), wrapped)
	if err != nil {
		return nil, fmt.Errorf("kms: unwrapping DEK for tenant %s: %w", tenantID, err)
	}
	return dek, nil
}

// IsDisabled reports whether the tenant's key row is marked disabled.
func (s *Service) IsDisabled(ctx context.Context, tenantID string) (bool, error) {
	var disabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT status=$2 FROM tenant_keys WHERE tenant_id=$1`,
		tenantID, statusDisabled,
	).Scan(&disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kms: checking disabled state: %w", err)
	}
	return disabled, nil
}

// SetDisabled upserts a marker row that disables encryption for the tenant.
func (s *Service) SetDisabled(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_keys (tenant_id, wrapped_dek, kms_key_id, algorithm, status, mode)
		VALUES ($1, ''::bytea, '', '', $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		tenantID, statusDisabled, string(ModePlatform),
	)
	if err != nil {
		return fmt.Errorf("kms: disabling tenant: %w", err)
	}
	return nil
}

// RemoveKey deletes the tenant's key row so DEK resolution falls back to the
// system tenant.
func (s *Service) RemoveKey(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_keys WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return fmt.Errorf("kms: removing tenant key: %w", err)
	}
	return nil
}

// GetMode returns the tenant's key mode, or "" when no row exists.
func (s *Service) GetMode(ctx context.Context, tenantID string) (Mode, error) {
	var mode string
	err := s.pool.QueryRow(ctx,
		`SELECT mode FROM tenant_keys WHERE tenant_id=$1`, tenantID,
	).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kms: loading tenant key mode: %w", err)
	}
	return Mode(mode), nil
}

// StoreSealedKey stores a tenant's RSA public key (PEM) in wrapped_dek with
// mode sealed. origin records where the key came from (client-provided or
// server-generated).
func (s *Service) StoreSealedKey(ctx context.Context, tenantID string, publicPEM []byte, origin string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_keys (tenant_id, wrapped_dek, kms_key_id, algorithm, status, mode)
		VALUES ($1, $2, $3, 'RSA-4096-OAEP-SHA256', $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			wrapped_dek = EXCLUDED.wrapped_dek,
			kms_key_id = EXCLUDED.kms_key_id,
			algorithm = EXCLUDED.algorithm,
			status = EXCLUDED.status,
			mode = EXCLUDED.mode,
			updated_at = now()`,
		tenantID, publicPEM, origin, statusActive, string(ModeSealed),
	)
	if err != nil {
		return fmt.Errorf("kms: storing sealed public key: %w", err)
	}
	return nil
}

// GetSealedPublicKey returns the tenant's sealed-mode public key PEM, or nil
// when the tenant is not in sealed mode.
func (s *Service) GetSealedPublicKey(ctx context.Context, tenantID string) ([]byte, error) {
	var pem []byte
	err := s.pool.QueryRow(ctx,
		`SELECT wrapped_dek FROM tenant_keys WHERE tenant_id=$1 AND mode=$2 AND status=$3`,
		tenantID, string(ModeSealed), statusActive,
	).Scan(&pem)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: loading sealed public key: %w", err)
	}
	return pem, nil
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}
