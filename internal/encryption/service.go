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

package encryption

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/percolationlabs/percolate/internal/kms"
)

// cacheTTL bounds how long a resolved tenant key state is reused before the
// tenant_keys row is consulted again.
const cacheTTL = 5 * time.Minute

type keyState int

const (
	// stateDEK means a symmetric DEK is available for encrypt and decrypt.
	stateDEK keyState = iota
	// stateDisabled means the tenant opted out; fields pass through verbatim.
	stateDisabled
	// stateSealed means only an RSA public key is held; decrypt is impossible.
	stateSealed
)

type cacheEntry struct {
	state   keyState
	mode    kms.Mode
	dek     []byte
	pub     *rsa.PublicKey
	expires time.Time
}

// Service performs field-level encryption with per-tenant keys resolved
// through the key service and cached process-locally.
type Service struct {
	keys           *kms.Service
	systemTenantID string

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewService creates an encryption service. systemTenantID names the sentinel
// tenant whose DEK backs tenants without their own key.
func NewService(keys *kms.Service, systemTenantID string) *Service {
	return &Service{
		keys:           keys,
		systemTenantID: systemTenantID,
		cache:          make(map[string]cacheEntry),
		now:            time.Now,
	}
}

// resolve walks the key resolution ladder for a tenant: cached entry,
// disabled sentinel, sealed public key, active DEK, system-tenant bootstrap,
// system fallback.
func (s *Service) resolve(ctx context.Context, tenantID string) (cacheEntry, error) {
	s.mu.Lock()
	if entry, ok := s.cache[tenantID]; ok && s.now().Before(entry.expires) {
		s.mu.Unlock()
		return entry, nil
	}
	s.mu.Unlock()

	entry, err := s.resolveUncached(ctx, tenantID)
	if err != nil {
		return cacheEntry{}, err
	}

	entry.expires = s.now().Add(cacheTTL)
	s.mu.Lock()
	s.cache[tenantID] = entry
	s.mu.Unlock()
	return entry, nil
}

func (s *Service) resolveUncached(ctx context.Context, tenantID string) (cacheEntry, error) {
	disabled, err := s.keys.IsDisabled(ctx, tenantID)
	if err != nil {
		return cacheEntry{}, err
	}
	if disabled {
		return cacheEntry{state: stateDisabled}, nil
	}

	mode, err := s.keys.GetMode(ctx, tenantID)
	if err != nil {
		return cacheEntry{}, err
	}
	if mode == kms.ModeSealed {
		pemBytes, err := s.keys.GetSealedPublicKey(ctx, tenantID)
		if err != nil {
			return cacheEntry{}, err
		}
		pub, err := ParsePublicKey(pemBytes)
		if err != nil {
			return cacheEntry{}, err
		}
		return cacheEntry{state: stateSealed, mode: mode, pub: pub}, nil
	}

	dek, err := s.keys.UnwrapDEK(ctx, tenantID)
	if err != nil {
		return cacheEntry{}, err
	}
	if dek != nil {
		if mode == "" {
			mode = kms.ModePlatform
		}
		return cacheEntry{state: stateDEK, mode: mode, dek: dek}, nil
	}

	if tenantID == s.systemTenantID {
		// First use of the system tenant: mint and persist its DEK.
		dek, err := GenerateDEK()
		if err != nil {
			return cacheEntry{}, err
		}
		if err := s.keys.WrapAndStoreDEK(ctx, tenantID, dek, kms.ModePlatform); err != nil {
			return cacheEntry{}, err
		}
		return cacheEntry{state: stateDEK, mode: kms.ModePlatform, dek: dek}, nil
	}

	// Tenants without a key of their own share the system DEK.
	system, err := s.resolve(ctx, s.systemTenantID)
	if err != nil {
		return cacheEntry{}, err
	}
	return cacheEntry{state: system.state, mode: system.mode, dek: system.dek, pub: system.pub}, nil
}

// Invalidate drops any cached key state for a tenant.
func (s *Service) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

// fieldAAD returns the authenticated-data binding for a field. Every mode
// binds tenant, table, and field so ciphertext cannot move between columns
// or tenants. Randomized fields additionally bind the row; deterministic
// fields leave the row out, otherwise two rows holding the same value could
// never collide to equal ciphertext for exact-match lookup.
func fieldAAD(mode FieldMode, tenantID, table, field, entityID string) string {
	scope := tenantID + ":" + table + ":" + field
	if mode == ModeDeterministic {
		return scope
	}
	return scope + ":" + entityID
}

// EncryptRecord encrypts the registered fields of a record in place. Fields
// that are absent, non-string, or empty are left untouched.
func (s *Service) EncryptRecord(ctx context.Context, tenantID, table, entityID string, record map[string]any) error {
	fields := FieldsFor(table)
	if len(fields) == 0 {
		return nil
	}

	entry, err := s.resolve(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("encryption: resolving key for tenant %s: %w", tenantID, err)
	}
	if entry.state == stateDisabled {
		return nil
	}

	for name, mode := range fields {
		plaintext, ok := record[name].(string)
		if !ok || plaintext == "" {
			continue
		}

		bound := fieldAAD(mode, tenantID, table, name, entityID)
		var value string
		if entry.state == stateSealed {
			value, err = SealField(entry.pub, plaintext, bound)
		} else {
			value, err = EncryptField(entry.dek, plaintext, bound, mode == ModeDeterministic)
		}
		if err != nil {
			return fmt.Errorf("encryption: field %s.%s: %w", table, name, err)
		}
		record[name] = value
	}
	return nil
}

// DecryptRecord decrypts the registered fields of a record in place. Client
// and sealed tenants receive ciphertext verbatim per their read contract, and
// a field that fails to decrypt is also left verbatim so one bad value never
// hides a row.
func (s *Service) DecryptRecord(ctx context.Context, tenantID, table, entityID string, record map[string]any) error {
	fields := FieldsFor(table)
	if len(fields) == 0 {
		return nil
	}

	entry, err := s.resolve(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("encryption: resolving key for tenant %s: %w", tenantID, err)
	}
	if entry.state != stateDEK || entry.mode == kms.ModeClient {
		return nil
	}

	for name, mode := range fields {
		value, ok := record[name].(string)
		if !ok || value == "" {
			continue
		}
		if plaintext, err := DecryptField(entry.dek, value, fieldAAD(mode, tenantID, table, name, entityID)); err == nil {
			record[name] = plaintext
		}
	}
	return nil
}

// EncryptValue encrypts a single named field value for a tenant and entity.
func (s *Service) EncryptValue(ctx context.Context, tenantID, table, field, entityID, plaintext string) (string, error) {
	record := map[string]any{field: plaintext}
	if err := s.EncryptRecord(ctx, tenantID, table, entityID, record); err != nil {
		return "", err
	}
	value, _ := record[field].(string)
	return value, nil
}

// DecryptValue decrypts a single named field value for a tenant and entity.
func (s *Service) DecryptValue(ctx context.Context, tenantID, table, field, entityID, value string) (string, error) {
	record := map[string]any{field: value}
	if err := s.DecryptRecord(ctx, tenantID, table, entityID, record); err != nil {
		return "", err
	}
	plaintext, _ := record[field].(string)
	return plaintext, nil
}

// ConfigureTenant sets a tenant's symmetric encryption posture. enabled=false
// disables encryption entirely. ownKey=true mints a dedicated DEK in the
// given mode; ownKey=false removes any dedicated key so the system DEK backs
// the tenant again.
func (s *Service) ConfigureTenant(ctx context.Context, tenantID string, enabled, ownKey bool, mode kms.Mode) error {
	defer s.Invalidate(tenantID)

	if !enabled {
		return s.keys.SetDisabled(ctx, tenantID)
	}
	if !ownKey {
		return s.keys.RemoveKey(ctx, tenantID)
	}

	dek, err := GenerateDEK()
	if err != nil {
		return err
	}
	return s.keys.WrapAndStoreDEK(ctx, tenantID, dek, mode)
}

// ConfigureTenantSealed puts a tenant into sealed mode. When publicPEM is
// nil a fresh RSA-4096 pair is generated and the private PEM is returned to
// the caller exactly once; it is never persisted.
func (s *Service) ConfigureTenantSealed(ctx context.Context, tenantID string, publicPEM []byte) (privatePEM []byte, err error) {
	defer s.Invalidate(tenantID)

	origin := "client"
	if publicPEM == nil {
		publicPEM, privatePEM, err = GenerateSealedKeyPair()
		if err != nil {
			return nil, err
		}
		origin = "server"
	} else if _, err := ParsePublicKey(publicPEM); err != nil {
		return nil, err
	}

	if err := s.keys.StoreSealedKey(ctx, tenantID, publicPEM, origin); err != nil {
		return nil, err
	}
	return privatePEM, nil
}
