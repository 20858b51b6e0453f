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

package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend wraps DEKs with a master key read from a local file. Intended
// for development and single-node deployments; the master key is 32 bytes of
// hex, generated on first use with 0600 permissions.
type LocalBackend struct {
	keyfile string
	aead    cipher.AEAD
}

// NewLocalBackend loads (or creates) the master key file and prepares the
// AES-256-GCM cipher.
func NewLocalBackend(keyfile string) (*LocalBackend, error) {
	key, err := loadOrCreateMasterKey(keyfile)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: creating master cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: creating master GCM: %w", err)
	}

	return &LocalBackend{keyfile: keyfile, aead: aead}, nil
}

func loadOrCreateMasterKey(keyfile string) ([]byte, error) {
	raw, err := os.ReadFile(keyfile)
	if os.IsNotExist(err) {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("kms: generating master key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keyfile), 0o700); err != nil {
			return nil, fmt.Errorf("kms: creating key directory: %w", err)
		}
		if err := os.WriteFile(keyfile, []byte(hex.EncodeToString(key)), 0o600); err != nil {
			return nil, fmt.Errorf("kms: writing master key: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: reading master key: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("kms: decoding master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("kms: master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Wrap encrypts dek under the master key. The key name is bound as GCM
// additional data so a wrapped key cannot be replayed across tenants.
func (b *LocalBackend) Wrap(_ context.Context, keyName string, dek []byte) ([]byte, string, string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", "", fmt.Errorf("%w: generating nonce: %v", ErrWrapFailed, err)
	}
	wrapped := b.aead.Seal(nonce, nonce, dek, []byte(keyName))
	return wrapped, b.keyfile, "AES-256-GCM", nil
}

// Unwrap decrypts wrapped bytes produced by Wrap for the same keyName.
func (b *LocalBackend) Unwrap(_ context.Context, keyName string, wrapped []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(wrapped) < ns {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrUnwrapFailed)
	}
	dek, err := b.aead.Open(nil, wrapped[:ns], wrapped[ns:], []byte(keyName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	return dek, nil
}

// Name identifies the backend.
func (b *LocalBackend) Name() string { return "local" }

// Close is a no-op for the local backend.
func (b *LocalBackend) Close() error { return nil }
