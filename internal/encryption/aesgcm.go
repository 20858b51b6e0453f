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

// Package encryption implements field-level envelope encryption for entity
// records. Values are encrypted with a per-tenant AES-256-GCM data key and
// authenticated against "{tenant_id}:{entity_id}" so ciphertext cannot move
// between tenants or rows. Deterministic fields derive the nonce from the
// plaintext so equal values produce equal ciphertext, which keeps exact-match
// lookups working on encrypted columns.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeySize is the DEK length in bytes (AES-256).
	KeySize = 32
	// nonceSize is the GCM nonce length in bytes.
	nonceSize = 12
)

// Sentinel errors for field encryption.
var (
	// ErrInvalidKey indicates a DEK of the wrong length.
	ErrInvalidKey = errors.New("encryption: invalid key length")
	// ErrDecryptFailed indicates a value that did not authenticate.
	ErrDecryptFailed = errors.New("encryption: decrypt failed")
)

// GenerateDEK returns a fresh random 256-bit data encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("encryption: generating DEK: %w", err)
	}
	return dek, nil
}

func newAEAD(dek []byte) (cipher.AEAD, error) {
	if len(dek) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(dek))
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptField encrypts plaintext under dek, returning
// base64(nonce || ciphertext+tag). Deterministic mode derives the nonce from
// SHA-256(dek || plaintext || aad) so equal plaintexts yield equal output
// under the same key; randomized mode draws a fresh nonce per call.
func EncryptField(dek []byte, plaintext, aad string, deterministic bool) (string, error) {
	aead, err := newAEAD(dek)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if deterministic {
		h := sha256.New()
		h.Write(dek)
		h.Write([]byte(plaintext))
		h.Write([]byte(aad))
		copy(nonce, h.Sum(nil)[:nonceSize])
	} else {
		if _, err := rand.Read(nonce); err != nil {
			return "", fmt.Errorf("encryption: generating nonce: %w", err)
		}
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField reverses EncryptField. Returns ErrDecryptFailed when the value
// is not valid base64, is too short, or fails authentication against aad.
func DecryptField(dek []byte, value, aad string) (string, error) {
	aead, err := newAEAD(dek)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrDecryptFailed)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: value too short", ErrDecryptFailed)
	}

	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}
