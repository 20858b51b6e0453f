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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
)

// sealedRSABits is the key size generated for sealed-mode tenants.
const sealedRSABits = 4096

// ErrSealedFormat indicates a sealed payload that does not parse.
var ErrSealedFormat = errors.New("encryption: invalid sealed payload")

// SealField encrypts plaintext for a sealed-mode tenant. Each call generates
// an ephemeral AES-256-GCM DEK, wraps it with the tenant's RSA public key
// (OAEP-SHA256), and packs
// len(wrapped):2 || wrapped || nonce:12 || ciphertext+tag, base64 encoded.
// The server never holds a key that can reverse this.
func SealField(pub *rsa.PublicKey, plaintext, aad string) (string, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return "", err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dek, nil)
	if err != nil {
		return "", fmt.Errorf("encryption: wrapping ephemeral DEK: %w", err)
	}

	aead, err := newAEAD(dek)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encryption: generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), []byte(aad))

	packed := make([]byte, 0, 2+len(wrapped)+nonceSize+len(sealed))
	packed = binary.BigEndian.AppendUint16(packed, uint16(len(wrapped)))
	packed = append(packed, wrapped...)
	packed = append(packed, nonce...)
	packed = append(packed, sealed...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

// DecryptSealed reverses SealField given the tenant's RSA private key. This
// runs client-side; the server has no path to it in sealed mode.
func DecryptSealed(priv *rsa.PrivateKey, value, aad string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrSealedFormat)
	}
	if len(raw) < 2 {
		return "", fmt.Errorf("%w: truncated header", ErrSealedFormat)
	}
	wrappedLen := int(binary.BigEndian.Uint16(raw))
	if len(raw) < 2+wrappedLen+nonceSize {
		return "", fmt.Errorf("%w: truncated body", ErrSealedFormat)
	}
	wrapped := raw[2 : 2+wrappedLen]
	nonce := raw[2+wrappedLen : 2+wrappedLen+nonceSize]
	sealed := raw[2+wrappedLen+nonceSize:]

	dek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return "", fmt.Errorf("%w: unwrapping DEK: %v", ErrDecryptFailed, err)
	}

	aead, err := newAEAD(dek)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

// GenerateSealedKeyPair generates an RSA-4096 pair for a tenant that wants
// sealed mode without providing a key, returning PEM encodings. The private
// PEM is handed to the caller exactly once and never stored.
func GenerateSealedKeyPair() (publicPEM, privatePEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, sealedRSABits)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption: generating RSA key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption: encoding public key: %w", err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	return publicPEM, privatePEM, nil
}

// ParsePublicKey parses a PEM-encoded RSA public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("encryption: no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("encryption: parsing public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("encryption: public key is not RSA")
	}
	return pub, nil
}

// ParsePrivateKey parses a PEM-encoded RSA private key (PKCS1 or PKCS8).
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("encryption: no PEM block in private key")
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("encryption: parsing private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("encryption: private key is not RSA")
	}
	return priv, nil
}
